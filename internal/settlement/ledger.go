package settlement

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Ledger is an in-process custodial ledger. Every batch is applied atomically:
// either all legs move funds or none do. In async mode a batch stays pending
// until it is polled once, which mimics a chain that confirms later.
type Ledger struct {
	mu          sync.Mutex
	balances    map[string]int64
	blocked     map[string]string
	batches     map[string]*ledgerBatch
	async       bool
	external    bool
	unavailable bool
}

type ledgerBatch struct {
	batch   Batch
	receipt Receipt
}

type LedgerOption func(*Ledger)

func WithAsync(async bool) LedgerOption {
	return func(l *Ledger) { l.async = async }
}

// WithExternalDeposits credits deposit legs to custody from outside the
// ledger instead of debiting the payer's ledger balance.
func WithExternalDeposits(v bool) LedgerOption {
	return func(l *Ledger) { l.external = v }
}

func NewLedger(opts ...LedgerOption) *Ledger {
	l := &Ledger{
		balances: make(map[string]int64),
		blocked:  make(map[string]string),
		batches:  make(map[string]*ledgerBatch),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Mode() string { return "ledger" }

func (l *Ledger) ValidateAccount(account string) error {
	if !validAccount(account) {
		return fmt.Errorf("%w: invalid ledger account %q", ErrRejected, account)
	}
	return nil
}

// Credit funds an account from outside the ledger.
func (l *Ledger) Credit(account string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
}

// RestoreCustody puts back funds a custody account held before a restart.
func (l *Ledger) RestoreCustody(account string, amount int64) {
	l.Credit(account, amount)
}

func (l *Ledger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Block makes an account refuse incoming transfers.
func (l *Ledger) Block(account, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[account] = reason
}

func (l *Ledger) Unblock(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blocked, account)
}

func (l *Ledger) SetUnavailable(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = v
}

func (l *Ledger) Submit(ctx context.Context, batch Batch) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return Receipt{}, ErrUnavailable
	}
	if existing, ok := l.batches[batch.Key]; ok && existing.receipt.State != StateFailed {
		return cloneReceipt(existing.receipt), nil
	}

	// Legs that carry a TxRef from an earlier submission already moved funds.
	legs := seedLegs(batch)
	next := make(map[string]int64, len(batch.Transfers)*2)
	balance := func(acct string) int64 {
		if v, ok := next[acct]; ok {
			return v
		}
		return l.balances[acct]
	}
	for i, t := range batch.Transfers {
		if legs[i].TxRef != "" {
			continue
		}
		if t.Amount <= 0 {
			return Receipt{}, fmt.Errorf("%w: leg %s has non-positive amount", ErrRejected, t.Leg)
		}
		if reason, ok := l.blocked[t.To]; ok {
			return Receipt{}, fmt.Errorf("%w: account %s cannot accept funds: %s", ErrRejected, t.To, reason)
		}
		if t.Kind == KindDeposit && l.external {
			next[t.To] = balance(t.To) + t.Amount
			continue
		}
		if balance(t.From) < t.Amount {
			return Receipt{}, fmt.Errorf("%w: insufficient balance in %s", ErrRejected, t.From)
		}
		next[t.From] = balance(t.From) - t.Amount
		next[t.To] = balance(t.To) + t.Amount
	}
	for acct, v := range next {
		l.balances[acct] = v
	}

	state := StateConfirmed
	if l.async {
		state = StatePending
	}
	receipt := Receipt{Reference: batch.Key, Legs: legs}
	for i, t := range batch.Transfers {
		if legs[i].TxRef == "" {
			legs[i] = LegReceipt{Leg: t.Leg, TxRef: "ledger-" + uuid.NewString(), State: state}
			continue
		}
		if legs[i].State != StateConfirmed {
			legs[i].State = state
		}
	}
	receipt.State = Aggregate(receipt.Legs)
	l.batches[batch.Key] = &ledgerBatch{batch: batch, receipt: receipt}
	return cloneReceipt(receipt), nil
}

func (l *Ledger) Poll(ctx context.Context, key string) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return Receipt{}, ErrUnavailable
	}
	b, ok := l.batches[key]
	if !ok {
		return Receipt{}, ErrUnknownBatch
	}
	if b.receipt.State == StatePending {
		for i := range b.receipt.Legs {
			b.receipt.Legs[i].State = StateConfirmed
		}
		b.receipt.State = StateConfirmed
	}
	return cloneReceipt(b.receipt), nil
}

// FailPending reverts a pending batch and marks it failed, as a chain would
// after a reverted transaction.
func (l *Ledger) FailPending(key, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.batches[key]
	if !ok {
		return ErrUnknownBatch
	}
	if b.receipt.State != StatePending {
		return fmt.Errorf("batch %s is %s", key, b.receipt.State)
	}
	for i := len(b.batch.Transfers) - 1; i >= 0; i-- {
		t := b.batch.Transfers[i]
		l.balances[t.To] -= t.Amount
		if t.Kind == KindDeposit && l.external {
			continue
		}
		l.balances[t.From] += t.Amount
	}
	for i := range b.receipt.Legs {
		b.receipt.Legs[i].State = StateFailed
		b.receipt.Legs[i].TxRef = ""
		b.receipt.Legs[i].Detail = reason
	}
	b.receipt.State = StateFailed
	b.receipt.Detail = reason
	return nil
}

func (l *Ledger) Info(ctx context.Context) (Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, v := range l.balances {
		total += v
	}
	return Info{
		Mode:    l.Mode(),
		Signer:  "ledger",
		Balance: strconv.FormatInt(total, 10),
	}, nil
}

func cloneReceipt(r Receipt) Receipt {
	out := r
	out.Legs = append([]LegReceipt(nil), r.Legs...)
	return out
}
