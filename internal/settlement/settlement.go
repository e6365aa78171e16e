package settlement

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

var (
	ErrUnavailable  = errors.New("settlement layer unavailable")
	ErrRejected     = errors.New("settlement transfer rejected")
	ErrUnknownBatch = errors.New("settlement batch unknown")
)

type Kind string

const (
	KindDeposit Kind = "deposit"
	KindPayout  Kind = "payout"
	KindPenalty Kind = "penalty"
	KindRefund  Kind = "refund"
)

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Transfer is one leg of a batch. Leg names are stable within a batch so a
// resubmitted batch can be matched leg by leg.
type Transfer struct {
	Leg    string `json:"leg"`
	Kind   Kind   `json:"kind"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// Batch groups the transfers of a single escrow transition. Submitting the
// same key again only sends legs that are neither confirmed nor in flight.
type Batch struct {
	Key       string     `json:"key"`
	EscrowID  string     `json:"escrowId"`
	Transfers []Transfer `json:"transfers"`
	// Prior carries leg receipts recorded before a restart so backends that
	// lost their in-memory view do not send a leg twice.
	Prior []LegReceipt `json:"prior,omitempty"`
}

type LegReceipt struct {
	Leg    string `json:"leg"`
	TxRef  string `json:"txRef,omitempty"`
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type Receipt struct {
	Reference string       `json:"reference"`
	State     State        `json:"state"`
	Legs      []LegReceipt `json:"legs"`
	Detail    string       `json:"detail,omitempty"`
}

// Info describes the backend for operators, mirroring the signer status the
// custodial relay exposes.
type Info struct {
	Mode     string `json:"mode"`
	Signer   string `json:"signer"`
	Balance  string `json:"balance"`
	Endpoint string `json:"endpoint,omitempty"`
	Height   int64  `json:"height,omitempty"`
}

type Layer interface {
	Mode() string
	ValidateAccount(account string) error
	Submit(ctx context.Context, batch Batch) (Receipt, error)
	Poll(ctx context.Context, key string) (Receipt, error)
	Info(ctx context.Context) (Info, error)
}

// Restorer is implemented by backends that keep custody balances in memory
// and need them rebuilt from persisted records after a restart.
type Restorer interface {
	RestoreCustody(account string, amount int64)
}

// Aggregate derives the batch state from its legs: any failure fails the
// batch, every leg confirmed confirms it.
func Aggregate(legs []LegReceipt) State {
	if len(legs) == 0 {
		return StatePending
	}
	confirmed := 0
	for _, l := range legs {
		switch l.State {
		case StateFailed:
			return StateFailed
		case StateConfirmed:
			confirmed++
		}
	}
	if confirmed == len(legs) {
		return StateConfirmed
	}
	return StatePending
}

// Committed reports whether any leg may already have moved funds.
func (r Receipt) Committed() bool {
	for _, l := range r.Legs {
		if l.State == StateConfirmed {
			return true
		}
		if l.State == StatePending && l.TxRef != "" {
			return true
		}
	}
	return false
}

// Unsent reports whether some leg still has to be submitted.
func (r Receipt) Unsent() bool {
	for _, l := range r.Legs {
		if l.TxRef == "" && l.State != StateConfirmed {
			return true
		}
	}
	return false
}

// Refs returns the transaction references of all submitted legs.
func (r Receipt) Refs() []string {
	out := make([]string, 0, len(r.Legs))
	for _, l := range r.Legs {
		if l.TxRef != "" {
			out = append(out, l.TxRef)
		}
	}
	return out
}

func validAccount(account string) bool {
	if account == "" || len(account) > 128 {
		return false
	}
	for _, r := range account {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return strings.TrimSpace(account) == account
}
