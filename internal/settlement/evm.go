package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"FarmEscrow/internal/chain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const custodyRefPrefix = "custody:"

// EVM settles batches as native value transfers signed by one custodial key.
// Funds held in escrow sit in the signer's balance, so deposit legs are booked
// as custodial credits and only payouts go on chain.
type EVM struct {
	backend       chain.Backend
	key           *ecdsa.PrivateKey
	signer        common.Address
	chainID       *big.Int
	weiPerUnit    *big.Int
	gasLimit      uint64
	confirmations uint64

	mu      sync.Mutex
	batches map[string]*evmBatch
}

type evmBatch struct {
	batch Batch
	legs  []LegReceipt
}

type EVMOption func(*EVM)

func WithChainID(id int64) EVMOption {
	return func(e *EVM) {
		if id > 0 {
			e.chainID = big.NewInt(id)
		}
	}
}

// WithWeiPerUnit sets how many wei one escrow minor unit is worth.
func WithWeiPerUnit(v *big.Int) EVMOption {
	return func(e *EVM) {
		if v != nil && v.Sign() > 0 {
			e.weiPerUnit = new(big.Int).Set(v)
		}
	}
}

func WithGasLimit(v uint64) EVMOption {
	return func(e *EVM) {
		if v > 0 {
			e.gasLimit = v
		}
	}
}

func WithConfirmations(v uint64) EVMOption {
	return func(e *EVM) {
		if v > 0 {
			e.confirmations = v
		}
	}
}

func NewEVM(backend chain.Backend, privateKeyHex string, opts ...EVMOption) (*EVM, error) {
	if backend == nil {
		return nil, errors.New("evm backend is nil")
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	e := &EVM{
		backend:       backend,
		key:           key,
		signer:        ethcrypto.PubkeyToAddress(key.PublicKey),
		weiPerUnit:    big.NewInt(1),
		gasLimit:      21000,
		confirmations: 1,
		batches:       make(map[string]*evmBatch),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *EVM) Mode() string { return "evm" }

func (e *EVM) Signer() string { return e.signer.Hex() }

func (e *EVM) ValidateAccount(account string) error {
	if !common.IsHexAddress(account) {
		return fmt.Errorf("%w: %q is not a hex address", ErrRejected, account)
	}
	return nil
}

func (e *EVM) Submit(ctx context.Context, batch Batch) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batches[batch.Key]
	if !ok {
		b = &evmBatch{batch: batch, legs: seedLegs(batch)}
		e.batches[batch.Key] = b
	}

	var (
		nonce    uint64
		gasPrice *big.Int
		prepared bool
	)
	for i, t := range batch.Transfers {
		leg := &b.legs[i]
		if leg.State == StateConfirmed || (leg.TxRef != "" && leg.State != StateFailed) {
			continue
		}
		if t.Kind == KindDeposit {
			leg.TxRef = custodyRefPrefix + e.signer.Hex()
			leg.State = StateConfirmed
			leg.Detail = ""
			continue
		}
		if t.Amount <= 0 {
			return e.receiptLocked(b), fmt.Errorf("%w: leg %s has non-positive amount", ErrRejected, t.Leg)
		}
		if err := e.ValidateAccount(t.To); err != nil {
			return e.receiptLocked(b), err
		}

		if !prepared {
			var err error
			if nonce, gasPrice, err = e.prepare(ctx); err != nil {
				return e.receiptLocked(b), err
			}
			prepared = true
		}

		to := common.HexToAddress(t.To)
		value := new(big.Int).Mul(big.NewInt(t.Amount), e.weiPerUnit)
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      e.gasLimit,
			GasPrice: gasPrice,
		})
		signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
		if err != nil {
			return e.receiptLocked(b), fmt.Errorf("sign leg %s: %w", t.Leg, err)
		}
		if err := e.backend.SendTransaction(ctx, signed); err != nil {
			return e.receiptLocked(b), classifySendError(t.Leg, err)
		}
		nonce++
		leg.TxRef = signed.Hash().Hex()
		leg.State = StatePending
		leg.Detail = ""
	}
	return e.receiptLocked(b), nil
}

func (e *EVM) prepare(ctx context.Context) (uint64, *big.Int, error) {
	if e.chainID == nil {
		id, err := e.backend.ChainID(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: chain id: %v", ErrUnavailable, err)
		}
		e.chainID = id
	}
	nonce, err := e.backend.PendingNonceAt(ctx, e.signer)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}
	return nonce, gasPrice, nil
}

func (e *EVM) Poll(ctx context.Context, key string) (Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batches[key]
	if !ok {
		return Receipt{}, ErrUnknownBatch
	}
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return e.receiptLocked(b), fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	for i := range b.legs {
		leg := &b.legs[i]
		if leg.State != StatePending || !strings.HasPrefix(leg.TxRef, "0x") {
			continue
		}
		rc, err := e.backend.TransactionReceipt(ctx, common.HexToHash(leg.TxRef))
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return e.receiptLocked(b), fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, leg.TxRef, err)
		}
		if rc.Status == types.ReceiptStatusFailed {
			leg.State = StateFailed
			leg.Detail = "transaction " + leg.TxRef + " reverted"
			leg.TxRef = ""
			continue
		}
		if rc.BlockNumber != nil && head+1 >= rc.BlockNumber.Uint64()+e.confirmations {
			leg.State = StateConfirmed
		}
	}
	return e.receiptLocked(b), nil
}

func (e *EVM) Info(ctx context.Context) (Info, error) {
	info := Info{Mode: e.Mode(), Signer: e.signer.Hex()}
	if u, ok := e.backend.(interface{ BaseURL() string }); ok {
		info.Endpoint = u.BaseURL()
	}
	bal, err := e.backend.BalanceAt(ctx, e.signer, nil)
	if err != nil {
		return info, fmt.Errorf("%w: balance: %v", ErrUnavailable, err)
	}
	info.Balance = bal.String()
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return info, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	info.Height = int64(head)
	return info, nil
}

func (e *EVM) receiptLocked(b *evmBatch) Receipt {
	r := Receipt{Reference: b.batch.Key, Legs: append([]LegReceipt(nil), b.legs...)}
	r.State = Aggregate(r.Legs)
	for _, l := range r.Legs {
		if l.State == StateFailed && l.Detail != "" {
			r.Detail = l.Detail
			break
		}
	}
	return r
}

// seedLegs lines the batch up with any leg receipts recorded before a restart.
func seedLegs(batch Batch) []LegReceipt {
	prior := make(map[string]LegReceipt, len(batch.Prior))
	for _, p := range batch.Prior {
		prior[p.Leg] = p
	}
	legs := make([]LegReceipt, len(batch.Transfers))
	for i, t := range batch.Transfers {
		if p, ok := prior[t.Leg]; ok && p.TxRef != "" {
			legs[i] = p
			continue
		}
		legs[i] = LegReceipt{Leg: t.Leg, State: StatePending}
	}
	return legs
}

func classifySendError(leg string, err error) error {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"insufficient funds", "intrinsic gas", "exceeds block gas limit", "invalid sender"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%w: leg %s: %v", ErrRejected, leg, err)
		}
	}
	return fmt.Errorf("%w: leg %s: %v", ErrUnavailable, leg, err)
}
