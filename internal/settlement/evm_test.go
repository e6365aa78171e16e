package settlement

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	head     uint64
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{receipts: make(map[common.Hash]*types.Receipt)}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error)  { return big.NewInt(31337), nil }
func (f *fakeBackend) BalanceAt(ctx context.Context, a common.Address, n *big.Int) (*big.Int, error) {
	return big.NewInt(5_000), nil
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	rc, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return rc, nil
}

func (f *fakeBackend) mine(block uint64, status uint64) {
	f.head = block
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; !ok {
			f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block)}
		}
	}
}

func newTestEVM(t *testing.T, backend *fakeBackend, opts ...EVMOption) *EVM {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	e, err := NewEVM(backend, hex.EncodeToString(ethcrypto.FromECDSA(key)), opts...)
	require.NoError(t, err)
	return e
}

const (
	farmerAddr = "0x00000000000000000000000000000000000000f1"
	buyerAddr  = "0x00000000000000000000000000000000000000b1"
)

func TestEVMSubmitAndConfirm(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	e := newTestEVM(t, backend, WithWeiPerUnit(big.NewInt(1_000)), WithConfirmations(2))

	batch := Batch{Key: "e1/reject", Transfers: []Transfer{
		{Leg: "penalty", Kind: KindPenalty, From: "custody", To: farmerAddr, Amount: 100},
		{Leg: "refund", Kind: KindRefund, From: "custody", To: buyerAddr, Amount: 900},
	}}
	rc, err := e.Submit(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, StatePending, rc.State)
	require.Len(t, backend.sent, 2)
	require.Equal(t, big.NewInt(100_000), backend.sent[0].Value())
	require.Equal(t, uint64(0), backend.sent[0].Nonce())
	require.Equal(t, uint64(1), backend.sent[1].Nonce())

	backend.mine(10, types.ReceiptStatusSuccessful)
	rc, err = e.Poll(ctx, "e1/reject")
	require.NoError(t, err)
	require.Equal(t, StatePending, rc.State)

	backend.head = 11
	rc, err = e.Poll(ctx, "e1/reject")
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, rc.State)

	// Resubmitting a settled batch sends nothing.
	_, err = e.Submit(ctx, batch)
	require.NoError(t, err)
	require.Len(t, backend.sent, 2)
}

func TestEVMDepositIsCustodialCredit(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEVM(t, backend)

	rc, err := e.Submit(context.Background(), Batch{Key: "e1/deposit", Transfers: []Transfer{
		{Leg: "deposit", Kind: KindDeposit, From: buyerAddr, To: "farm1custody", Amount: 1000},
	}})
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, rc.State)
	require.Empty(t, backend.sent)
	require.Equal(t, custodyRefPrefix+e.Signer(), rc.Legs[0].TxRef)
}

func TestEVMRevertedLegIsResent(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	e := newTestEVM(t, backend)
	batch := Batch{Key: "e1/release", Transfers: []Transfer{
		{Leg: "payout", Kind: KindPayout, From: "custody", To: farmerAddr, Amount: 1000},
	}}

	_, err := e.Submit(ctx, batch)
	require.NoError(t, err)
	backend.mine(5, types.ReceiptStatusFailed)

	rc, err := e.Poll(ctx, batch.Key)
	require.NoError(t, err)
	require.Equal(t, StateFailed, rc.State)
	require.Contains(t, rc.Detail, "reverted")
	require.False(t, rc.Committed())

	rc, err = e.Submit(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, StatePending, rc.State)
	require.Len(t, backend.sent, 2)
}

func TestEVMSendErrors(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	e := newTestEVM(t, backend)
	batch := Batch{Key: "k", Transfers: []Transfer{{Leg: "payout", Kind: KindPayout, To: farmerAddr, Amount: 1}}}

	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	rc, err := e.Submit(ctx, batch)
	require.ErrorIs(t, err, ErrRejected)
	require.False(t, rc.Committed())

	backend.sendErr = errors.New("connection reset by peer")
	_, err = e.Submit(ctx, batch)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = e.Poll(ctx, "unknown")
	require.ErrorIs(t, err, ErrUnknownBatch)
}

func TestEVMAdoptsPriorLegs(t *testing.T) {
	backend := newFakeBackend()
	e := newTestEVM(t, backend)
	prior := "0x" + hex.EncodeToString(make([]byte, 32))

	rc, err := e.Submit(context.Background(), Batch{
		Key: "e1/release",
		Transfers: []Transfer{
			{Leg: "payout", Kind: KindPayout, To: farmerAddr, Amount: 1000},
		},
		Prior: []LegReceipt{{Leg: "payout", TxRef: prior, State: StatePending}},
	})
	require.NoError(t, err)
	require.Empty(t, backend.sent)
	require.Equal(t, prior, rc.Legs[0].TxRef)
}

func TestEVMValidateAccount(t *testing.T) {
	e := newTestEVM(t, newFakeBackend())
	require.NoError(t, e.ValidateAccount(farmerAddr))
	require.ErrorIs(t, e.ValidateAccount("farmer-1"), ErrRejected)

	info, err := e.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, "evm", info.Mode)
	require.Equal(t, "5000", info.Balance)
}
