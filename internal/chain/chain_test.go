package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func testXPub(t *testing.T) string {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)
	pub, err := master.Neuter()
	require.NoError(t, err)
	return pub.String()
}

func TestDeriveBech32IsDeterministic(t *testing.T) {
	d := AddressDeriver{XPub: testXPub(t), Prefix: "farm"}

	a0, err := d.Derive(0)
	require.NoError(t, err)
	again, err := d.Derive(0)
	require.NoError(t, err)
	a1, err := d.Derive(1)
	require.NoError(t, err)

	require.Equal(t, a0, again)
	require.NotEqual(t, a0, a1)
	require.True(t, strings.HasPrefix(a0, "farm1"))
}

func TestDeriveEVM(t *testing.T) {
	d := AddressDeriver{XPub: testXPub(t), Format: FormatEVM}
	addr, err := d.Derive(7)
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(addr))
}

func TestDeriveRequiresConfig(t *testing.T) {
	_, err := AddressDeriver{}.Derive(0)
	require.Error(t, err)
	_, err = AddressDeriver{XPub: testXPub(t)}.Derive(0)
	require.Error(t, err)
}

func TestParseHead(t *testing.T) {
	head, ok, err := ParseHead([]byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"number":"0x1b4","hash":"0xABC"}}}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(436), head.Number)
	require.Equal(t, "0xabc", head.Hash)

	_, ok, err = ParseHead([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x9ce59a13059e417087c02d3236a0b1cc"}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = ParseHead([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"boom"}}`))
	require.EqualError(t, err, "boom")
}

func TestDefaultWSEndpoint(t *testing.T) {
	require.Equal(t, "ws://localhost:8545", DefaultWSEndpoint("http://localhost:8545/"))
	require.Equal(t, "wss://rpc.example.org", DefaultWSEndpoint("https://rpc.example.org"))
	require.Equal(t, "", DefaultWSEndpoint("localhost:8545"))
}

type flakyBackend struct {
	Backend
	height  uint64
	err     error
	calls   int
	receipt *types.Receipt
}

func (f *flakyBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.calls++
	return f.height, f.err
}

func (f *flakyBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *flakyBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(31337), nil
}

func TestMultiClientFailsOver(t *testing.T) {
	bad := &flakyBackend{err: errors.New("connection refused")}
	good := &flakyBackend{height: 42}
	m, err := NewMultiClient([]string{"http://a", "http://b"}, []Backend{bad, good}, 1)
	require.NoError(t, err)

	h, err := m.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42), h)
	require.Equal(t, "http://b", m.BaseURL())
}

func TestMultiClientReceiptNotFoundDoesNotRotate(t *testing.T) {
	a := &flakyBackend{}
	b := &flakyBackend{}
	m, err := NewMultiClient([]string{"http://a", "http://b"}, []Backend{a, b}, 1)
	require.NoError(t, err)

	_, err = m.TransactionReceipt(context.Background(), common.Hash{})
	require.ErrorIs(t, err, ethereum.NotFound)
	require.Equal(t, "http://a", m.BaseURL())
	require.Zero(t, b.calls)
}
