package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MultiClient spreads calls over several RPC endpoints and rotates to the next
// one after failThreshold consecutive failures on the current endpoint.
type MultiClient struct {
	clients       []Backend
	urls          []string
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiClient(urls []string, clients []Backend, failThreshold int) (*MultiClient, error) {
	if len(clients) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if len(urls) != len(clients) {
		return nil, errors.New("rpc endpoint list and client list differ in length")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &MultiClient{
		clients:       clients,
		urls:          urls,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urls[m.index]
}

func (m *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := m.do(func(c Backend) error {
		v, err := c.BlockNumber(ctx)
		out = v
		return err
	})
	return out, err
}

func (m *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := m.do(func(c Backend) error {
		v, err := c.ChainID(ctx)
		out = v
		return err
	})
	return out, err
}

func (m *MultiClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := m.do(func(c Backend) error {
		v, err := c.BalanceAt(ctx, account, blockNumber)
		out = v
		return err
	})
	return out, err
}

func (m *MultiClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := m.do(func(c Backend) error {
		v, err := c.PendingNonceAt(ctx, account)
		out = v
		return err
	})
	return out, err
}

func (m *MultiClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := m.do(func(c Backend) error {
		v, err := c.SuggestGasPrice(ctx)
		out = v
		return err
	})
	return out, err
}

// SendTransaction is not retried on other endpoints: a timeout does not tell
// whether the first node already broadcast the transaction.
func (m *MultiClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, idx := m.currentClient()
	if err := client.SendTransaction(ctx, tx); err != nil {
		m.noteFailure(idx)
		if m.shouldRotate() {
			m.rotate()
		}
		return err
	}
	m.resetFailures(idx)
	return nil
}

func (m *MultiClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := m.do(func(c Backend) error {
		v, err := c.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			// A missing receipt is an answer, not an endpoint failure.
			out = nil
			return errNotFoundPassThrough
		}
		out = v
		return err
	})
	if errors.Is(err, errNotFoundPassThrough) {
		return nil, ethereum.NotFound
	}
	return out, err
}

var errNotFoundPassThrough = errors.New("receipt not found")

func (m *MultiClient) do(call func(Backend) error) error {
	m.mu.Lock()
	start := m.index
	m.mu.Unlock()

	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.currentClient()
		err := call(client)
		if err == nil || errors.Is(err, errNotFoundPassThrough) {
			m.resetFailures(idx)
			return err
		}
		lastErr = err
		m.noteFailure(idx)
		if m.shouldRotate() || len(m.clients) > 1 {
			m.rotate()
		}
		if idx == start && attempts > 0 {
			break
		}
	}
	return lastErr
}

func (m *MultiClient) currentClient() (Backend, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
}

func (m *MultiClient) shouldRotate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failCount >= m.failThreshold
}

func (m *MultiClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
