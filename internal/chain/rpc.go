package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const dialTimeout = 10 * time.Second

// Dial connects to every endpoint and wraps them in a failover client.
// Endpoints that cannot be dialed are skipped as long as one succeeds.
func Dial(ctx context.Context, endpoints []string, failThreshold int) (*MultiClient, func(), error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, nil, errors.New("rpc endpoints is empty")
	}

	var (
		urls    []string
		clients []Backend
		raw     []*ethclient.Client
		errs    []error
	)
	for _, ep := range list {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		c, err := ethclient.DialContext(dialCtx, ep)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("dial %s: %w", ep, err))
			continue
		}
		urls = append(urls, ep)
		clients = append(clients, c)
		raw = append(raw, c)
	}
	if len(clients) == 0 {
		return nil, nil, errors.Join(errs...)
	}

	multi, err := NewMultiClient(urls, clients, failThreshold)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		for _, c := range raw {
			c.Close()
		}
	}
	return multi, closeAll, nil
}
