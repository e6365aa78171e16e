package worker

import (
	"context"
	"time"

	"FarmEscrow/internal/chain"
)

const wsRetryDelay = 3 * time.Second

// RunWS subscribes to new heads and triggers a sync per block. After
// WSFailoverThreshold consecutive failures it moves to the next endpoint.
func (w *Worker) RunWS(ctx context.Context) {
	logger := w.logger().With("component", "heads")
	threshold := w.WSFailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}
	idx, failures := 0, 0
	fail := func(msg string, err error) {
		failures++
		logger.Warn(msg, "endpoint", w.WSEndpoints[idx], "err", err)
		if failures >= threshold && len(w.WSEndpoints) > 1 {
			idx = (idx + 1) % len(w.WSEndpoints)
			failures = 0
			logger.Info("ws failover", "endpoint", w.WSEndpoints[idx])
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := chain.NewWSClient(w.WSEndpoints[idx])
		if err := client.Connect(ctx); err != nil {
			fail("ws connect failed", err)
			sleep(ctx, wsRetryDelay)
			continue
		}
		if err := client.SubscribeHeads(ctx); err != nil {
			fail("ws subscribe failed", err)
			client.Close()
			sleep(ctx, wsRetryDelay)
			continue
		}
		logger.Info("ws connected", "endpoint", w.WSEndpoints[idx])
		failures = 0

		stop := context.AfterFunc(ctx, client.Close)
		for {
			msg, err := client.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					fail("ws read failed", err)
				}
				break
			}
			head, ok, err := chain.ParseHead(msg)
			if err != nil {
				logger.Debug("ws parse failed", "err", err)
				continue
			}
			if !ok {
				continue
			}
			logger.Debug("new head", "number", head.Number)
			w.Trigger()
		}
		stop()
		client.Close()
		sleep(ctx, time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
