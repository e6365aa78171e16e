package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"FarmEscrow/internal/metrics"
	"FarmEscrow/internal/models"
)

const DefaultExchange = "escrow_events"

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// RoutingKey is the topic routing key of an event, e.g. escrow.funds_deposited.
func RoutingKey(ev models.Event) string {
	return "escrow." + string(ev.Type)
}

type Sink struct {
	Name      string
	Publisher Publisher
}

// Multi fans an event out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi struct {
	sinks   []Sink
	metrics *metrics.EscrowMetrics
}

func NewMulti(m *metrics.EscrowMetrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (m *Multi) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

func (m *Multi) Publish(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.Publisher.Publish(ctx, ev)
		m.metrics.ObserveEvent(s.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev models.Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "escrow event",
		"event_id", ev.ID,
		"type", ev.Type,
		"escrow_id", ev.EscrowID,
		"status", ev.Status,
		"actor", ev.Actor,
		"amount", ev.Amount,
		"reference", ev.Reference,
	)
	return nil
}
