package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestEscrowMetricsRegisterOnce(t *testing.T) {
	m := Escrow()
	require.Same(t, m, Escrow())

	before := testutil.ToFloat64(m.transitions.WithLabelValues("accept", "Active"))
	m.ObserveTransition("accept", "Active")
	require.Equal(t, before+1, testutil.ToFloat64(m.transitions.WithLabelValues("accept", "Active")))

	m.ObserveFailure("", "not_found")
	require.GreaterOrEqual(t, testutil.ToFloat64(m.failures.WithLabelValues("unknown", "not_found")), 1.0)

	m.ObserveEvent("amqp", errors.New("closed"))
	require.GreaterOrEqual(t, testutil.ToFloat64(m.events.WithLabelValues("amqp", "error")), 1.0)

	m.SetPending(3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.pending))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *EscrowMetrics
	m.ObserveTransition("a", "b")
	m.ObserveSettlement("ledger", "ok")
	m.SetPending(1)
}
