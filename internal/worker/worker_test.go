package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"FarmEscrow/internal/escrow"
	"FarmEscrow/internal/models"
	"FarmEscrow/internal/settlement"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type countingReconciler struct {
	calls atomic.Int64
}

func (c *countingReconciler) PendingEscrows() []string { return []string{"e1"} }

func (c *countingReconciler) Reconcile(ctx context.Context, id string) error {
	c.calls.Add(1)
	return nil
}

func TestSyncOnceCommitsAsyncSettlement(t *testing.T) {
	ledger := settlement.NewLedger(settlement.WithAsync(true), settlement.WithExternalDeposits(true))
	engine := escrow.NewEngine(escrow.NewRegistry(), ledger)
	ctx := context.Background()

	rec, err := engine.Create(ctx, "buyer-1", models.Terms{
		FarmerID:         "farmer-1",
		BuyerID:          "buyer-1",
		TotalPrice:       1000,
		Quantity:         5,
		ProduceType:      "maize",
		DeliveryDeadline: time.Now().Add(time.Hour),
		PenaltyPercent:   10,
	})
	require.NoError(t, err)
	_, err = engine.Apply(ctx, escrow.Command{EscrowID: rec.EscrowID, Op: models.OpAccept, Actor: "farmer-1"})
	require.NoError(t, err)
	res, err := engine.Apply(ctx, escrow.Command{EscrowID: rec.EscrowID, Op: models.OpDeposit, Actor: "buyer-1", Amount: 1000})
	require.NoError(t, err)
	require.True(t, res.Pending)

	w := &Worker{Engine: engine}
	require.Equal(t, 0, w.SyncOnce(ctx))

	got, err := engine.Get(rec.EscrowID)
	require.NoError(t, err)
	require.Nil(t, got.Pending)
	require.Equal(t, int64(1000), got.DepositedAmount)
	require.Equal(t, models.StatusActive, got.Status)
}

func TestTriggerCoalesces(t *testing.T) {
	w := &Worker{Engine: &countingReconciler{}}
	w.Trigger()
	w.wake = make(chan struct{}, 1)
	w.Trigger()
	w.Trigger()
	require.Len(t, w.wake, 1)
}

// headServer acknowledges eth_subscribe and pushes a head whenever the test
// sends on push.
func headServer(t *testing.T, push <-chan int64) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil || req["method"] != "eth_subscribe" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub"}`))
		for n := range push {
			msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub","result":{"number":"0x%x","hash":"0xABC"}}}`, n)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
}

func TestNewHeadTriggersSync(t *testing.T) {
	push := make(chan int64)
	srv := headServer(t, push)
	defer srv.Close()

	rec := &countingReconciler{}
	w := &Worker{
		Engine:      rec,
		Interval:    time.Hour,
		WSEndpoints: []string{"ws" + strings.TrimPrefix(srv.URL, "http")},
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	push <- 100
	require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(push)
	wg.Wait()
}
