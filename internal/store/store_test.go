package store

import (
	"context"
	"os"
	"testing"
	"time"

	"FarmEscrow/internal/db"
	"FarmEscrow/internal/models"
	"FarmEscrow/internal/settlement"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return New(pool)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	idx, err := s.NextDerivationIndex(ctx)
	require.NoError(t, err)
	next, err := s.NextDerivationIndex(ctx)
	require.NoError(t, err)
	require.Greater(t, next, idx)

	rec := &models.Record{
		EscrowID: uuid.NewString(),
		Terms: models.Terms{
			FarmerID:         "farmer-1",
			BuyerID:          "buyer-1",
			TotalPrice:       1000,
			Quantity:         5,
			ProduceType:      "maize",
			DeliveryDeadline: now.Add(72 * time.Hour),
			PenaltyPercent:   10,
		},
		Status:          models.StatusCreated,
		CustodyAddress:  "escrow:abc",
		DerivationIndex: idx,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created := models.Transition{EscrowID: rec.EscrowID, Seq: 1, OccurredAt: now, Operation: models.OpCreate, Actor: "buyer-1", To: models.StatusCreated}
	require.NoError(t, s.SaveRecord(ctx, rec, []models.Transition{created}))

	rec.Status = models.StatusActive
	rec.Pending = &models.Intent{
		Operation: models.OpDeposit,
		Actor:     "buyer-1",
		Target:    models.StatusActive,
		Amount:    1000,
		Batch: settlement.Batch{Key: rec.EscrowID + "/deposit", EscrowID: rec.EscrowID, Transfers: []settlement.Transfer{
			{Leg: "deposit", Kind: settlement.KindDeposit, From: "buyer-1", To: rec.CustodyAddress, Amount: 1000},
		}},
		SubmittedAt: now,
		Attempts:    1,
	}
	accepted := models.Transition{EscrowID: rec.EscrowID, Seq: 2, OccurredAt: now, Operation: models.OpAccept, Actor: "farmer-1", From: models.StatusCreated, To: models.StatusActive}
	require.NoError(t, s.SaveRecord(ctx, rec, []models.Transition{created, accepted}))

	records, err := s.LoadRecords(ctx)
	require.NoError(t, err)
	var got *models.Record
	for _, r := range records {
		if r.EscrowID == rec.EscrowID {
			got = r
		}
	}
	require.NotNil(t, got)
	require.Equal(t, models.StatusActive, got.Status)
	require.Equal(t, rec.Terms.TotalPrice, got.Terms.TotalPrice)
	require.True(t, rec.Terms.DeliveryDeadline.Equal(got.Terms.DeliveryDeadline))
	require.NotNil(t, got.Pending)
	require.Equal(t, models.OpDeposit, got.Pending.Operation)
	require.Len(t, got.Pending.Batch.Transfers, 1)

	transitions, err := s.LoadTransitions(ctx)
	require.NoError(t, err)
	var mine []models.Transition
	for _, tr := range transitions {
		if tr.EscrowID == rec.EscrowID {
			mine = append(mine, tr)
		}
	}
	require.Len(t, mine, 2)
	require.Equal(t, models.OpAccept, mine[1].Operation)
}
