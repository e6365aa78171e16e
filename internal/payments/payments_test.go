package payments

import (
	"math"
	"testing"
	"time"

	"FarmEscrow/internal/models"
	"FarmEscrow/internal/settlement"

	"github.com/stretchr/testify/require"
)

func TestPenaltySplitSumsToTotal(t *testing.T) {
	totals := []int64{1, 7, 99, 100, 101, 1000, 999_999, math.MaxInt64}
	for _, total := range totals {
		for pct := 0; pct <= MaxPenaltyPercent; pct++ {
			s, err := PenaltySplit(total, pct)
			require.NoError(t, err)
			require.Equal(t, total, s.Penalty+s.Refund, "total=%d pct=%d", total, pct)
			require.GreaterOrEqual(t, s.Refund, s.Penalty)
		}
	}
}

func TestPenaltySplitFloors(t *testing.T) {
	s, err := PenaltySplit(1000, 10)
	require.NoError(t, err)
	require.Equal(t, Split{Penalty: 100, Refund: 900}, s)

	s, err = PenaltySplit(199, 1)
	require.NoError(t, err)
	require.Equal(t, Split{Penalty: 1, Refund: 198}, s)

	s, err = PenaltySplit(math.MaxInt64, 50)
	require.NoError(t, err)
	require.Equal(t, int64(math.MaxInt64/2), s.Penalty)
}

func TestPenaltySplitRejectsBadInput(t *testing.T) {
	_, err := PenaltySplit(100, 51)
	require.ErrorIs(t, err, ErrInvalidPenalty)
	_, err = PenaltySplit(100, -1)
	require.ErrorIs(t, err, ErrInvalidPenalty)
	_, err = PenaltySplit(0, 10)
	require.ErrorIs(t, err, ErrInvalidTotal)
}

func testRecord() *models.Record {
	return &models.Record{
		EscrowID:       "e1",
		CustodyAddress: "escrow:e1",
		Terms: models.Terms{
			FarmerID:       "farmer-1",
			BuyerID:        "buyer-1",
			BuyerAccount:   "buyer-wallet",
			TotalPrice:     1000,
			PenaltyPercent: 10,
		},
		DepositedAmount: 1000,
	}
}

func TestRejectBatch(t *testing.T) {
	batch, split, err := Reject(testRecord())
	require.NoError(t, err)
	require.Equal(t, "e1/reject_delivery", batch.Key)
	require.Equal(t, Split{Penalty: 100, Refund: 900}, split)
	require.Len(t, batch.Transfers, 2)
	require.Equal(t, "farmer-1", batch.Transfers[0].To)
	require.Equal(t, "buyer-wallet", batch.Transfers[1].To)

	rec := testRecord()
	rec.Terms.PenaltyPercent = 0
	batch, _, err = Reject(rec)
	require.NoError(t, err)
	require.Len(t, batch.Transfers, 1)
	require.Equal(t, int64(1000), batch.Transfers[0].Amount)
}

func TestPayoutsSkipDeposits(t *testing.T) {
	rec := testRecord()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	dep := Deposit(rec, 1000)
	require.Empty(t, Payouts(dep, settlement.Receipt{}, now))

	rel := Release(rec)
	out := Payouts(rel, settlement.Receipt{Legs: []settlement.LegReceipt{{Leg: LegPayout, TxRef: "tx-1"}}}, now)
	require.Equal(t, []models.Payout{{
		Leg: LegPayout, Kind: settlement.KindPayout, To: "farmer-1", Amount: 1000, TxRef: "tx-1", SettledAt: now,
	}}, out)

	require.Equal(t, "e1/expire", Refund(rec).Key)
}
