package payments

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"FarmEscrow/internal/models"
	"FarmEscrow/internal/settlement"
)

const MaxPenaltyPercent = 50

var (
	ErrInvalidPenalty = errors.New("penalty percent out of range")
	ErrInvalidTotal   = errors.New("total price must be positive")
)

const (
	LegDeposit = "deposit"
	LegPayout  = "payout"
	LegPenalty = "penalty"
	LegRefund  = "refund"
)

// Split is the outcome of a rejected delivery. Penalty + Refund always equals
// the total price; the rounding remainder goes to the refund.
type Split struct {
	Penalty int64 `json:"penalty"`
	Refund  int64 `json:"refund"`
}

func PenaltySplit(total int64, percent int) (Split, error) {
	if total <= 0 {
		return Split{}, ErrInvalidTotal
	}
	if percent < 0 || percent > MaxPenaltyPercent {
		return Split{}, fmt.Errorf("%w: %d", ErrInvalidPenalty, percent)
	}
	num := new(big.Int).Mul(big.NewInt(total), big.NewInt(int64(percent)))
	penalty := new(big.Int).Quo(num, big.NewInt(100))
	refund := new(big.Int).Sub(big.NewInt(total), penalty)
	return Split{Penalty: penalty.Int64(), Refund: refund.Int64()}, nil
}

func BatchKey(escrowID string, op models.Operation) string {
	return escrowID + "/" + string(op)
}

// Deposit moves the buyer's payment into the record's custody account.
func Deposit(rec *models.Record, amount int64) settlement.Batch {
	return settlement.Batch{
		Key:      BatchKey(rec.EscrowID, models.OpDeposit),
		EscrowID: rec.EscrowID,
		Transfers: []settlement.Transfer{{
			Leg:    LegDeposit,
			Kind:   settlement.KindDeposit,
			From:   rec.BuyerAccount(),
			To:     rec.CustodyAddress,
			Amount: amount,
		}},
	}
}

// Release pays the full price to the farmer.
func Release(rec *models.Record) settlement.Batch {
	return settlement.Batch{
		Key:      BatchKey(rec.EscrowID, models.OpConfirmDelivery),
		EscrowID: rec.EscrowID,
		Transfers: []settlement.Transfer{{
			Leg:    LegPayout,
			Kind:   settlement.KindPayout,
			From:   rec.CustodyAddress,
			To:     rec.FarmerAccount(),
			Amount: rec.Terms.TotalPrice,
		}},
	}
}

// Reject pays the penalty to the farmer and refunds the remainder to the
// buyer. A zero penalty produces a refund-only batch.
func Reject(rec *models.Record) (settlement.Batch, Split, error) {
	split, err := PenaltySplit(rec.Terms.TotalPrice, rec.Terms.PenaltyPercent)
	if err != nil {
		return settlement.Batch{}, Split{}, err
	}
	batch := settlement.Batch{
		Key:      BatchKey(rec.EscrowID, models.OpRejectDelivery),
		EscrowID: rec.EscrowID,
	}
	if split.Penalty > 0 {
		batch.Transfers = append(batch.Transfers, settlement.Transfer{
			Leg:    LegPenalty,
			Kind:   settlement.KindPenalty,
			From:   rec.CustodyAddress,
			To:     rec.FarmerAccount(),
			Amount: split.Penalty,
		})
	}
	batch.Transfers = append(batch.Transfers, settlement.Transfer{
		Leg:    LegRefund,
		Kind:   settlement.KindRefund,
		From:   rec.CustodyAddress,
		To:     rec.BuyerAccount(),
		Amount: split.Refund,
	})
	return batch, split, nil
}

// Refund returns everything held to the buyer after the deadline lapsed.
func Refund(rec *models.Record) settlement.Batch {
	return settlement.Batch{
		Key:      BatchKey(rec.EscrowID, models.OpExpire),
		EscrowID: rec.EscrowID,
		Transfers: []settlement.Transfer{{
			Leg:    LegRefund,
			Kind:   settlement.KindRefund,
			From:   rec.CustodyAddress,
			To:     rec.BuyerAccount(),
			Amount: rec.DepositedAmount,
		}},
	}
}

// Payouts lists the outgoing legs of a settled batch. Deposits are not payouts.
func Payouts(batch settlement.Batch, receipt settlement.Receipt, settledAt time.Time) []models.Payout {
	refs := make(map[string]string, len(receipt.Legs))
	for _, l := range receipt.Legs {
		refs[l.Leg] = l.TxRef
	}
	var out []models.Payout
	for _, t := range batch.Transfers {
		if t.Kind == settlement.KindDeposit {
			continue
		}
		out = append(out, models.Payout{
			Leg:       t.Leg,
			Kind:      t.Kind,
			To:        t.To,
			Amount:    t.Amount,
			TxRef:     refs[t.Leg],
			SettledAt: settledAt,
		})
	}
	return out
}
