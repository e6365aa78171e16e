package escrow

import (
	"time"

	"FarmEscrow/internal/models"
)

// View is the read model returned by status queries.
type View struct {
	EscrowID         string           `json:"escrowId"`
	Status           models.Status    `json:"status"`
	FarmerID         string           `json:"farmerIdentity"`
	BuyerID          string           `json:"buyerIdentity"`
	TotalPrice       int64            `json:"totalPrice"`
	Quantity         int64            `json:"quantity"`
	ProduceType      string           `json:"produceType"`
	DeliveryDeadline time.Time        `json:"deliveryDeadline"`
	PenaltyPercent   int              `json:"penaltyPercent"`
	DepositedAmount  int64            `json:"depositedAmount"`
	RemainingTime    int64            `json:"remainingTime"`
	CustodyAddress   string           `json:"custodyAddress"`
	Pending          bool             `json:"pending"`
	PendingOperation models.Operation `json:"pendingOperation,omitempty"`
	SettlementRef    string           `json:"settlementRef,omitempty"`
	RejectionReason  string           `json:"rejectionReason,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	DeliveredAt      *time.Time       `json:"deliveredAt,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`
	Payouts          []models.Payout  `json:"payouts,omitempty"`
}

// NewView builds the status view of rec at now. RemainingTime is the number of
// whole seconds left before the deadline while delivery is still possible.
func NewView(rec *models.Record, now time.Time) *View {
	v := &View{
		EscrowID:         rec.EscrowID,
		Status:           rec.Status,
		FarmerID:         rec.Terms.FarmerID,
		BuyerID:          rec.Terms.BuyerID,
		TotalPrice:       rec.Terms.TotalPrice,
		Quantity:         rec.Terms.Quantity,
		ProduceType:      rec.Terms.ProduceType,
		DeliveryDeadline: rec.Terms.DeliveryDeadline,
		PenaltyPercent:   rec.Terms.PenaltyPercent,
		DepositedAmount:  rec.DepositedAmount,
		CustodyAddress:   rec.CustodyAddress,
		RejectionReason:  rec.RejectionReason,
		CreatedAt:        rec.CreatedAt,
		Payouts:          append([]models.Payout(nil), rec.Payouts...),
	}
	if rec.DeliveredAt != nil {
		t := *rec.DeliveredAt
		v.DeliveredAt = &t
	}
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		v.ResolvedAt = &t
	}
	if rec.Status == models.StatusCreated || rec.Status == models.StatusActive {
		if left := rec.Terms.DeliveryDeadline.Sub(now); left > 0 {
			v.RemainingTime = int64(left / time.Second)
		}
	}
	if rec.Pending != nil {
		v.Pending = true
		v.PendingOperation = rec.Pending.Operation
		v.SettlementRef = settlementRef(rec.Pending.Receipt)
	} else if n := len(rec.Payouts); n > 0 {
		v.SettlementRef = rec.Payouts[n-1].TxRef
	}
	return v
}
