package models

import (
	"time"

	"FarmEscrow/internal/settlement"
)

type Status string

const (
	StatusCreated   Status = "Created"
	StatusActive    Status = "Active"
	StatusDelivered Status = "Delivered"
	StatusCompleted Status = "Completed"
	StatusRejected  Status = "Rejected"
	StatusRefunded  Status = "Refunded"
	StatusCancelled Status = "Cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

type Operation string

const (
	OpCreate          Operation = "create"
	OpAccept          Operation = "accept"
	OpDeposit         Operation = "deposit"
	OpMarkDelivered   Operation = "mark_delivered"
	OpConfirmDelivery Operation = "confirm_delivery"
	OpRejectDelivery  Operation = "reject_delivery"
	OpRefund          Operation = "refund"
	OpExpire          Operation = "expire"
	OpStatus          Operation = "status"
	OpHistory         Operation = "history"
)

// Terms are fixed at creation. Amounts are in the smallest currency unit.
type Terms struct {
	FarmerID         string    `json:"farmerIdentity"`
	BuyerID          string    `json:"buyerIdentity"`
	FarmerAccount    string    `json:"farmerAccount,omitempty"`
	BuyerAccount     string    `json:"buyerAccount,omitempty"`
	TotalPrice       int64     `json:"totalPrice"`
	Quantity         int64     `json:"quantity"`
	ProduceType      string    `json:"produceType"`
	DeliveryDeadline time.Time `json:"deliveryDeadline"`
	PenaltyPercent   int       `json:"penaltyPercent"`
}

type Payout struct {
	Leg       string          `json:"leg"`
	Kind      settlement.Kind `json:"kind"`
	To        string          `json:"to"`
	Amount    int64           `json:"amount"`
	TxRef     string          `json:"txRef"`
	SettledAt time.Time       `json:"settledAt"`
}

// Intent is a funds-moving transition that has been handed to the settlement
// layer but not yet committed to the record.
type Intent struct {
	Operation   Operation          `json:"operation"`
	Actor       string             `json:"actor"`
	Target      Status             `json:"target"`
	Amount      int64              `json:"amount,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Batch       settlement.Batch   `json:"batch"`
	Receipt     settlement.Receipt `json:"receipt"`
	SubmittedAt time.Time          `json:"submittedAt"`
	Attempts    int                `json:"attempts"`
}

type Record struct {
	EscrowID        string     `json:"escrowId"`
	Terms           Terms      `json:"terms"`
	Status          Status     `json:"status"`
	DepositedAmount int64      `json:"depositedAmount"`
	CustodyAddress  string     `json:"custodyAddress"`
	DerivationIndex int64      `json:"derivationIndex"`
	CreatedAt       time.Time  `json:"createdAt"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	Payouts         []Payout   `json:"payouts,omitempty"`
	Pending         *Intent    `json:"pending,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// FarmerAccount is the settlement account paid on release and penalty.
func (r *Record) FarmerAccount() string {
	if r.Terms.FarmerAccount != "" {
		return r.Terms.FarmerAccount
	}
	return r.Terms.FarmerID
}

// BuyerAccount funds the deposit and receives refunds.
func (r *Record) BuyerAccount() string {
	if r.Terms.BuyerAccount != "" {
		return r.Terms.BuyerAccount
	}
	return r.Terms.BuyerID
}

func (r *Record) IsParty(actor string) bool {
	return actor != "" && (actor == r.Terms.FarmerID || actor == r.Terms.BuyerID)
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		out.DeliveredAt = &t
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Payouts = append([]Payout(nil), r.Payouts...)
	if r.Pending != nil {
		p := *r.Pending
		p.Batch.Transfers = append([]settlement.Transfer(nil), r.Pending.Batch.Transfers...)
		p.Batch.Prior = append([]settlement.LegReceipt(nil), r.Pending.Batch.Prior...)
		p.Receipt.Legs = append([]settlement.LegReceipt(nil), r.Pending.Receipt.Legs...)
		out.Pending = &p
	}
	return &out
}

// Transition is one entry of the append-only audit log.
type Transition struct {
	EscrowID   string    `json:"escrowId"`
	Seq        int64     `json:"seq"`
	OccurredAt time.Time `json:"occurredAt"`
	Operation  Operation `json:"operation"`
	Actor      string    `json:"actor"`
	From       Status    `json:"fromStatus"`
	To         Status    `json:"toStatus"`
	Reference  string    `json:"reference,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

type EventType string

const (
	EventCreated          EventType = "created"
	EventAccepted         EventType = "accepted"
	EventFundsDeposited   EventType = "funds_deposited"
	EventDelivered        EventType = "delivered"
	EventCompleted        EventType = "completed"
	EventRejected         EventType = "rejected"
	EventRefunded         EventType = "refunded"
	EventCancelled        EventType = "cancelled"
	EventSettlementFailed EventType = "settlement_failed"
)

type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	EscrowID   string    `json:"escrowId"`
	Status     Status    `json:"status"`
	Actor      string    `json:"actor,omitempty"`
	FarmerID   string    `json:"farmerIdentity"`
	BuyerID    string    `json:"buyerIdentity"`
	Amount     int64     `json:"amount,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Reference  string    `json:"reference,omitempty"`
	Terms      *Terms    `json:"terms,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
