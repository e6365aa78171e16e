package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"FarmEscrow/internal/auth"
	"FarmEscrow/internal/escrow"
	"FarmEscrow/internal/events"
	"FarmEscrow/internal/models"
	"FarmEscrow/internal/pricing"
	"FarmEscrow/internal/relay"
	"FarmEscrow/internal/settlement"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 16

type Handler struct {
	Relay    *relay.Relay
	Engine   *escrow.Engine
	Hub      *events.Hub
	Currency pricing.Currency
	Now      func() time.Time
}

func NewHandler(engine *escrow.Engine, hub *events.Hub, currency pricing.Currency) *Handler {
	return &Handler{
		Relay:    relay.New(engine),
		Engine:   engine,
		Hub:      hub,
		Currency: currency,
		Now:      time.Now,
	}
}

// createEscrowRequest accepts the price either in minor units (totalPrice) or
// as a decimal string (price), not both.
type createEscrowRequest struct {
	FarmerID         string    `json:"farmerIdentity"`
	BuyerID          string    `json:"buyerIdentity"`
	FarmerAccount    string    `json:"farmerAccount"`
	BuyerAccount     string    `json:"buyerAccount"`
	TotalPrice       int64     `json:"totalPrice"`
	Price            string    `json:"price"`
	Quantity         int64     `json:"quantity"`
	ProduceType      string    `json:"produceType"`
	DeliveryDeadline time.Time `json:"deliveryDeadline"`
	PenaltyPercent   int       `json:"penaltyPercent"`
}

type depositRequest struct {
	Amount int64  `json:"amount"`
	Price  string `json:"price"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type escrowResponse struct {
	*escrow.View
	Currency       string `json:"currency"`
	TotalPriceText string `json:"totalPriceDisplay"`
	DepositedText  string `json:"depositedAmountDisplay"`
}

type settlementStatusResponse struct {
	settlement.Info
	PendingIntents int    `json:"pendingIntents"`
	Escrows        int    `json:"escrows"`
	Currency       string `json:"currency"`
}

func (h *Handler) actor(r *http.Request) relay.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

func (h *Handler) view(v *escrow.View) escrowResponse {
	return escrowResponse{
		View:           v,
		Currency:       h.Currency.Code,
		TotalPriceText: h.Currency.Format(v.TotalPrice),
		DepositedText:  h.Currency.Format(v.DepositedAmount),
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", errBadRequest, err)
	}
	return nil
}

// amount resolves an integer or decimal amount field pair.
func (h *Handler) amount(units int64, display string) (int64, error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return units, nil
	}
	if units != 0 {
		return 0, fmt.Errorf("%w: give either an integer amount or a decimal price, not both", errBadRequest)
	}
	return h.Currency.Parse(display)
}

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	total, err := h.amount(req.TotalPrice, req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	terms := models.Terms{
		FarmerID:         strings.TrimSpace(req.FarmerID),
		BuyerID:          strings.TrimSpace(req.BuyerID),
		FarmerAccount:    strings.TrimSpace(req.FarmerAccount),
		BuyerAccount:     strings.TrimSpace(req.BuyerAccount),
		TotalPrice:       total,
		Quantity:         req.Quantity,
		ProduceType:      strings.TrimSpace(req.ProduceType),
		DeliveryDeadline: req.DeliveryDeadline,
		PenaltyPercent:   req.PenaltyPercent,
	}
	rec, err := h.Relay.Create(r.Context(), h.actor(r), terms)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(escrow.NewView(rec, h.Now())))
}

func (h *Handler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Relay.List(r.Context(), h.actor(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := h.Now()
	out := make([]escrowResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, h.view(escrow.NewView(rec, now)))
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	v, err := h.Relay.Status(r.Context(), h.actor(r), chi.URLParam(r, "escrowId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(v))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "escrowId")
	hist, err := h.Relay.History(r.Context(), h.actor(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrowId": id, "transitions": hist})
}

func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, escrow.Command{Op: models.OpAccept})
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	amount, err := h.amount(req.Amount, req.Price)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.invoke(w, r, escrow.Command{Op: models.OpDeposit, Amount: amount})
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, escrow.Command{Op: models.OpMarkDelivered})
}

func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.invoke(w, r, escrow.Command{Op: models.OpConfirmDelivery})
}

func (h *Handler) RejectDelivery(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decode(w, r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	h.invoke(w, r, escrow.Command{Op: models.OpRejectDelivery, Reason: req.Reason})
}

func (h *Handler) invoke(w http.ResponseWriter, r *http.Request, cmd escrow.Command) {
	cmd.EscrowID = chi.URLParam(r, "escrowId")
	res, err := h.Relay.Invoke(r.Context(), h.actor(r), cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (h *Handler) SettlementStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.Engine.Settlement().Info(r.Context())
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", escrow.ErrSettlementUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, settlementStatusResponse{
		Info:           info,
		PendingIntents: h.Engine.PendingCount(),
		Escrows:        h.Engine.Registry().Len(),
		Currency:       h.Currency.Code,
	})
}

// Events streams the caller's escrow events over a websocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream disabled")
		return
	}
	actor := h.actor(r)
	h.Hub.Serve(w, r, func(ev models.Event) bool {
		return relay.CanSee(actor, ev.FarmerID, ev.BuyerID)
	})
}
