package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"FarmEscrow/internal/escrow"
	"FarmEscrow/internal/models"
)

const maxReasonLen = 512

var ErrInvalidRequest = errors.New("invalid request")

// Actor is an authenticated caller. Every settlement transaction is signed by
// the same custodial key, so the actor identity is the only thing that tells
// a farmer from a buyer.
type Actor struct {
	ID      string
	Service bool
}

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleParty  Role = "party"
)

var requiredRole = map[models.Operation]Role{
	models.OpAccept:          RoleFarmer,
	models.OpMarkDelivered:   RoleFarmer,
	models.OpDeposit:         RoleBuyer,
	models.OpConfirmDelivery: RoleBuyer,
	models.OpRejectDelivery:  RoleBuyer,
	models.OpStatus:          RoleParty,
	models.OpHistory:         RoleParty,
}

func RequiredRole(op models.Operation) (Role, bool) {
	role, ok := requiredRole[op]
	return role, ok
}

// Authorize checks the actor against the record's stored parties.
func Authorize(actor Actor, rec *models.Record, op models.Operation) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: missing actor identity", escrow.ErrUnauthorized)
	}
	role, ok := requiredRole[op]
	if !ok {
		return fmt.Errorf("%w: %s is not relayed", escrow.ErrUnauthorized, op)
	}
	switch role {
	case RoleFarmer:
		if actor.ID == rec.Terms.FarmerID {
			return nil
		}
	case RoleBuyer:
		if actor.ID == rec.Terms.BuyerID {
			return nil
		}
	case RoleParty:
		if actor.Service || rec.IsParty(actor.ID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires the %s of escrow %s", escrow.ErrUnauthorized, op, role, rec.EscrowID)
}

type Relay struct {
	engine *escrow.Engine
}

func New(engine *escrow.Engine) *Relay {
	return &Relay{engine: engine}
}

// Create opens an escrow. Buyers open their own trades; service actors such
// as the marketplace may open one on the buyer's behalf.
func (r *Relay) Create(ctx context.Context, actor Actor, terms models.Terms) (*models.Record, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: missing actor identity", escrow.ErrUnauthorized)
	}
	if !actor.Service && actor.ID != terms.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer or a service may create an escrow", escrow.ErrUnauthorized)
	}
	return r.engine.Create(ctx, actor.ID, terms)
}

// Invoke authorizes the actor for cmd and forwards it to the engine with the
// actor identity attached.
func (r *Relay) Invoke(ctx context.Context, actor Actor, cmd escrow.Command) (*escrow.Result, error) {
	rec, err := r.engine.Get(cmd.EscrowID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, rec, cmd.Op); err != nil {
		return nil, err
	}
	// The reason is only checked once the record could take the rejection, so
	// a wrong state reports as a state error.
	if cmd.Op == models.OpRejectDelivery && rec.Status == models.StatusDelivered && rec.Pending == nil {
		cmd.Reason = strings.TrimSpace(cmd.Reason)
		if cmd.Reason == "" {
			return nil, fmt.Errorf("%w: rejection reason is required", ErrInvalidRequest)
		}
		if len(cmd.Reason) > maxReasonLen {
			return nil, fmt.Errorf("%w: rejection reason exceeds %d bytes", ErrInvalidRequest, maxReasonLen)
		}
	}
	cmd.Actor = actor.ID
	return r.engine.Apply(ctx, cmd)
}

func (r *Relay) Status(ctx context.Context, actor Actor, id string) (*escrow.View, error) {
	rec, err := r.engine.Get(id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, rec, models.OpStatus); err != nil {
		return nil, err
	}
	return r.engine.Status(ctx, id)
}

func (r *Relay) History(ctx context.Context, actor Actor, id string) ([]models.Transition, error) {
	rec, err := r.engine.Get(id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(actor, rec, models.OpHistory); err != nil {
		return nil, err
	}
	return r.engine.History(id)
}

// List returns the actor's escrows. Service actors see every record.
func (r *Relay) List(ctx context.Context, actor Actor) ([]*models.Record, error) {
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: missing actor identity", escrow.ErrUnauthorized)
	}
	if actor.Service {
		return r.engine.List(""), nil
	}
	return r.engine.List(actor.ID), nil
}

// CanSee reports whether the actor may observe events of the given parties.
func CanSee(actor Actor, farmerID, buyerID string) bool {
	return actor.Service || (actor.ID != "" && (actor.ID == farmerID || actor.ID == buyerID))
}
