package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"FarmEscrow/internal/metrics"
	"FarmEscrow/internal/models"
	"FarmEscrow/internal/payments"
	"FarmEscrow/internal/settlement"

	"github.com/google/uuid"
)

// SystemActor is recorded for transitions nobody invoked directly.
const SystemActor = "system"

// Store persists records and their transition log. The registry stays the
// source of truth while the process runs.
type Store interface {
	NextDerivationIndex(ctx context.Context) (int64, error)
	SaveRecord(ctx context.Context, rec *models.Record, transitions []models.Transition) error
	LoadRecords(ctx context.Context) ([]*models.Record, error)
	LoadTransitions(ctx context.Context) ([]models.Transition, error)
}

// Custody derives the per-record custody address.
type Custody interface {
	Configured() bool
	Derive(index uint32) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Command struct {
	EscrowID string
	Op       models.Operation
	Actor    string
	Amount   int64
	Reason   string
}

type Result struct {
	EscrowID      string           `json:"escrowId"`
	Operation     models.Operation `json:"operation"`
	Status        models.Status    `json:"status"`
	Pending       bool             `json:"pending"`
	SettlementRef string           `json:"settlementRef,omitempty"`
	Record        *models.Record   `json:"-"`
}

// allowedFrom is the transition table. Deposits and delivery have extra
// preconditions checked per operation.
var allowedFrom = map[models.Operation]models.Status{
	models.OpAccept:          models.StatusCreated,
	models.OpDeposit:         models.StatusActive,
	models.OpMarkDelivered:   models.StatusActive,
	models.OpConfirmDelivery: models.StatusDelivered,
	models.OpRejectDelivery:  models.StatusDelivered,
}

type Engine struct {
	registry   *Registry
	settlement settlement.Layer
	store      Store
	custody    Custody
	publisher  Publisher
	metrics    *metrics.EscrowMetrics
	logger     *slog.Logger
	nowFn      func() time.Time

	nextIndex atomic.Int64
	pendingN  atomic.Int64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

func WithCustody(c Custody) Option {
	return func(e *Engine) { e.custody = c }
}

func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithMetrics(m *metrics.EscrowMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(registry *Registry, layer settlement.Layer, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		settlement: layer,
		logger:     slog.Default(),
		nowFn:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "escrow")
	return e
}

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Settlement() settlement.Layer { return e.settlement }

// Restore reloads the registry from the store. It is a no-op without a store.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	records, err := e.store.LoadRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}
	transitions, err := e.store.LoadTransitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load transitions: %w", err)
	}
	added := e.registry.Restore(records, transitions)
	if r, ok := e.settlement.(settlement.Restorer); ok {
		for _, rec := range added {
			if held := custodyHeld(rec); held > 0 {
				r.RestoreCustody(rec.CustodyAddress, held)
			}
		}
	}
	var pending, maxIndex int64
	for _, rec := range records {
		if rec.Pending != nil {
			pending++
		}
		if rec.DerivationIndex >= maxIndex {
			maxIndex = rec.DerivationIndex + 1
		}
	}
	e.pendingN.Store(pending)
	e.nextIndex.Store(maxIndex)
	e.metrics.SetPending(int(pending))
	return len(added), nil
}

// custodyHeld is what the record's custody account holds: the deposit, plus
// or minus the legs of a pending intent that already moved funds.
func custodyHeld(rec *models.Record) int64 {
	if rec.Status.Terminal() {
		return 0
	}
	held := rec.DepositedAmount
	in := rec.Pending
	if in == nil {
		return held
	}
	moved := make(map[string]bool, len(in.Receipt.Legs))
	for _, l := range in.Receipt.Legs {
		moved[l.Leg] = l.State == settlement.StateConfirmed || (l.State == settlement.StatePending && l.TxRef != "")
	}
	for _, t := range in.Batch.Transfers {
		if !moved[t.Leg] {
			continue
		}
		if t.To == rec.CustodyAddress {
			held += t.Amount
		}
		if t.From == rec.CustodyAddress {
			held -= t.Amount
		}
	}
	return held
}

// Create validates terms, allocates the custody address and stores a new
// record in status Created.
func (e *Engine) Create(ctx context.Context, actor string, terms models.Terms) (*models.Record, error) {
	now := e.now()
	rec, err := e.registry.Create(terms, now, func(rec *models.Record) ([]models.Transition, error) {
		if err := e.settlement.ValidateAccount(rec.FarmerAccount()); err != nil {
			return nil, invalidTerms("farmer account: %v", err)
		}
		if err := e.settlement.ValidateAccount(rec.BuyerAccount()); err != nil {
			return nil, invalidTerms("buyer account: %v", err)
		}
		if rec.FarmerAccount() == rec.BuyerAccount() {
			return nil, invalidTerms("farmer and buyer accounts must differ")
		}
		if err := e.allocateCustody(ctx, rec); err != nil {
			return nil, err
		}
		tr := models.Transition{
			EscrowID:   rec.EscrowID,
			Seq:        1,
			OccurredAt: now,
			Operation:  models.OpCreate,
			Actor:      actor,
			To:         models.StatusCreated,
		}
		if err := e.persist(ctx, rec, []models.Transition{tr}); err != nil {
			return nil, fmt.Errorf("persist escrow: %w", err)
		}
		return []models.Transition{tr}, nil
	})
	if err != nil {
		e.metrics.ObserveFailure(string(models.OpCreate), Kind(err))
		return nil, err
	}

	e.metrics.ObserveTransition(string(models.OpCreate), string(rec.Status))
	ev := newEvent(rec, models.EventCreated, actor, now)
	terms = rec.Terms
	ev.Terms = &terms
	ev.Amount = rec.Terms.TotalPrice
	e.publish(ctx, ev)
	e.logger.Info("escrow created", "escrow_id", rec.EscrowID, "custody", rec.CustodyAddress, "total_price", rec.Terms.TotalPrice)
	return rec, nil
}

func (e *Engine) allocateCustody(ctx context.Context, rec *models.Record) error {
	var idx int64
	if e.store != nil {
		v, err := e.store.NextDerivationIndex(ctx)
		if err != nil {
			return fmt.Errorf("next derivation index: %w", err)
		}
		idx = v
	} else {
		idx = e.nextIndex.Add(1) - 1
	}
	if idx < 0 || idx > math.MaxUint32 {
		return fmt.Errorf("derivation index %d out of range", idx)
	}
	rec.DerivationIndex = idx
	if e.custody == nil || !e.custody.Configured() {
		rec.CustodyAddress = "escrow:" + rec.EscrowID
		return nil
	}
	addr, err := e.custody.Derive(uint32(idx))
	if err != nil {
		return fmt.Errorf("derive custody address: %w", err)
	}
	rec.CustodyAddress = addr
	return nil
}

func (e *Engine) Get(id string) (*models.Record, error) { return e.registry.Get(id) }

func (e *Engine) History(id string) ([]models.Transition, error) { return e.registry.History(id) }

func (e *Engine) List(actor string) []*models.Record { return e.registry.List(actor) }

// Status reconciles any in-flight settlement and applies the deadline before
// building the view. It never fails on settlement trouble.
func (e *Engine) Status(ctx context.Context, id string) (*View, error) {
	ent, err := e.registry.lookup(id)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := e.now()
	if ent.rec.Pending != nil {
		if err := e.reconcileLocked(ctx, ent, now); err != nil {
			e.logger.Debug("reconcile on status read", "escrow_id", id, "err", err)
		}
	}
	if ent.rec.Pending == nil && deadlineLapsed(ent.rec, now) {
		if err := e.expireLocked(ctx, ent, now); err != nil {
			e.logger.Warn("expire on status read", "escrow_id", id, "err", err)
		}
	}
	return NewView(ent.rec, now), nil
}

// Reconcile polls the settlement layer for the record's in-flight intent.
func (e *Engine) Reconcile(ctx context.Context, id string) error {
	ent, err := e.registry.lookup(id)
	if err != nil {
		return err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.rec.Pending == nil {
		return nil
	}
	return e.reconcileLocked(ctx, ent, e.now())
}

func (e *Engine) PendingCount() int { return int(e.pendingN.Load()) }

// PendingEscrows lists ids with an unconfirmed settlement intent.
func (e *Engine) PendingEscrows() []string { return e.registry.Pending() }

// Apply runs one state-machine operation. The caller has already checked
// that the actor holds the role the operation needs.
func (e *Engine) Apply(ctx context.Context, cmd Command) (*Result, error) {
	res, err := e.apply(ctx, cmd)
	if err != nil {
		e.metrics.ObserveFailure(string(cmd.Op), Kind(err))
		e.logger.Debug("operation refused", "escrow_id", cmd.EscrowID, "op", cmd.Op, "actor", cmd.Actor, "err", err)
	}
	return res, err
}

func (e *Engine) apply(ctx context.Context, cmd Command) (*Result, error) {
	ent, err := e.registry.lookup(cmd.EscrowID)
	if err != nil {
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := e.now()
	rec := ent.rec

	if rec.Pending != nil {
		if err := e.reconcileLocked(ctx, ent, now); err != nil {
			e.logger.Debug("reconcile before operation", "escrow_id", rec.EscrowID, "err", err)
		}
		rec = ent.rec
		if rec.Pending != nil {
			kinds := []error{ErrInvalidStateTransition}
			if rec.Pending.Operation == models.OpExpire {
				kinds = append(kinds, ErrDeadlineExpired)
			}
			return nil, newTransitionError(cmd.Op, rec.Status, "settlement pending for "+string(rec.Pending.Operation), kinds...)
		}
	}

	if deadlineLapsed(rec, now) {
		status := rec.Status
		if err := e.expireLocked(ctx, ent, now); err != nil {
			e.logger.Warn("expire escrow", "escrow_id", rec.EscrowID, "err", err)
		}
		return nil, newTransitionError(cmd.Op, status, "delivery deadline "+rec.Terms.DeliveryDeadline.Format(time.RFC3339)+" passed", ErrDeadlineExpired)
	}

	from, ok := allowedFrom[cmd.Op]
	if !ok {
		return nil, newTransitionError(cmd.Op, rec.Status, "unsupported operation", ErrInvalidStateTransition)
	}
	if rec.Status != from {
		kinds := []error{ErrInvalidStateTransition}
		if rec.Status == models.StatusCancelled {
			kinds = append(kinds, ErrDeadlineExpired)
		}
		return nil, newTransitionError(cmd.Op, rec.Status, "requires status "+string(from), kinds...)
	}

	switch cmd.Op {
	case models.OpAccept:
		return e.commitLocked(ctx, ent, cmd, now, models.StatusActive, models.EventAccepted)

	case models.OpDeposit:
		if rec.DepositedAmount != 0 {
			return nil, newTransitionError(cmd.Op, rec.Status, "funds already deposited", ErrInvalidStateTransition)
		}
		if cmd.Amount != rec.Terms.TotalPrice {
			return nil, newTransitionError(cmd.Op, rec.Status, fmt.Sprintf("deposit must equal totalPrice %d, got %d", rec.Terms.TotalPrice, cmd.Amount), ErrInvalidAmount)
		}
		return e.settleLocked(ctx, ent, now, &models.Intent{
			Operation: models.OpDeposit,
			Actor:     cmd.Actor,
			Target:    models.StatusActive,
			Amount:    cmd.Amount,
			Batch:     payments.Deposit(rec, cmd.Amount),
		})

	case models.OpMarkDelivered:
		if rec.DepositedAmount != rec.Terms.TotalPrice {
			return nil, newTransitionError(cmd.Op, rec.Status, "funds not deposited", ErrInvalidStateTransition)
		}
		return e.commitLocked(ctx, ent, cmd, now, models.StatusDelivered, models.EventDelivered)

	case models.OpConfirmDelivery:
		return e.settleLocked(ctx, ent, now, &models.Intent{
			Operation: models.OpConfirmDelivery,
			Actor:     cmd.Actor,
			Target:    models.StatusCompleted,
			Amount:    rec.Terms.TotalPrice,
			Batch:     payments.Release(rec),
		})

	case models.OpRejectDelivery:
		batch, _, err := payments.Reject(rec)
		if err != nil {
			return nil, fmt.Errorf("plan rejection payout: %w", err)
		}
		return e.settleLocked(ctx, ent, now, &models.Intent{
			Operation: models.OpRejectDelivery,
			Actor:     cmd.Actor,
			Target:    models.StatusRefunded,
			Amount:    rec.Terms.TotalPrice,
			Reason:    cmd.Reason,
			Batch:     batch,
		})
	}
	return nil, newTransitionError(cmd.Op, rec.Status, "unsupported operation", ErrInvalidStateTransition)
}

// commitLocked applies a transition that moves no funds. A persistence
// failure rolls the record back.
func (e *Engine) commitLocked(ctx context.Context, ent *entry, cmd Command, now time.Time, to models.Status, evType models.EventType) (*Result, error) {
	prev := ent.rec.Clone()
	histLen := len(ent.history)

	rec := ent.rec
	from := rec.Status
	rec.Status = to
	rec.UpdatedAt = now
	if to == models.StatusDelivered {
		t := now
		rec.DeliveredAt = &t
	}
	trs := e.recordLocked(ent, cmd.Actor, now, step{op: cmd.Op, from: from, to: to})
	if err := e.persist(ctx, rec, trs); err != nil {
		ent.rec = prev
		ent.history = ent.history[:histLen]
		return nil, fmt.Errorf("persist transition: %w", err)
	}
	e.observe(trs)
	e.publish(ctx, newEvent(rec, evType, cmd.Actor, now))
	return e.result(rec, cmd.Op, ""), nil
}

// settleLocked persists the intent, submits its batch and commits the target
// state once the settlement layer confirms. A failed submission that moved no
// funds clears the intent and leaves the record as it was.
func (e *Engine) settleLocked(ctx context.Context, ent *entry, now time.Time, in *models.Intent) (*Result, error) {
	rec := ent.rec
	in.SubmittedAt = now
	in.Attempts = 1
	rec.Pending = in
	rec.UpdatedAt = now
	if err := e.persist(ctx, rec, nil); err != nil {
		rec.Pending = nil
		return nil, fmt.Errorf("persist settlement intent: %w", err)
	}
	e.pendingChanged(1)

	receipt, err := e.settlement.Submit(ctx, in.Batch)
	if err != nil {
		e.metrics.ObserveSettlement(e.settlement.Mode(), "error")
		if receipt.Committed() {
			in.Receipt = receipt
			e.persistLogged(ctx, rec, nil)
			e.logger.Warn("settlement partially submitted", "escrow_id", rec.EscrowID, "op", in.Operation, "err", err)
			return e.result(rec, in.Operation, settlementRef(receipt)), nil
		}
		e.clearPendingLocked(ctx, ent, now)
		return nil, settlementError(in.Operation, rec.Status, err)
	}
	e.metrics.ObserveSettlement(e.settlement.Mode(), string(receipt.State))
	in.Receipt = receipt
	if err := e.applyReceiptLocked(ctx, ent, now); err != nil {
		if ent.rec.Pending == nil {
			return nil, err
		}
		// Some legs moved; the intent stays for the worker to finish.
		e.logger.Warn("settlement incomplete", "escrow_id", ent.rec.EscrowID, "op", in.Operation, "err", err)
	}
	return e.result(ent.rec, in.Operation, settlementRef(in.Receipt)), nil
}

// reconcileLocked advances the in-flight intent from the settlement layer's
// view. Errors leave the intent in place for the next attempt.
func (e *Engine) reconcileLocked(ctx context.Context, ent *entry, now time.Time) error {
	rec := ent.rec
	in := rec.Pending

	receipt, err := e.settlement.Poll(ctx, in.Batch.Key)
	if errors.Is(err, settlement.ErrUnknownBatch) {
		batch := in.Batch
		batch.Prior = in.Receipt.Legs
		in.Attempts++
		receipt, err = e.settlement.Submit(ctx, batch)
		if err != nil && !errors.Is(err, settlement.ErrUnavailable) && !receipt.Committed() && !in.Receipt.Committed() {
			e.failLocked(ctx, ent, now, err.Error())
			return nil
		}
	}
	if err != nil {
		if len(receipt.Legs) > 0 {
			in.Receipt = receipt
		}
		e.persistLogged(ctx, rec, nil)
		return settlementError(in.Operation, rec.Status, err)
	}
	in.Receipt = receipt
	if err := e.applyReceiptLocked(ctx, ent, now); err != nil && !errors.Is(err, ErrSettlementFailed) {
		return err
	}
	return nil
}

// applyReceiptLocked acts on the intent's latest receipt.
func (e *Engine) applyReceiptLocked(ctx context.Context, ent *entry, now time.Time) error {
	in := ent.rec.Pending
	switch in.Receipt.State {
	case settlement.StateConfirmed:
		e.finalizeLocked(ctx, ent, now)
		return nil
	case settlement.StateFailed:
		if in.Receipt.Committed() {
			return e.resubmitLocked(ctx, ent, now)
		}
		detail := in.Receipt.Detail
		if detail == "" {
			detail = "settlement failed"
		}
		status := ent.rec.Status
		e.failLocked(ctx, ent, now, detail)
		return newTransitionError(in.Operation, status, detail, ErrSettlementFailed)
	default:
		if in.Receipt.Unsent() {
			return e.resubmitLocked(ctx, ent, now)
		}
		e.persistLogged(ctx, ent.rec, nil)
		return nil
	}
}

// resubmitLocked sends the legs of a partially settled batch that are not
// confirmed or in flight.
func (e *Engine) resubmitLocked(ctx context.Context, ent *entry, now time.Time) error {
	rec := ent.rec
	in := rec.Pending
	in.Attempts++
	batch := in.Batch
	batch.Prior = in.Receipt.Legs
	receipt, err := e.settlement.Submit(ctx, batch)
	if len(receipt.Legs) > 0 {
		in.Receipt = receipt
	}
	if err != nil {
		e.metrics.ObserveSettlement(e.settlement.Mode(), "error")
		e.persistLogged(ctx, rec, nil)
		return settlementError(in.Operation, rec.Status, err)
	}
	e.metrics.ObserveSettlement(e.settlement.Mode(), string(receipt.State))
	if receipt.State == settlement.StateConfirmed {
		e.finalizeLocked(ctx, ent, now)
		return nil
	}
	e.persistLogged(ctx, rec, nil)
	return nil
}

// finalizeLocked commits the intent's target state after settlement confirmed.
// Funds have moved, so the in-memory state is kept even if persisting fails.
func (e *Engine) finalizeLocked(ctx context.Context, ent *entry, now time.Time) {
	rec := ent.rec
	in := rec.Pending
	ref := settlementRef(in.Receipt)
	from := rec.Status

	var (
		steps  []step
		events []models.Event
	)
	switch in.Operation {
	case models.OpDeposit:
		rec.DepositedAmount = in.Amount
		steps = append(steps, step{op: models.OpDeposit, from: from, to: models.StatusActive, ref: ref, detail: fmt.Sprintf("deposited %d", in.Amount)})
		ev := newEvent(rec, models.EventFundsDeposited, in.Actor, now)
		ev.Amount, ev.Reference = in.Amount, ref
		events = append(events, ev)

	case models.OpConfirmDelivery:
		rec.Status = models.StatusCompleted
		steps = append(steps, step{op: models.OpConfirmDelivery, from: from, to: rec.Status, ref: ref, detail: fmt.Sprintf("released %d to farmer", in.Amount)})
		ev := newEvent(rec, models.EventCompleted, in.Actor, now)
		ev.Amount, ev.Reference = in.Amount, ref
		events = append(events, ev)

	case models.OpRejectDelivery:
		split, _ := payments.PenaltySplit(rec.Terms.TotalPrice, rec.Terms.PenaltyPercent)
		rec.RejectionReason = in.Reason
		rec.Status = models.StatusRejected
		rejected := newEvent(rec, models.EventRejected, in.Actor, now)
		rejected.Reason, rejected.Reference, rejected.Amount = in.Reason, ref, split.Penalty
		rec.Status = models.StatusRefunded
		refunded := newEvent(rec, models.EventRefunded, in.Actor, now)
		refunded.Reference, refunded.Amount = ref, split.Refund
		steps = append(steps,
			step{op: models.OpRejectDelivery, from: from, to: models.StatusRejected, ref: ref, detail: in.Reason},
			step{op: models.OpRefund, from: models.StatusRejected, to: models.StatusRefunded, ref: ref, detail: fmt.Sprintf("penalty %d to farmer, refund %d to buyer", split.Penalty, split.Refund)},
		)
		events = append(events, rejected, refunded)

	case models.OpExpire:
		rec.Status = models.StatusCancelled
		steps = append(steps, step{op: models.OpExpire, from: from, to: rec.Status, ref: ref, detail: fmt.Sprintf("deadline passed, refunded %d to buyer", in.Amount)})
		ev := newEvent(rec, models.EventCancelled, in.Actor, now)
		ev.Amount, ev.Reference = in.Amount, ref
		events = append(events, ev)
	}

	rec.Payouts = append(rec.Payouts, payments.Payouts(in.Batch, in.Receipt, now)...)
	if rec.Status.Terminal() {
		t := now
		rec.ResolvedAt = &t
	}
	rec.Pending = nil
	rec.UpdatedAt = now
	e.pendingChanged(-1)

	trs := e.recordLocked(ent, in.Actor, now, steps...)
	if err := e.persist(ctx, rec, trs); err != nil {
		e.logger.Error("persist settled escrow", "escrow_id", rec.EscrowID, "op", in.Operation, "err", err)
	}
	e.observe(trs)
	e.publish(ctx, events...)
	e.logger.Info("escrow settled", "escrow_id", rec.EscrowID, "op", in.Operation, "status", rec.Status, "ref", ref)
}

// expireLocked drives a record past its deadline to Cancelled, refunding the
// buyer first when funds are held.
func (e *Engine) expireLocked(ctx context.Context, ent *entry, now time.Time) error {
	rec := ent.rec
	if rec.DepositedAmount == 0 {
		from := rec.Status
		rec.Status = models.StatusCancelled
		t := now
		rec.ResolvedAt = &t
		rec.UpdatedAt = now
		trs := e.recordLocked(ent, SystemActor, now, step{op: models.OpExpire, from: from, to: rec.Status, detail: "deadline passed, nothing deposited"})
		if err := e.persist(ctx, rec, trs); err != nil {
			e.logger.Error("persist cancelled escrow", "escrow_id", rec.EscrowID, "err", err)
		}
		e.observe(trs)
		e.publish(ctx, newEvent(rec, models.EventCancelled, SystemActor, now))
		return nil
	}
	_, err := e.settleLocked(ctx, ent, now, &models.Intent{
		Operation: models.OpExpire,
		Actor:     SystemActor,
		Target:    models.StatusCancelled,
		Amount:    rec.DepositedAmount,
		Batch:     payments.Refund(rec),
	})
	return err
}

func (e *Engine) clearPendingLocked(ctx context.Context, ent *entry, now time.Time) {
	ent.rec.Pending = nil
	ent.rec.UpdatedAt = now
	e.pendingChanged(-1)
	e.persistLogged(ctx, ent.rec, nil)
}

// failLocked drops an intent whose settlement failed without moving funds.
func (e *Engine) failLocked(ctx context.Context, ent *entry, now time.Time, detail string) {
	in := ent.rec.Pending
	e.clearPendingLocked(ctx, ent, now)
	e.metrics.ObserveSettlement(e.settlement.Mode(), "failed")
	e.logger.Warn("settlement failed", "escrow_id", ent.rec.EscrowID, "op", in.Operation, "detail", detail)
	ev := newEvent(ent.rec, models.EventSettlementFailed, in.Actor, now)
	ev.Reason = detail
	ev.Amount = in.Amount
	e.publish(ctx, ev)
}

type step struct {
	op     models.Operation
	from   models.Status
	to     models.Status
	ref    string
	detail string
}

func (e *Engine) recordLocked(ent *entry, actor string, now time.Time, steps ...step) []models.Transition {
	out := make([]models.Transition, 0, len(steps))
	for _, s := range steps {
		tr := models.Transition{
			EscrowID:   ent.rec.EscrowID,
			Seq:        int64(len(ent.history) + 1),
			OccurredAt: now,
			Operation:  s.op,
			Actor:      actor,
			From:       s.from,
			To:         s.to,
			Reference:  s.ref,
			Detail:     s.detail,
		}
		ent.history = append(ent.history, tr)
		out = append(out, tr)
	}
	return out
}

func (e *Engine) observe(trs []models.Transition) {
	for _, tr := range trs {
		e.metrics.ObserveTransition(string(tr.Operation), string(tr.To))
	}
}

func (e *Engine) persist(ctx context.Context, rec *models.Record, trs []models.Transition) error {
	if e.store == nil {
		return nil
	}
	return e.store.SaveRecord(ctx, rec, trs)
}

func (e *Engine) persistLogged(ctx context.Context, rec *models.Record, trs []models.Transition) {
	if err := e.persist(ctx, rec, trs); err != nil {
		e.logger.Error("persist escrow", "escrow_id", rec.EscrowID, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, events ...models.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn("publish event", "escrow_id", ev.EscrowID, "type", ev.Type, "err", err)
		}
	}
}

func (e *Engine) pendingChanged(delta int64) {
	e.metrics.SetPending(int(e.pendingN.Add(delta)))
}

func (e *Engine) result(rec *models.Record, op models.Operation, ref string) *Result {
	return &Result{
		EscrowID:      rec.EscrowID,
		Operation:     op,
		Status:        rec.Status,
		Pending:       rec.Pending != nil,
		SettlementRef: ref,
		Record:        rec.Clone(),
	}
}

func deadlineLapsed(rec *models.Record, now time.Time) bool {
	if rec.Status != models.StatusCreated && rec.Status != models.StatusActive {
		return false
	}
	return now.After(rec.Terms.DeliveryDeadline)
}

func settlementRef(r settlement.Receipt) string {
	if refs := r.Refs(); len(refs) > 0 {
		return strings.Join(refs, ",")
	}
	return r.Reference
}

func settlementError(op models.Operation, status models.Status, err error) error {
	kind := ErrSettlementUnavailable
	if errors.Is(err, settlement.ErrRejected) {
		kind = ErrSettlementFailed
	}
	return newTransitionError(op, status, err.Error(), kind, err)
}

func newEvent(rec *models.Record, typ models.EventType, actor string, now time.Time) models.Event {
	return models.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		EscrowID:   rec.EscrowID,
		Status:     rec.Status,
		Actor:      actor,
		FarmerID:   rec.Terms.FarmerID,
		BuyerID:    rec.Terms.BuyerID,
		OccurredAt: now,
	}
}
