package escrow

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"FarmEscrow/internal/models"
	"FarmEscrow/internal/payments"

	"github.com/google/uuid"
)

const (
	maxIdentityLen    = 128
	maxProduceTypeLen = 64
)

// Registry owns the id to record mapping. It is the only place records are
// created; every mutation goes through the entry lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	newID   func() string
}

type entry struct {
	mu      sync.Mutex
	rec     *models.Record
	history []models.Transition
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		newID:   uuid.NewString,
	}
}

// ValidateTerms checks creation-time constraints against now.
func ValidateTerms(t models.Terms, now time.Time) error {
	if t.TotalPrice <= 0 {
		return invalidTerms("totalPrice must be positive")
	}
	if t.Quantity <= 0 {
		return invalidTerms("quantity must be positive")
	}
	if strings.TrimSpace(t.ProduceType) == "" {
		return invalidTerms("produceType is required")
	}
	if len(t.ProduceType) > maxProduceTypeLen {
		return invalidTerms("produceType exceeds %d bytes", maxProduceTypeLen)
	}
	if !ValidIdentity(t.FarmerID) {
		return invalidTerms("farmerIdentity is not a valid identity")
	}
	if !ValidIdentity(t.BuyerID) {
		return invalidTerms("buyerIdentity is not a valid identity")
	}
	if t.FarmerID == t.BuyerID {
		return invalidTerms("farmer and buyer must differ")
	}
	if t.PenaltyPercent < 0 || t.PenaltyPercent > payments.MaxPenaltyPercent {
		return invalidTerms("penaltyPercent must be within 0..%d", payments.MaxPenaltyPercent)
	}
	if !t.DeliveryDeadline.After(now) {
		return invalidTerms("deliveryDeadline must be in the future")
	}
	return nil
}

func ValidIdentity(id string) bool {
	if id == "" || len(id) > maxIdentityLen {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// Create validates terms, mints an id and stores a Created record. prepare
// runs before the record becomes visible and returns its first log entries;
// if it fails nothing is stored.
func (r *Registry) Create(terms models.Terms, now time.Time, prepare func(*models.Record) ([]models.Transition, error)) (*models.Record, error) {
	if err := ValidateTerms(terms, now); err != nil {
		return nil, err
	}
	terms.DeliveryDeadline = terms.DeliveryDeadline.UTC()
	rec := &models.Record{
		EscrowID:  r.newID(),
		Terms:     terms,
		Status:    models.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var history []models.Transition
	if prepare != nil {
		var err error
		if history, err = prepare(rec); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.entries[rec.EscrowID] = &entry{rec: rec, history: history}
	r.mu.Unlock()
	return rec.Clone(), nil
}

// Get returns a copy of the stored record.
func (r *Registry) Get(id string) (*models.Record, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// History returns a copy of the record's transition log.
func (r *Registry) History(id string) ([]models.Transition, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Transition(nil), e.history...), nil
}

// List returns copies of the records the actor is a party to, newest first.
// An empty actor lists every record.
func (r *Registry) List(actor string) []*models.Record {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*models.Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if actor == "" || e.rec.IsParty(actor) {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].EscrowID < out[j].EscrowID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Pending lists ids of records with an unconfirmed settlement intent.
func (r *Registry) Pending() []string {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if e.rec.Pending != nil {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore loads persisted records and their transition logs. Records already
// present are left untouched; the records actually added are returned.
func (r *Registry) Restore(records []*models.Record, transitions []models.Transition) []*models.Record {
	byID := make(map[string][]models.Transition)
	for _, t := range transitions {
		byID[t.EscrowID] = append(byID[t.EscrowID], t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var added []*models.Record
	for _, rec := range records {
		if rec == nil || rec.EscrowID == "" {
			continue
		}
		if _, ok := r.entries[rec.EscrowID]; ok {
			continue
		}
		hist := byID[rec.EscrowID]
		sort.Slice(hist, func(i, j int) bool { return hist[i].Seq < hist[j].Seq })
		r.entries[rec.EscrowID] = &entry{rec: rec.Clone(), history: hist}
		added = append(added, rec)
	}
	return added
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}
