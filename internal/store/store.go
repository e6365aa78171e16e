package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"FarmEscrow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store writes records and their transition log through to Postgres.
type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('escrow_derivation_index_seq')").Scan(&idx)
	return idx, err
}

// SaveRecord upserts the record and appends new transitions in one
// transaction. Transitions already stored are skipped.
func (s *Store) SaveRecord(ctx context.Context, rec *models.Record, transitions []models.Transition) error {
	payouts, err := json.Marshal(rec.Payouts)
	if err != nil {
		return err
	}
	var pending []byte
	if rec.Pending != nil {
		if pending, err = json.Marshal(rec.Pending); err != nil {
			return err
		}
	}

	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO escrows (
				escrow_id, farmer_id, buyer_id, farmer_account, buyer_account,
				total_price, quantity, produce_type, delivery_deadline, penalty_percent,
				status, deposited_amount, custody_address, derivation_index,
				rejection_reason, delivered_at, resolved_at, payouts, pending,
				created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (escrow_id) DO UPDATE SET
				status=EXCLUDED.status,
				deposited_amount=EXCLUDED.deposited_amount,
				rejection_reason=EXCLUDED.rejection_reason,
				delivered_at=EXCLUDED.delivered_at,
				resolved_at=EXCLUDED.resolved_at,
				payouts=EXCLUDED.payouts,
				pending=EXCLUDED.pending,
				updated_at=EXCLUDED.updated_at
		`,
			rec.EscrowID,
			rec.Terms.FarmerID,
			rec.Terms.BuyerID,
			rec.Terms.FarmerAccount,
			rec.Terms.BuyerAccount,
			rec.Terms.TotalPrice,
			rec.Terms.Quantity,
			rec.Terms.ProduceType,
			rec.Terms.DeliveryDeadline,
			rec.Terms.PenaltyPercent,
			rec.Status,
			rec.DepositedAmount,
			rec.CustodyAddress,
			rec.DerivationIndex,
			nullString(rec.RejectionReason),
			rec.DeliveredAt,
			rec.ResolvedAt,
			payouts,
			pending,
			rec.CreatedAt,
			rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert escrow %s: %w", rec.EscrowID, err)
		}

		for _, t := range transitions {
			_, err := tx.Exec(ctx, `
				INSERT INTO escrow_transitions (
					escrow_id, seq, occurred_at, operation, actor,
					from_status, to_status, reference, detail
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (escrow_id, seq) DO NOTHING
			`,
				t.EscrowID,
				t.Seq,
				t.OccurredAt,
				t.Operation,
				t.Actor,
				t.From,
				t.To,
				nullString(t.Reference),
				nullString(t.Detail),
			)
			if err != nil {
				return fmt.Errorf("append transition %s/%d: %w", t.EscrowID, t.Seq, err)
			}
		}
		return nil
	})
}

func (s *Store) LoadRecords(ctx context.Context) ([]*models.Record, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT escrow_id, farmer_id, buyer_id, farmer_account, buyer_account,
			total_price, quantity, produce_type, delivery_deadline, penalty_percent,
			status, deposited_amount, custody_address, derivation_index,
			rejection_reason, delivered_at, resolved_at, payouts, pending,
			created_at, updated_at
		FROM escrows ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		var rec models.Record
		var reason sql.NullString
		var payouts, pending []byte
		err := rows.Scan(
			&rec.EscrowID,
			&rec.Terms.FarmerID,
			&rec.Terms.BuyerID,
			&rec.Terms.FarmerAccount,
			&rec.Terms.BuyerAccount,
			&rec.Terms.TotalPrice,
			&rec.Terms.Quantity,
			&rec.Terms.ProduceType,
			&rec.Terms.DeliveryDeadline,
			&rec.Terms.PenaltyPercent,
			&rec.Status,
			&rec.DepositedAmount,
			&rec.CustodyAddress,
			&rec.DerivationIndex,
			&reason,
			&rec.DeliveredAt,
			&rec.ResolvedAt,
			&payouts,
			&pending,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if reason.Valid {
			rec.RejectionReason = reason.String
		}
		if len(payouts) > 0 {
			if err := json.Unmarshal(payouts, &rec.Payouts); err != nil {
				return nil, fmt.Errorf("decode payouts of %s: %w", rec.EscrowID, err)
			}
		}
		if len(pending) > 0 {
			rec.Pending = &models.Intent{}
			if err := json.Unmarshal(pending, rec.Pending); err != nil {
				return nil, fmt.Errorf("decode pending intent of %s: %w", rec.EscrowID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) LoadTransitions(ctx context.Context) ([]models.Transition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT escrow_id, seq, occurred_at, operation, actor,
			from_status, to_status, reference, detail
		FROM escrow_transitions ORDER BY escrow_id, seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transition
	for rows.Next() {
		var t models.Transition
		var ref, detail sql.NullString
		if err := rows.Scan(&t.EscrowID, &t.Seq, &t.OccurredAt, &t.Operation, &t.Actor, &t.From, &t.To, &ref, &detail); err != nil {
			return nil, err
		}
		t.Reference = ref.String
		t.Detail = detail.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
