// Package postgres holds the relay's durable repositories.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cargolink-comms/internal/domain"
)

// ErrCallNotFound is returned when a call id has no record.
var ErrCallNotFound = errors.New("call not found")

// CallRepository persists terminal call records.
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a call repository on the given pool.
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// SaveCall upserts one call record. The directory delivers the same
// call several times as it moves through its lifecycle; the latest
// write wins.
func (r *CallRepository) SaveCall(ctx context.Context, rec domain.CallRecord) error {
	query := `
		INSERT INTO calls (
			call_id, caller_id, callee_id, media, state, reason,
			started_at, ended_at, duration
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (call_id) DO UPDATE SET
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			ended_at = EXCLUDED.ended_at,
			duration = EXCLUDED.duration
	`

	_, err := r.pool.Exec(ctx, query,
		rec.CallID,
		rec.CallerID,
		rec.CalleeID,
		rec.Media,
		rec.State,
		rec.Reason,
		rec.StartedAt,
		rec.EndedAt,
		rec.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to save call: %w", err)
	}
	return nil
}

// GetByID retrieves one call record.
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (domain.CallRecord, error) {
	query := `
		SELECT call_id, caller_id, callee_id, media, state, reason,
		       started_at, ended_at, duration
		FROM calls
		WHERE call_id = $1
	`

	var rec domain.CallRecord
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&rec.CallID,
		&rec.CallerID,
		&rec.CalleeID,
		&rec.Media,
		&rec.State,
		&rec.Reason,
		&rec.StartedAt,
		&rec.EndedAt,
		&rec.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CallRecord{}, ErrCallNotFound
		}
		return domain.CallRecord{}, fmt.Errorf("failed to get call: %w", err)
	}
	return rec, nil
}

// ListByParticipant returns a user's recent calls, newest first.
func (r *CallRepository) ListByParticipant(ctx context.Context, userID uuid.UUID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT call_id, caller_id, callee_id, media, state, reason,
		       started_at, ended_at, duration
		FROM calls
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var rec domain.CallRecord
		if err := rows.Scan(
			&rec.CallID,
			&rec.CallerID,
			&rec.CalleeID,
			&rec.Media,
			&rec.State,
			&rec.Reason,
			&rec.StartedAt,
			&rec.EndedAt,
			&rec.Duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
