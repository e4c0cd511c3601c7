package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/priya/turnstile/internal/model"
)

// ErrDuplicateActiveIntent is returned when an insert hits the partial
// unique index on (session_id, event_id): the session already has a
// live intent for the event and lost the insert race.
var ErrDuplicateActiveIntent = errors.New("session already has an active intent for this event")

// touchTimeout bounds the quick single-statement updates used by the
// queue loops so a stuck connection cannot wedge a tick.
const touchTimeout = 5 * time.Second

// IntentRepository handles purchase intent rows: admission, the
// processor's claim/terminal transitions, sweeping, and the position
// and stats reads.
//
// Status transitions are enforced with conditional UPDATEs
// (WHERE status = '...'), so a lost race surfaces as zero rows affected
// instead of a corrupted state.
type IntentRepository struct {
	pool *pgxpool.Pool
}

// NewIntentRepository creates a new intent repository.
func NewIntentRepository(pool *pgxpool.Pool) *IntentRepository {
	return &IntentRepository{pool: pool}
}

const intentColumns = `
	id, event_id, session_id, quantity, status, arrival,
	attempts, failure_reason, created_at, updated_at
`

func scanIntent(row pgx.Row, in *model.PurchaseIntent) error {
	return row.Scan(
		&in.ID, &in.EventID, &in.SessionID, &in.Quantity,
		&in.Status, &in.Arrival, &in.Attempts, &in.FailureReason,
		&in.CreatedAt, &in.UpdatedAt,
	)
}

// ─── Admission ──────────────────────────────────────────────

// CreateIntent inserts a new waiting intent. The caller supplies id and
// the arrival ordinal. A unique-violation on the active-intent index
// maps to ErrDuplicateActiveIntent so intake can return the winner.
func (r *IntentRepository) CreateIntent(ctx context.Context, in *model.PurchaseIntent) (*model.PurchaseIntent, error) {
	query := `
		INSERT INTO purchase_intents (id, event_id, session_id, quantity, status, arrival)
		VALUES ($1, $2, $3, $4, 'waiting', $5)
		RETURNING attempts, created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query,
		in.ID, in.EventID, in.SessionID, in.Quantity, in.Arrival,
	).Scan(&in.Attempts, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("create intent: %w", ErrDuplicateActiveIntent)
		}
		return nil, fmt.Errorf("create intent: %w", err)
	}

	in.Status = model.IntentWaiting
	return in, nil
}

// GetIntent fetches an intent by id.
func (r *IntentRepository) GetIntent(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error) {
	in := &model.PurchaseIntent{}
	err := scanIntent(r.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM purchase_intents WHERE id = $1`, id), in)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return in, nil
}

// FindActiveIntent returns the session's live (waiting or processing)
// intent for an event. The partial unique index guarantees at most one.
func (r *IntentRepository) FindActiveIntent(ctx context.Context, sessionID string, eventID uuid.UUID) (*model.PurchaseIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM purchase_intents
		WHERE session_id = $1 AND event_id = $2
		  AND status IN ('waiting', 'processing')
		LIMIT 1
	`
	in := &model.PurchaseIntent{}
	err := scanIntent(r.pool.QueryRow(ctx, query, sessionID, eventID), in)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find active intent: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find active intent: %w", err)
	}
	return in, nil
}

// ─── Processor operations ───────────────────────────────────

// EventsWithWaiting returns the ids of events that currently have
// waiting intents. One tick drains each of them independently.
func (r *IntentRepository) EventsWithWaiting(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT event_id FROM purchase_intents WHERE status = 'waiting'`)
	if err != nil {
		return nil, fmt.Errorf("events with waiting intents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextWaiting returns up to limit waiting intents for the event in
// arrival order. Ties on arrival (cross-process admissions) break by id.
func (r *IntentRepository) NextWaiting(ctx context.Context, eventID uuid.UUID, limit int) ([]model.PurchaseIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM purchase_intents
		WHERE event_id = $1 AND status = 'waiting'
		ORDER BY arrival ASC, id ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("next waiting for event %s: %w", eventID, err)
	}
	defer rows.Close()

	var intents []model.PurchaseIntent
	for rows.Next() {
		var in model.PurchaseIntent
		if err := scanIntent(rows, &in); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// ClaimIntent flips waiting → processing. Returns false when the intent
// was cancelled, swept, or claimed by someone else first; the caller
// simply skips it.
func (r *IntentRepository) ClaimIntent(ctx context.Context, id uuid.UUID) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `
		UPDATE purchase_intents
		SET status = 'processing'
		WHERE id = $1 AND status = 'waiting'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim intent %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementAttempts bumps the attempt counter before an allocation
// attempt and returns the new count.
func (r *IntentRepository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	var attempts int
	err := r.pool.QueryRow(opCtx, `
		UPDATE purchase_intents
		SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("increment attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// MarkFailed flips processing → failed and records the reason.
func (r *IntentRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `
		UPDATE purchase_intents
		SET status = 'failed', failure_reason = $2
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark intent %s failed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExpired flips processing → expired, used when a claim surfaces an
// intent that outlived the queue age limit.
func (r *IntentRepository) MarkExpired(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `
		UPDATE purchase_intents
		SET status = 'expired', failure_reason = $2
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark intent %s expired: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ─── Cancellation ───────────────────────────────────────────

// CancelIfWaiting flips waiting → expired on behalf of the owning
// session. Returns false when the processor claimed the intent first
// (or it already reached a terminal state); the row is left untouched.
func (r *IntentRepository) CancelIfWaiting(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	tag, err := r.pool.Exec(opCtx, `
		UPDATE purchase_intents
		SET status = 'expired', failure_reason = $2
		WHERE id = $1 AND status = 'waiting'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("cancel intent %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ─── Sweeping & crash recovery ──────────────────────────────

// ExpireWaitingBefore bulk-expires waiting intents whose arrival ordinal
// is older than the cutoff (microseconds). Processing rows are never
// touched here; the post-claim age check covers them.
func (r *IntentRepository) ExpireWaitingBefore(ctx context.Context, cutoff int64, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_intents
		SET status = 'expired', failure_reason = $2
		WHERE status = 'waiting' AND arrival < $1
	`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("expire waiting intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStaleProcessing bulk-fails processing intents not touched since
// the cutoff. Run at startup (crash recovery) and periodically by the
// sweeper as a liveness backstop.
func (r *IntentRepository) FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_intents
		SET status = 'failed', failure_reason = $2
		WHERE status = 'processing' AND updated_at < $1
	`, cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale processing intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ─── Position & stats reads ─────────────────────────────────

// CountAhead returns how many live intents for the same event precede
// this one in (arrival, id) order. Position in queue = CountAhead + 1.
func (r *IntentRepository) CountAhead(ctx context.Context, in *model.PurchaseIntent) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)::int
		FROM purchase_intents
		WHERE event_id = $1
		  AND status IN ('waiting', 'processing')
		  AND (arrival, id) < ($2, $3::uuid)
	`, in.EventID, in.Arrival, in.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ahead of intent %s: %w", in.ID, err)
	}
	return n, nil
}

// StatsByEvent returns the per-status intent counts for an event in a
// single statement snapshot.
func (r *IntentRepository) StatsByEvent(ctx context.Context, eventID uuid.UUID) (*model.QueueStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)::int
		FROM purchase_intents
		WHERE event_id = $1
		GROUP BY status
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("stats for event %s: %w", eventID, err)
	}
	defer rows.Close()

	stats := &model.QueueStats{EventID: eventID}
	for rows.Next() {
		var status model.IntentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		switch status {
		case model.IntentWaiting:
			stats.Waiting = count
		case model.IntentProcessing:
			stats.Processing = count
		case model.IntentCompleted:
			stats.Completed = count
		case model.IntentFailed:
			stats.Failed = count
		case model.IntentExpired:
			stats.Expired = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats for event %s: %w", eventID, err)
	}

	stats.TotalActive = stats.Waiting + stats.Processing
	return stats, nil
}
