package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/priya/turnstile/internal/model"
)

// AllocationRepository performs the ticket allocation transaction.
type AllocationRepository struct {
	pool *pgxpool.Pool
}

// NewAllocationRepository creates a new allocation repository.
func NewAllocationRepository(pool *pgxpool.Pool) *AllocationRepository {
	return &AllocationRepository{pool: pool}
}

// ─── The Core Allocation Transaction ────────────────────────

// Allocate attempts to convert one claimed (processing) intent into
// tickets, entirely inside a single transaction.
//
// Concurrency strategy: PESSIMISTIC LOCK + OPTIMISTIC VERSION GUARD
//
//	Scenario: two processors race for the last tickets of an event.
//
//	Timeline:
//	  T1: BEGIN → SELECT event FOR UPDATE → (event row LOCKED)
//	  T2: BEGIN → SELECT event FOR UPDATE → (BLOCKS on T1's lock)
//	  T1: checks pass → decrement WHERE version = v → INSERT tickets → COMMIT
//	  T2: (unblocked) → re-reads version v+1 → its guarded decrement
//	      matches zero rows → CONFLICT → ROLLBACK
//
// The SELECT ... FOR UPDATE serializes allocations per event; the
// version guard converts any interleaving the lock did not serialize
// into a retryable conflict instead of an oversell.
//
// Fairness guard: before touching inventory, the transaction counts
// live intents for the same event that precede this one in
// (arrival, id) order. A non-zero count means an earlier arrival has
// not reached a terminal state yet, so this attempt returns CONFLICT
// and the processor retries after the earlier intent settles. Within a
// single processor the per-event drain is already sequential; the
// guard keeps completion order honest when several instances share a
// database.
//
// Non-retryable outcomes (insufficient stock, event already started)
// and retryable ones (conflict) are reported through the
// AllocationResult code, not through the error return. The error
// return carries only storage-level failures; a context deadline here
// surfaces as context.DeadlineExceeded, which the processor classifies
// as a TIMEOUT attempt.
func (r *AllocationRepository) Allocate(
	ctx context.Context,
	intent *model.PurchaseIntent,
	now time.Time,
) (*model.AllocationResult, error) {

	// ── Wrap the entire allocation in a transaction ─────
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: pgx.ReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("allocate: begin tx: %w", err)
	}
	// Defer rollback; no-op if tx was already committed.
	defer tx.Rollback(ctx)

	// ── Step 1: LOCK the event row ──────────────────────
	// Any concurrent allocation for the same event BLOCKS here until
	// this transaction completes, then re-reads the updated counters.
	var (
		available int
		startsAt  time.Time
		version   int64
	)
	err = tx.QueryRow(ctx, `
		SELECT available_tickets, starts_at, version
		FROM events
		WHERE id = $1
		FOR UPDATE
	`, intent.EventID).Scan(&available, &startsAt, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("allocate: lock event %s: %w", intent.EventID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("allocate: lock event %s: %w", intent.EventID, err)
	}

	// ── Step 2: Fairness guard ──────────────────────────
	var ahead int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)::int
		FROM purchase_intents
		WHERE event_id = $1
		  AND status IN ('waiting', 'processing')
		  AND (arrival, id) < ($2, $3::uuid)
	`, intent.EventID, intent.Arrival, intent.ID).Scan(&ahead)
	if err != nil {
		return nil, fmt.Errorf("allocate: fairness check for %s: %w", intent.ID, err)
	}
	if ahead > 0 {
		// An earlier arrival is still live. Transaction rolls back
		// via defer; the processor backs off and retries.
		return &model.AllocationResult{Code: model.AllocConflict}, nil
	}

	// ── Step 3: Business checks ─────────────────────────

	// 3a: Enough tickets left for the full quantity. Partial
	// allocation is never performed.
	if available < intent.Quantity {
		return &model.AllocationResult{Code: model.AllocInsufficient}, nil
	}

	// 3b: Event must not have started.
	if !startsAt.After(now) {
		return &model.AllocationResult{Code: model.AllocEventPast}, nil
	}

	// ── Step 4: Version-guarded decrement ───────────────
	// Zero rows means the counters moved under us despite the lock
	// (e.g. an out-of-band stock adjustment): retryable conflict.
	tag, err := tx.Exec(ctx, `
		UPDATE events
		SET available_tickets = available_tickets - $2,
		    version = version + 1
		WHERE id = $1
		  AND version = $3
		  AND available_tickets >= $2
	`, intent.EventID, intent.Quantity, version)
	if err != nil {
		return nil, fmt.Errorf("allocate: decrement event %s: %w", intent.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return &model.AllocationResult{Code: model.AllocConflict}, nil
	}

	// ── Step 5: Bulk-insert the tickets ─────────────────
	// The intent id doubles as the purchase id on every ticket row.
	rows, err := tx.Query(ctx, `
		INSERT INTO tickets (id, event_id, purchase_id)
		SELECT gen_random_uuid(), $1, $2
		FROM generate_series(1, $3)
		RETURNING id, issued_at
	`, intent.EventID, intent.ID, intent.Quantity)
	if err != nil {
		return nil, fmt.Errorf("allocate: insert tickets for %s: %w", intent.ID, err)
	}

	tickets := make([]model.Ticket, 0, intent.Quantity)
	for rows.Next() {
		t := model.Ticket{EventID: intent.EventID, PurchaseID: intent.ID}
		if err := rows.Scan(&t.ID, &t.IssuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("allocate: scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("allocate: insert tickets for %s: %w", intent.ID, err)
	}

	// ── Step 6: Complete the intent ─────────────────────
	// Kept in the same transaction so tickets and the completed status
	// commit atomically: a crash can never leave paid tickets behind a
	// failed intent. Zero rows means someone else ended the intent
	// (stale-processing reaper), so back out and report a conflict.
	tag, err = tx.Exec(ctx, `
		UPDATE purchase_intents
		SET status = 'completed', failure_reason = NULL
		WHERE id = $1 AND status = 'processing'
	`, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("allocate: complete intent %s: %w", intent.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &model.AllocationResult{Code: model.AllocConflict}, nil
	}

	// ── Step 7: COMMIT ──────────────────────────────────
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("allocate: commit: %w", err)
	}

	return &model.AllocationResult{
		Code:    model.AllocSuccess,
		Tickets: tickets,
	}, nil
}
