// Package service contains the core business logic for the ticket queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/repository"
	"github.com/priya/turnstile/pkg/clock"
	"github.com/priya/turnstile/pkg/sequence"
)

// IntakeService admits purchase intents into the queue.
//
// Admission is deliberately cheap: validation, one best-effort
// availability read (cache-first), one dedupe lookup, one insert.
// Everything authoritative (stock, ordering, the decision itself)
// happens later in the allocator.
type IntakeService struct {
	intents       AdmissionStore
	avail         AvailabilityReader
	arrivals      *sequence.ArrivalClock
	clk           clock.Clock
	waitPerIntent time.Duration
}

// NewIntakeService creates an intake service. waitPerIntent converts a
// queue position into the estimated wait shown to the session.
func NewIntakeService(
	intents AdmissionStore,
	avail AvailabilityReader,
	arrivals *sequence.ArrivalClock,
	clk clock.Clock,
	waitPerIntent time.Duration,
) *IntakeService {
	return &IntakeService{
		intents:       intents,
		avail:         avail,
		arrivals:      arrivals,
		clk:           clk,
		waitPerIntent: waitPerIntent,
	}
}

// SubmitIntent validates and admits a purchase intent for an event.
//
// Resubmission by the same session for the same event is idempotent:
// the existing live intent's handle is returned, with its original
// arrival ordinal untouched, so resubmitting never improves position.
//
// The availability check is a best-effort gate against obviously dead
// submissions (sold out, already started). It may read a snapshot a
// few seconds stale; the allocator re-validates inside its transaction.
func (s *IntakeService) SubmitIntent(ctx context.Context, eventID uuid.UUID, sessionID string, quantity int) (*model.IntentHandle, error) {
	// ── Step 1: Validate ────────────────────────────────
	if quantity < model.MinQuantityPerIntent || quantity > model.MaxQuantityPerIntent {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidQuantity, quantity)
	}
	if len(sessionID) == 0 || len(sessionID) > model.MaxSessionIDLength {
		return nil, fmt.Errorf("%w: got %d characters", ErrInvalidSessionID, len(sessionID))
	}

	// ── Step 2: Best-effort availability gate ───────────
	av, err := s.avail.GetAvailability(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("intake: availability check: %w", err)
	}
	if !av.StartsAt.After(s.clk.Now()) {
		return nil, fmt.Errorf("%w: event already started", ErrEventUnavailable)
	}
	if av.AvailableTickets <= 0 {
		return nil, fmt.Errorf("%w: no tickets remaining", ErrEventUnavailable)
	}

	// ── Step 3: Idempotent resubmission ─────────────────
	existing, err := s.intents.FindActiveIntent(ctx, sessionID, eventID)
	if err == nil {
		log.Printf("[intake] duplicate submission for event %s; returning intent %s", eventID, existing.ID)
		return s.handleFor(ctx, existing)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("intake: dedupe lookup: %w", err)
	}

	// ── Step 4: Admit ───────────────────────────────────
	intent := &model.PurchaseIntent{
		ID:        uuid.New(),
		EventID:   eventID,
		SessionID: sessionID,
		Quantity:  quantity,
		Status:    model.IntentWaiting,
		Arrival:   s.arrivals.Next(),
	}

	created, err := s.intents.CreateIntent(ctx, intent)
	if errors.Is(err, repository.ErrDuplicateActiveIntent) {
		// Lost an admission race against a concurrent submission from
		// the same session. Adopt the winner, same idempotent result.
		winner, ferr := s.intents.FindActiveIntent(ctx, sessionID, eventID)
		if ferr != nil {
			return nil, fmt.Errorf("intake: admission race for event %s: %w", eventID, ferr)
		}
		log.Printf("[intake] admission race for event %s; returning intent %s", eventID, winner.ID)
		return s.handleFor(ctx, winner)
	}
	if err != nil {
		return nil, fmt.Errorf("intake: create intent: %w", err)
	}

	handle, err := s.handleFor(ctx, created)
	if err != nil {
		return nil, err
	}
	log.Printf("[intake] ✓ admitted intent %s (event %s, qty %d, position %d)",
		created.ID, eventID, quantity, handle.QueuePosition)
	return handle, nil
}

// handleFor builds the admission receipt. Every live intent carries a
// queue position; one already claimed for processing reports from the
// front of the line.
func (s *IntakeService) handleFor(ctx context.Context, in *model.PurchaseIntent) (*model.IntentHandle, error) {
	handle := &model.IntentHandle{
		IntentID: in.ID,
		Status:   in.Status,
	}
	if in.Status.Terminal() {
		return handle, nil
	}
	ahead, err := s.intents.CountAhead(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("intake: queue position: %w", err)
	}
	handle.QueuePosition = ahead + 1
	handle.EstimatedWaitSeconds = estimatedWaitSeconds(handle.QueuePosition, s.waitPerIntent)
	return handle, nil
}

// estimatedWaitSeconds converts a queue position into a rough ETA:
// (position - 1) * the configured per-intent estimate. The head of the
// queue waits zero.
func estimatedWaitSeconds(position int, perIntent time.Duration) int64 {
	if position <= 1 {
		return 0
	}
	return int64(time.Duration(position-1) * perIntent / time.Second)
}
