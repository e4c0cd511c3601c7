package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/repository"
)

// QueryService serves the read-only projections: intent position,
// completion results, and per-event queue stats. It never mutates
// state, and callers tolerate slightly stale answers.
type QueryService struct {
	intents       QueryStore
	events        EventReader
	tickets       TicketReader
	waitPerIntent time.Duration
}

// NewQueryService creates a query service.
func NewQueryService(
	intents QueryStore,
	events EventReader,
	tickets TicketReader,
	waitPerIntent time.Duration,
) *QueryService {
	return &QueryService{
		intents:       intents,
		events:        events,
		tickets:       tickets,
		waitPerIntent: waitPerIntent,
	}
}

// GetIntentStatus returns the status projection for one intent,
// including a snapshot of its event. The remaining fields vary with
// the lifecycle phase:
//
//	waiting     → queue position and estimated wait
//	processing  → queue position (at the front, being served)
//	completed   → purchase result (purchase id and ticket count)
//	failed      → failure reason
//	expired     → failure reason
func (s *QueryService) GetIntentStatus(ctx context.Context, intentID uuid.UUID) (*model.IntentStatusView, error) {
	in, err := s.intents.GetIntent(ctx, intentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	view := &model.IntentStatusView{
		IntentID: in.ID,
		Status:   in.Status,
		Quantity: in.Quantity,
	}

	// The event outlives every intent (FK with no hard deletes), so a
	// lookup miss here is a storage fault, not a 404.
	ev, err := s.events.GetEvent(ctx, in.EventID)
	if err != nil {
		return nil, fmt.Errorf("query: load event %s: %w", in.EventID, err)
	}
	view.Event = ev

	switch in.Status {
	case model.IntentWaiting, model.IntentProcessing:
		ahead, err := s.intents.CountAhead(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query: queue position: %w", err)
		}
		view.QueuePosition = ahead + 1
		view.EstimatedWaitSeconds = estimatedWaitSeconds(view.QueuePosition, s.waitPerIntent)

	case model.IntentCompleted:
		tickets, err := s.tickets.ListByPurchase(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("query: list tickets: %w", err)
		}
		view.PurchaseResult = &model.PurchaseResult{
			PurchaseID:  in.ID,
			TicketCount: len(tickets),
		}

	case model.IntentFailed, model.IntentExpired:
		view.FailureReason = in.FailureReason
	}

	return view, nil
}

// GetCompletion returns the terminal summary for an intent. While the
// intent is still waiting or processing, the result reports not-ready
// instead of failing, so clients can poll this endpoint alone.
func (s *QueryService) GetCompletion(ctx context.Context, intentID uuid.UUID) (*model.CompletionResult, error) {
	in, err := s.intents.GetIntent(ctx, intentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	res := &model.CompletionResult{
		IntentID: in.ID,
		Status:   in.Status,
	}
	if !in.Status.Terminal() {
		return res, nil
	}
	res.Ready = true

	if in.Status == model.IntentCompleted {
		pid := in.ID
		res.Success = true
		res.PurchaseID = &pid
		tickets, err := s.tickets.ListByPurchase(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("query: list tickets: %w", err)
		}
		res.Tickets = tickets
		res.ProcessingTimeMs = in.UpdatedAt.Sub(in.CreatedAt).Milliseconds()
		return res, nil
	}

	res.FailureReason = in.FailureReason
	return res, nil
}

// GetQueueStats returns the per-event queue counters together with the
// event's ticket inventory, read in one statement snapshot each.
func (s *QueryService) GetQueueStats(ctx context.Context, eventID uuid.UUID) (*model.QueueStats, error) {
	ev, err := s.events.GetEvent(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	stats, err := s.intents.StatsByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	stats.TotalTickets = ev.TotalTickets
	stats.AvailableTickets = ev.AvailableTickets
	return stats, nil
}
