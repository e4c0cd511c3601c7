package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/repository"
)

// reasonCancelled is recorded on intents the owning session withdraws.
const reasonCancelled = "cancelled by session"

// CancelService lets a session withdraw its own waiting intent.
//
// Cancellation races the processor's claim: the conditional
// waiting → expired update settles the race in the database, so exactly
// one of the two wins. A cancelled intent never reaches the allocator;
// a claimed intent can no longer be cancelled.
type CancelService struct {
	intents CancelStore
}

// NewCancelService creates a cancel service.
func NewCancelService(intents CancelStore) *CancelService {
	return &CancelService{intents: intents}
}

// CancelIntent withdraws a waiting intent on behalf of its session.
//
// Failure modes:
//   - unknown intent            → ErrIntentNotFound
//   - different session         → ErrNotOwner (the intent is not revealed further)
//   - processing or terminal    → ErrNotCancellable (with the status)
//   - claim won a photo-finish  → ErrNotCancellable
func (s *CancelService) CancelIntent(ctx context.Context, intentID uuid.UUID, sessionID string) error {
	in, err := s.intents.GetIntent(ctx, intentID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrIntentNotFound
	}
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	if in.SessionID != sessionID {
		log.Printf("[cancel] session mismatch on intent %s", intentID)
		return ErrNotOwner
	}

	if in.Status != model.IntentWaiting {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, in.Status)
	}

	ok, err := s.intents.CancelIfWaiting(ctx, intentID, reasonCancelled)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		// The processor claimed it between our read and the update.
		return fmt.Errorf("%w: intent was claimed for processing", ErrNotCancellable)
	}

	log.Printf("[cancel] ✓ intent %s cancelled by its session", intentID)
	return nil
}
