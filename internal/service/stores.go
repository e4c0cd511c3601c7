package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
)

// Storage interfaces, split by consumer. The pgx repositories satisfy
// all of them; tests substitute in-memory fakes. Not-found conditions
// surface as repository.ErrNotFound wrapped errors.

// AdmissionStore is what intake needs to admit an intent.
type AdmissionStore interface {
	CreateIntent(ctx context.Context, in *model.PurchaseIntent) (*model.PurchaseIntent, error)
	FindActiveIntent(ctx context.Context, sessionID string, eventID uuid.UUID) (*model.PurchaseIntent, error)
	CountAhead(ctx context.Context, in *model.PurchaseIntent) (int, error)
}

// QueueStore is the processor's view of the intent table.
type QueueStore interface {
	EventsWithWaiting(ctx context.Context) ([]uuid.UUID, error)
	NextWaiting(ctx context.Context, eventID uuid.UUID, limit int) ([]model.PurchaseIntent, error)
	ClaimIntent(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	MarkExpired(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	ExpireWaitingBefore(ctx context.Context, cutoff int64, reason string) (int64, error)
	FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) (int64, error)
}

// CancelStore is what session-initiated cancellation needs.
type CancelStore interface {
	GetIntent(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error)
	CancelIfWaiting(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

// QueryStore backs the read-only position and stats projections.
type QueryStore interface {
	GetIntent(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error)
	CountAhead(ctx context.Context, in *model.PurchaseIntent) (int, error)
	StatsByEvent(ctx context.Context, eventID uuid.UUID) (*model.QueueStats, error)
}

// Allocator runs the single-transaction ticket allocation for one
// claimed intent.
type Allocator interface {
	Allocate(ctx context.Context, intent *model.PurchaseIntent, now time.Time) (*model.AllocationResult, error)
}

// AvailabilityReader serves the best-effort availability snapshot.
type AvailabilityReader interface {
	GetAvailability(ctx context.Context, eventID uuid.UUID) (*model.EventAvailability, error)
}

// AvailabilityInvalidator drops a cached snapshot after inventory moves.
type AvailabilityInvalidator interface {
	Invalidate(ctx context.Context, eventID uuid.UUID)
}

// EventReader fetches event rows for the read surface.
type EventReader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error)
}

// TicketReader lists allocated tickets for a purchase.
type TicketReader interface {
	ListByPurchase(ctx context.Context, purchaseID uuid.UUID) ([]model.Ticket, error)
}
