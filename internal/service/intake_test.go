package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/pkg/clock"
	"github.com/priya/turnstile/pkg/sequence"
)

type intakeFixture struct {
	clk     *clock.Manual
	store   *memStore
	avail   *fakeAvailability
	service *IntakeService
	eventID uuid.UUID
}

func newIntakeFixture(t *testing.T) *intakeFixture {
	t.Helper()
	clk := clock.NewManual(testStart)
	store := newMemStore(clk)
	avail := newFakeAvailability()
	eventID := uuid.New()
	avail.set(eventID, 100, clk.Now().Add(2*time.Hour))

	return &intakeFixture{
		clk:     clk,
		store:   store,
		avail:   avail,
		service: NewIntakeService(store, avail, sequence.NewArrivalClock(clk), clk, 30*time.Second),
		eventID: eventID,
	}
}

func TestSubmitIntent_AdmitsAndReturnsHandle(t *testing.T) {
	f := newIntakeFixture(t)

	handle, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 2)
	require.NoError(t, err)

	assert.Equal(t, model.IntentWaiting, handle.Status)
	assert.Equal(t, 1, handle.QueuePosition)
	assert.Zero(t, handle.EstimatedWaitSeconds)

	stored := f.store.intent(handle.IntentID)
	assert.Equal(t, f.eventID, stored.EventID)
	assert.Equal(t, "sess-a", stored.SessionID)
	assert.Equal(t, 2, stored.Quantity)
	assert.Equal(t, model.IntentWaiting, stored.Status)
	assert.Positive(t, stored.Arrival)
}

func TestSubmitIntent_QuantityBounds(t *testing.T) {
	f := newIntakeFixture(t)

	for _, qty := range []int{-1, 0, 11, 100} {
		_, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", qty)
		assert.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", qty)
	}

	// Both ends of the allowed range are accepted.
	_, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-min", model.MinQuantityPerIntent)
	assert.NoError(t, err)
	_, err = f.service.SubmitIntent(context.Background(), f.eventID, "sess-max", model.MaxQuantityPerIntent)
	assert.NoError(t, err)
}

func TestSubmitIntent_SessionIDBounds(t *testing.T) {
	f := newIntakeFixture(t)

	_, err := f.service.SubmitIntent(context.Background(), f.eventID, "", 1)
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = f.service.SubmitIntent(context.Background(), f.eventID, strings.Repeat("s", 256), 1)
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = f.service.SubmitIntent(context.Background(), f.eventID, strings.Repeat("s", 255), 1)
	assert.NoError(t, err)
}

func TestSubmitIntent_UnknownEvent(t *testing.T) {
	f := newIntakeFixture(t)

	_, err := f.service.SubmitIntent(context.Background(), uuid.New(), "sess-a", 1)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSubmitIntent_EventAlreadyStarted(t *testing.T) {
	f := newIntakeFixture(t)
	f.avail.set(f.eventID, 100, f.clk.Now().Add(-time.Minute))

	_, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	assert.ErrorIs(t, err, ErrEventUnavailable)
	assert.Contains(t, err.Error(), "already started")
}

func TestSubmitIntent_SoldOut(t *testing.T) {
	f := newIntakeFixture(t)
	f.avail.set(f.eventID, 0, f.clk.Now().Add(2*time.Hour))

	_, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	assert.ErrorIs(t, err, ErrEventUnavailable)
	assert.Contains(t, err.Error(), "no tickets remaining")
}

func TestSubmitIntent_ResubmissionIsIdempotent(t *testing.T) {
	f := newIntakeFixture(t)

	first, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 2)
	require.NoError(t, err)

	// Resubmitting, even with a different quantity, returns the live
	// intent untouched instead of creating a second one.
	second, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 5)
	require.NoError(t, err)

	assert.Equal(t, first.IntentID, second.IntentID)
	assert.Equal(t, 1, f.store.intentCount())
	assert.Equal(t, 2, f.store.intent(first.IntentID).Quantity)
}

func TestSubmitIntent_ResubmissionKeepsOriginalArrival(t *testing.T) {
	f := newIntakeFixture(t)

	first, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	require.NoError(t, err)
	arrival := f.store.intent(first.IntentID).Arrival

	// Someone else joins behind, then the first session resubmits.
	_, err = f.service.SubmitIntent(context.Background(), f.eventID, "sess-b", 1)
	require.NoError(t, err)

	again, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	require.NoError(t, err)

	assert.Equal(t, arrival, f.store.intent(again.IntentID).Arrival)
	assert.Equal(t, 1, again.QueuePosition, "resubmission must not move the intent")
}

func TestSubmitIntent_AdmissionRaceAdoptsWinner(t *testing.T) {
	f := newIntakeFixture(t)

	// A concurrent submission from the same session lands between the
	// dedupe lookup and the insert. The unique index rejects ours and
	// the winner's handle comes back instead.
	winner := waitingIntent(f.eventID, "sess-a", 1, f.clk.Now())
	raced := false
	f.store.beforeCreate = func(in *model.PurchaseIntent) {
		if !raced {
			raced = true
			f.store.seedIntent(winner)
		}
	}

	handle, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	require.NoError(t, err)
	assert.Equal(t, winner.ID, handle.IntentID)
	assert.Equal(t, 1, f.store.intentCount())
}

func TestSubmitIntent_PositionCountsLiveIntentsAhead(t *testing.T) {
	f := newIntakeFixture(t)

	_, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-1", 1)
	require.NoError(t, err)
	_, err = f.service.SubmitIntent(context.Background(), f.eventID, "sess-2", 1)
	require.NoError(t, err)

	handle, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-3", 1)
	require.NoError(t, err)

	assert.Equal(t, 3, handle.QueuePosition)
	assert.Equal(t, int64(60), handle.EstimatedWaitSeconds)
}

func TestSubmitIntent_TerminalIntentsDoNotBlockOrCount(t *testing.T) {
	f := newIntakeFixture(t)

	done := waitingIntent(f.eventID, "sess-old", 1, f.clk.Now().Add(-time.Hour))
	done.Status = model.IntentCompleted
	f.store.seedIntent(done)

	// A completed intent from the same session does not trip the
	// dedupe check, and does not count toward the queue position.
	handle, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-old", 1)
	require.NoError(t, err)
	assert.NotEqual(t, done.ID, handle.IntentID)
	assert.Equal(t, 1, handle.QueuePosition)
}

func TestSubmitIntent_ProcessingDuplicateIsFrontOfLine(t *testing.T) {
	f := newIntakeFixture(t)

	active := waitingIntent(f.eventID, "sess-a", 1, f.clk.Now().Add(-time.Minute))
	active.Status = model.IntentProcessing
	f.store.seedIntent(active)

	handle, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-a", 1)
	require.NoError(t, err)

	assert.Equal(t, active.ID, handle.IntentID)
	assert.Equal(t, model.IntentProcessing, handle.Status)
	assert.Equal(t, 1, handle.QueuePosition)
	assert.Zero(t, handle.EstimatedWaitSeconds)
}

func TestSubmitIntent_ArrivalsAreStrictlyOrdered(t *testing.T) {
	f := newIntakeFixture(t)

	// The clock is frozen, so ordering has to come from the arrival
	// sequence, not from wall time.
	h1, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-1", 1)
	require.NoError(t, err)
	h2, err := f.service.SubmitIntent(context.Background(), f.eventID, "sess-2", 1)
	require.NoError(t, err)

	a1 := f.store.intent(h1.IntentID).Arrival
	a2 := f.store.intent(h2.IntentID).Arrival
	assert.Greater(t, a2, a1)
}
