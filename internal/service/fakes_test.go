package service

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/repository"
	"github.com/priya/turnstile/pkg/clock"
)

// memStore is an in-memory stand-in for the repository layer. It
// mirrors the conditional-update semantics of the real queries (claims,
// cancels, and marks only touch rows in the expected status), so the
// services see the same races the database would allow.
type memStore struct {
	mu      sync.Mutex
	clk     clock.Clock
	intents map[uuid.UUID]*model.PurchaseIntent
	events  map[uuid.UUID]*model.Event
	tickets map[uuid.UUID][]model.Ticket

	// Hooks run before their operation takes the lock, so a test can
	// interleave a competing update the way a concurrent request would.
	beforeCreate func(in *model.PurchaseIntent)
	beforeClaim  func(id uuid.UUID)
	beforeCancel func(id uuid.UUID)
}

func newMemStore(clk clock.Clock) *memStore {
	return &memStore{
		clk:     clk,
		intents: make(map[uuid.UUID]*model.PurchaseIntent),
		events:  make(map[uuid.UUID]*model.Event),
		tickets: make(map[uuid.UUID][]model.Ticket),
	}
}

// ─── Test seeding & inspection ──────────────────────────────

func (m *memStore) seedIntent(in model.PurchaseIntent) *model.PurchaseIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = model.IntentWaiting
	}
	now := m.clk.Now()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}
	cp := in
	m.intents[cp.ID] = &cp
	return &cp
}

func (m *memStore) seedEvent(ev model.Event) *model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	cp := ev
	m.events[cp.ID] = &cp
	return &cp
}

func (m *memStore) seedTickets(purchaseID uuid.UUID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.tickets[purchaseID] = append(m.tickets[purchaseID], model.Ticket{
			ID:         uuid.New(),
			PurchaseID: purchaseID,
			IssuedAt:   m.clk.Now(),
		})
	}
}

// intent returns a copy of the stored row for assertions.
func (m *memStore) intent(id uuid.UUID) model.PurchaseIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.intents[id]
}

func (m *memStore) intentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents)
}

// completeIntent flips a processing intent to completed and records its
// tickets, the same state change the real allocator commits in one
// transaction. Returns false if the intent is no longer processing.
func (m *memStore) completeIntent(id uuid.UUID, tickets []model.Ticket) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || in.Status != model.IntentProcessing {
		return false
	}
	in.Status = model.IntentCompleted
	in.FailureReason = nil
	in.UpdatedAt = m.clk.Now()
	m.tickets[id] = append(m.tickets[id], tickets...)
	return true
}

// ─── AdmissionStore ─────────────────────────────────────────

func (m *memStore) CreateIntent(ctx context.Context, in *model.PurchaseIntent) (*model.PurchaseIntent, error) {
	if m.beforeCreate != nil {
		m.beforeCreate(in)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.intents {
		if ex.SessionID == in.SessionID && ex.EventID == in.EventID && !ex.Status.Terminal() {
			return nil, repository.ErrDuplicateActiveIntent
		}
	}
	cp := *in
	now := m.clk.Now()
	cp.Attempts = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.intents[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) FindActiveIntent(ctx context.Context, sessionID string, eventID uuid.UUID) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, in := range m.intents {
		if in.SessionID == sessionID && in.EventID == eventID && !in.Status.Terminal() {
			cp := *in
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) CountAhead(ctx context.Context, in *model.PurchaseIntent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, other := range m.intents {
		if other.EventID != in.EventID || other.ID == in.ID || other.Status.Terminal() {
			continue
		}
		if other.Arrival < in.Arrival ||
			(other.Arrival == in.Arrival && bytes.Compare(other.ID[:], in.ID[:]) < 0) {
			n++
		}
	}
	return n, nil
}

// ─── QueueStore ─────────────────────────────────────────────

func (m *memStore) EventsWithWaiting(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, in := range m.intents {
		if in.Status == model.IntentWaiting && !seen[in.EventID] {
			seen[in.EventID] = true
			ids = append(ids, in.EventID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids, nil
}

func (m *memStore) NextWaiting(ctx context.Context, eventID uuid.UUID, limit int) ([]model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var batch []model.PurchaseIntent
	for _, in := range m.intents {
		if in.EventID == eventID && in.Status == model.IntentWaiting {
			batch = append(batch, *in)
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Arrival != batch[j].Arrival {
			return batch[i].Arrival < batch[j].Arrival
		}
		return bytes.Compare(batch[i].ID[:], batch[j].ID[:]) < 0
	})
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (m *memStore) ClaimIntent(ctx context.Context, id uuid.UUID) (bool, error) {
	if m.beforeClaim != nil {
		m.beforeClaim(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || in.Status != model.IntentWaiting {
		return false, nil
	}
	in.Status = model.IntentProcessing
	in.UpdatedAt = m.clk.Now()
	return true, nil
}

func (m *memStore) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	in.Attempts++
	in.UpdatedAt = m.clk.Now()
	return in.Attempts, nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.markFrom(id, model.IntentProcessing, model.IntentFailed, reason), nil
}

func (m *memStore) MarkExpired(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return m.markFrom(id, model.IntentProcessing, model.IntentExpired, reason), nil
}

func (m *memStore) ExpireWaitingBefore(ctx context.Context, cutoff int64, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range m.intents {
		if in.Status == model.IntentWaiting && in.Arrival < cutoff {
			r := reason
			in.Status = model.IntentExpired
			in.FailureReason = &r
			in.UpdatedAt = m.clk.Now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) FailStaleProcessing(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, in := range m.intents {
		if in.Status == model.IntentProcessing && in.UpdatedAt.Before(cutoff) {
			r := reason
			in.Status = model.IntentFailed
			in.FailureReason = &r
			in.UpdatedAt = m.clk.Now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) markFrom(id uuid.UUID, from, to model.IntentStatus, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok || in.Status != from {
		return false
	}
	in.Status = to
	in.FailureReason = &reason
	in.UpdatedAt = m.clk.Now()
	return true
}

// ─── CancelStore / QueryStore ───────────────────────────────

func (m *memStore) GetIntent(ctx context.Context, id uuid.UUID) (*model.PurchaseIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (m *memStore) CancelIfWaiting(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	if m.beforeCancel != nil {
		m.beforeCancel(id)
	}
	return m.markFrom(id, model.IntentWaiting, model.IntentExpired, reason), nil
}

func (m *memStore) StatsByEvent(ctx context.Context, eventID uuid.UUID) (*model.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.QueueStats{EventID: eventID}
	for _, in := range m.intents {
		if in.EventID != eventID {
			continue
		}
		switch in.Status {
		case model.IntentWaiting:
			stats.Waiting++
		case model.IntentProcessing:
			stats.Processing++
		case model.IntentCompleted:
			stats.Completed++
		case model.IntentFailed:
			stats.Failed++
		case model.IntentExpired:
			stats.Expired++
		}
	}
	stats.TotalActive = stats.Waiting + stats.Processing
	return stats, nil
}

// ─── EventReader / TicketReader ─────────────────────────────

func (m *memStore) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *memStore) ListByPurchase(ctx context.Context, purchaseID uuid.UUID) ([]model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Ticket, len(m.tickets[purchaseID]))
	copy(out, m.tickets[purchaseID])
	return out, nil
}

// ─── Fake allocator ─────────────────────────────────────────

// allocOutcome scripts one Allocate call.
type allocOutcome struct {
	code   model.AllocationCode
	err    error
	panics bool
}

// fakeAllocator stands in for the transactional allocator. With no
// script it acts like an event with a fixed ticket stock: allocations
// succeed while stock lasts and come back insufficient after. A script
// overrides the outcome call by call; a scripted success still flips
// the intent to completed through the store, like the real thing.
type fakeAllocator struct {
	mu     sync.Mutex
	store  *memStore
	stock  int
	script []allocOutcome
	calls  []uuid.UUID
}

func newFakeAllocator(store *memStore, stock int) *fakeAllocator {
	return &fakeAllocator{store: store, stock: stock}
}

func (f *fakeAllocator) Allocate(ctx context.Context, intent *model.PurchaseIntent, now time.Time) (*model.AllocationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, intent.ID)
	scripted := len(f.script) > 0
	var out allocOutcome
	if scripted {
		out = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if scripted {
		if out.panics {
			panic("allocator exploded")
		}
		if out.err != nil {
			return nil, out.err
		}
		if out.code != model.AllocSuccess {
			return &model.AllocationResult{Code: out.code}, nil
		}
		return f.succeed(intent)
	}

	f.mu.Lock()
	enough := f.stock >= intent.Quantity
	if enough {
		f.stock -= intent.Quantity
	}
	f.mu.Unlock()
	if !enough {
		return &model.AllocationResult{Code: model.AllocInsufficient}, nil
	}
	return f.succeed(intent)
}

func (f *fakeAllocator) succeed(intent *model.PurchaseIntent) (*model.AllocationResult, error) {
	tickets := make([]model.Ticket, intent.Quantity)
	for i := range tickets {
		tickets[i] = model.Ticket{ID: uuid.New(), EventID: intent.EventID, PurchaseID: intent.ID}
	}
	if !f.store.completeIntent(intent.ID, tickets) {
		return &model.AllocationResult{Code: model.AllocConflict}, nil
	}
	return &model.AllocationResult{Code: model.AllocSuccess, Tickets: tickets}, nil
}

// callOrder returns the intent IDs in the order Allocate saw them.
func (f *fakeAllocator) callOrder() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAllocator) remainingStock() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stock
}

// ─── Fake availability ──────────────────────────────────────

// fakeAvailability backs the intake gate and records invalidations.
type fakeAvailability struct {
	mu          sync.Mutex
	byEvent     map[uuid.UUID]model.EventAvailability
	invalidated []uuid.UUID
}

func newFakeAvailability() *fakeAvailability {
	return &fakeAvailability{byEvent: make(map[uuid.UUID]model.EventAvailability)}
}

func (f *fakeAvailability) set(eventID uuid.UUID, available int, startsAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byEvent[eventID] = model.EventAvailability{
		EventID:          eventID,
		AvailableTickets: available,
		StartsAt:         startsAt,
	}
}

func (f *fakeAvailability) GetAvailability(ctx context.Context, eventID uuid.UUID) (*model.EventAvailability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	av, ok := f.byEvent[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := av
	return &cp, nil
}

func (f *fakeAvailability) Invalidate(ctx context.Context, eventID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, eventID)
}

func (f *fakeAvailability) invalidations() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uuid.UUID, len(f.invalidated))
	copy(out, f.invalidated)
	return out
}
