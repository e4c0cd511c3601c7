package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/pkg/clock"
)

// ─── Processor configuration ────────────────────────────────

// ProcessorConfig holds the queue processing knobs. Values come from
// config.QueueConfig; DefaultProcessorConfig mirrors its defaults for
// tests and tooling.
type ProcessorConfig struct {
	TickPeriod       time.Duration // how often waiting intents are scanned
	BatchSize        int           // max intents drained per event per tick
	IntentExpiry     time.Duration // max queue age before an intent expires
	PerIntentTimeout time.Duration // budget for one allocation attempt
	MaxAttempts      int           // allocation attempts per intent
	SweeperPeriod    time.Duration // how often the expiry sweep runs
}

// DefaultProcessorConfig returns the production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		TickPeriod:       2 * time.Second,
		BatchSize:        5,
		IntentExpiry:     30 * time.Minute,
		PerIntentTimeout: 30 * time.Second,
		MaxAttempts:      3,
		SweeperPeriod:    5 * time.Minute,
	}
}

// Failure reasons recorded on intents.
const (
	reasonQueueExpired     = "queue wait exceeded expiry"
	reasonInsufficient     = "insufficient tickets remaining"
	reasonEventPast        = "event already started"
	reasonProcessorRestart = "processor restart"
	reasonStalled          = "processing stalled"
)

// ─── QueueProcessor ─────────────────────────────────────────

// QueueProcessor drains waiting intents and drives them to a terminal
// status through the allocator.
//
// Fairness model:
//   - Each tick, events with waiting intents drain in parallel.
//     Fairness is a per-event promise, events don't contend.
//   - Within an event, up to BatchSize intents are claimed and
//     allocated strictly one at a time in (arrival, id) order. An
//     intent reaches a terminal status before the next one is claimed,
//     which keeps the completion order a prefix of the arrival order.
//
// Retry model: conflict, timeout, and internal outcomes back off
// 2^attempt seconds and retry, up to MaxAttempts; insufficient stock
// and a started event fail immediately. Every attempt runs under its
// own PerIntentTimeout context.
//
// Crash recovery: Start first fails processing intents whose row has
// not been touched for a full attempt budget. Those were orphaned by a
// run that died mid-flight; younger ones may belong to a live sibling
// process and are left alone. The sweeper repeats the check at two
// budgets, as a liveness backstop.
type QueueProcessor struct {
	intents QueueStore
	alloc   Allocator
	avail   AvailabilityInvalidator
	clk     clock.Clock
	cfg     ProcessorConfig

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// Health counters. Processed counts completions, failed counts
	// allocation failures; expiries show up in neither, only in
	// lastProcessed.
	totalProcessed  atomic.Uint64
	totalFailed     atomic.Uint64
	handledCount    atomic.Uint64
	processingNanos atomic.Int64
	lastProcessed   atomic.Int64 // unix micros, 0 = never
}

// NewQueueProcessor creates a processor. Call Start to begin draining.
func NewQueueProcessor(
	intents QueueStore,
	alloc Allocator,
	avail AvailabilityInvalidator,
	clk clock.Clock,
	cfg ProcessorConfig,
) *QueueProcessor {
	return &QueueProcessor{
		intents: intents,
		alloc:   alloc,
		avail:   avail,
		clk:     clk,
		cfg:     cfg,
	}
}

// Start recovers orphaned intents and launches the tick and sweep
// loops. It returns ErrProcessorRunning if already started.
func (p *QueueProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProcessorRunning
	}

	if err := p.recoverOrphans(ctx); err != nil {
		p.running.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	// Tickers are registered before the loops launch so that once Start
	// returns, an injected Manual clock can drive the first tick
	// deterministically.
	tick := p.clk.NewTicker(p.cfg.TickPeriod)
	sweep := p.clk.NewTicker(p.cfg.SweeperPeriod)

	p.wg.Add(2)
	go p.tickLoop(runCtx, tick)
	go p.sweepLoop(runCtx, sweep)

	log.Printf("[queue] processor started (tick=%s, batch=%d, expiry=%s, attempts=%d)",
		p.cfg.TickPeriod, p.cfg.BatchSize, p.cfg.IntentExpiry, p.cfg.MaxAttempts)
	return nil
}

// Stop halts both loops and waits for in-flight work to settle. An
// intent abandoned mid-retry stays processing until crash recovery on
// the next Start (or a sibling's reaper) fails it.
func (p *QueueProcessor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	log.Printf("[queue] processor stopped")
}

// Health returns the processor health snapshot.
func (p *QueueProcessor) Health() model.ProcessorHealth {
	h := model.ProcessorHealth{
		IsRunning:      p.running.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalFailed:    p.totalFailed.Load(),
	}
	if handled := p.handledCount.Load(); handled > 0 {
		h.AverageProcessingTimeMs = float64(p.processingNanos.Load()) / float64(handled) / float64(time.Millisecond)
	}
	if last := p.lastProcessed.Load(); last > 0 {
		t := time.UnixMicro(last)
		h.LastProcessedAt = &t
	}
	return h
}

// ─── Loops ──────────────────────────────────────────────────

func (p *QueueProcessor) tickLoop(ctx context.Context, ticker clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.runTick(ctx)
		}
	}
}

func (p *QueueProcessor) sweepLoop(ctx context.Context, ticker clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.runSweep(ctx)
		}
	}
}

// runTick drains every event that has waiting intents. Events proceed
// in parallel, intents within an event strictly in order.
func (p *QueueProcessor) runTick(ctx context.Context) {
	eventIDs, err := p.intents.EventsWithWaiting(ctx)
	if err != nil {
		log.Printf("[queue] tick: list events: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, eventID := range eventIDs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			p.drainEvent(ctx, id)
		}(eventID)
	}
	wg.Wait()
}

// drainEvent claims and processes up to BatchSize intents for one
// event, oldest arrival first, one at a time.
func (p *QueueProcessor) drainEvent(ctx context.Context, eventID uuid.UUID) {
	batch, err := p.intents.NextWaiting(ctx, eventID, p.cfg.BatchSize)
	if err != nil {
		log.Printf("[queue] drain event %s: %v", eventID, err)
		return
	}

	for i := range batch {
		if ctx.Err() != nil {
			return
		}
		intent := &batch[i]

		claimed, err := p.intents.ClaimIntent(ctx, intent.ID)
		if err != nil {
			log.Printf("[queue] claim intent %s: %v", intent.ID, err)
			return
		}
		if !claimed {
			// Cancelled or swept between the batch read and the claim.
			log.Printf("[queue] intent %s gone before claim; skipping", intent.ID)
			continue
		}
		intent.Status = model.IntentProcessing

		p.processIntent(ctx, intent)
	}
}

// ─── Per-intent processing ──────────────────────────────────

// processIntent drives one claimed intent to a terminal status.
func (p *QueueProcessor) processIntent(ctx context.Context, intent *model.PurchaseIntent) {
	start := p.clk.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[queue] PANIC processing intent %s: %v", intent.ID, rec)
			if _, err := p.intents.MarkFailed(ctx, intent.ID, fmt.Sprintf("panic: %v", rec)); err != nil {
				log.Printf("[queue] intent %s: mark failed after panic: %v", intent.ID, err)
			}
			p.recordFailure(start)
		}
	}()

	// Post-claim age check: the session has waited past the expiry
	// window, almost certainly gone. Don't burn stock on it.
	waited := start.Sub(time.UnixMicro(intent.Arrival))
	if waited >= p.cfg.IntentExpiry {
		if _, err := p.intents.MarkExpired(ctx, intent.ID, reasonQueueExpired); err != nil {
			log.Printf("[queue] intent %s: mark expired: %v", intent.ID, err)
		}
		log.Printf("[queue] intent %s expired at claim (waited %s)", intent.ID, waited.Round(time.Second))
		p.lastProcessed.Store(p.clk.Now().UnixMicro())
		return
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if _, err := p.intents.IncrementAttempts(ctx, intent.ID); err != nil {
			log.Printf("[queue] intent %s: record attempt: %v", intent.ID, err)
		}

		code, tickets := p.attemptAllocation(ctx, intent)

		switch code {
		case model.AllocSuccess:
			p.avail.Invalidate(ctx, intent.EventID)
			p.recordSuccess(start)
			log.Printf("[queue] ✓ intent %s completed: %d tickets (attempt %d/%d)",
				intent.ID, len(tickets), attempt, p.cfg.MaxAttempts)
			return

		case model.AllocInsufficient:
			p.failIntent(ctx, intent, start, reasonInsufficient)
			return

		case model.AllocEventPast:
			p.failIntent(ctx, intent, start, reasonEventPast)
			return
		}

		// Retryable outcome: conflict, timeout, or internal.
		if attempt == p.cfg.MaxAttempts {
			p.failIntent(ctx, intent, start,
				fmt.Sprintf("allocation failed after %d attempts (%s)", attempt, code))
			return
		}

		backoff := time.Duration(1<<uint(attempt)) * time.Second
		log.Printf("[queue] intent %s attempt %d/%d: %s; retrying in %s",
			intent.ID, attempt, p.cfg.MaxAttempts, code, backoff)
		if err := p.clk.Sleep(ctx, backoff); err != nil {
			// Shutting down mid-retry. Leave the intent processing;
			// recovery fails it once its row goes stale.
			log.Printf("[queue] shutdown during backoff; intent %s left for recovery", intent.ID)
			return
		}
	}
}

// attemptAllocation runs one allocation attempt under its own timeout
// and folds transport-level errors into an outcome code.
func (p *QueueProcessor) attemptAllocation(ctx context.Context, intent *model.PurchaseIntent) (model.AllocationCode, []model.Ticket) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PerIntentTimeout)
	defer cancel()

	res, err := p.alloc.Allocate(attemptCtx, intent, p.clk.Now())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.AllocTimeout, nil
		}
		log.Printf("[queue] intent %s: allocation error: %v", intent.ID, err)
		return model.AllocInternal, nil
	}
	return res.Code, res.Tickets
}

func (p *QueueProcessor) failIntent(ctx context.Context, intent *model.PurchaseIntent, start time.Time, reason string) {
	if _, err := p.intents.MarkFailed(ctx, intent.ID, reason); err != nil {
		log.Printf("[queue] intent %s: mark failed: %v", intent.ID, err)
	}
	p.recordFailure(start)
	log.Printf("[queue] ✗ intent %s failed: %s", intent.ID, reason)
}

// ─── Sweeping & recovery ────────────────────────────────────

// runSweep bulk-expires waiting intents past the expiry window, then
// reaps processing rows that stopped making progress.
func (p *QueueProcessor) runSweep(ctx context.Context) {
	cutoff := p.clk.Now().Add(-p.cfg.IntentExpiry).UnixMicro()
	swept, err := p.intents.ExpireWaitingBefore(ctx, cutoff, reasonQueueExpired)
	if err != nil {
		log.Printf("[queue] sweep: %v", err)
	} else if swept > 0 {
		log.Printf("[queue] swept %d expired intents", swept)
	}

	// Liveness backstop: every live attempt touches its row at least
	// once per attempt budget, so a row silent for two budgets is dead.
	staleCutoff := p.clk.Now().Add(-2 * p.cfg.PerIntentTimeout)
	reaped, err := p.intents.FailStaleProcessing(ctx, staleCutoff, reasonStalled)
	if err != nil {
		log.Printf("[queue] reap stalled: %v", err)
	} else if reaped > 0 {
		log.Printf("[queue] failed %d stalled intents", reaped)
	}
}

// recoverOrphans fails processing intents untouched for at least one
// attempt budget. It runs before the loops start. The age filter keeps
// a restart from clobbering intents a sibling process is actively
// working on; anything older was left behind by a run that died.
func (p *QueueProcessor) recoverOrphans(ctx context.Context) error {
	cutoff := p.clk.Now().Add(-p.cfg.PerIntentTimeout)
	n, err := p.intents.FailStaleProcessing(ctx, cutoff, reasonProcessorRestart)
	if err != nil {
		return fmt.Errorf("queue: crash recovery: %w", err)
	}
	if n > 0 {
		log.Printf("[queue] crash recovery: failed %d orphaned intents", n)
	}
	return nil
}

// ─── Health counters ────────────────────────────────────────

func (p *QueueProcessor) recordSuccess(start time.Time) {
	p.totalProcessed.Add(1)
	p.observe(start)
}

func (p *QueueProcessor) recordFailure(start time.Time) {
	p.totalFailed.Add(1)
	p.observe(start)
}

func (p *QueueProcessor) observe(start time.Time) {
	now := p.clk.Now()
	p.processingNanos.Add(int64(now.Sub(start)))
	p.handledCount.Add(1)
	p.lastProcessed.Store(now.UnixMicro())
}
