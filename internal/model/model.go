// Package model contains domain models for the ticket queue system.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ─── Enums ──────────────────────────────────────────────────

// IntentStatus is the lifecycle state of a purchase intent.
//
// Transitions:
//
//	waiting    → processing (claimed by the processor)
//	waiting    → expired    (swept or cancelled)
//	processing → completed  (tickets allocated)
//	processing → failed     (allocation failed, attempts exhausted, crash)
//	processing → expired    (exceeded max queue age at claim time)
//
// completed, failed and expired are terminal.
type IntentStatus string

const (
	IntentWaiting    IntentStatus = "waiting"
	IntentProcessing IntentStatus = "processing"
	IntentCompleted  IntentStatus = "completed"
	IntentFailed     IntentStatus = "failed"
	IntentExpired    IntentStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentFailed, IntentExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether the move s → next is allowed.
func (s IntentStatus) CanTransitionTo(next IntentStatus) bool {
	switch s {
	case IntentWaiting:
		return next == IntentProcessing || next == IntentExpired
	case IntentProcessing:
		return next == IntentCompleted || next == IntentFailed || next == IntentExpired
	}
	return false
}

// AllocationCode classifies the outcome of one allocation attempt.
type AllocationCode string

const (
	AllocSuccess      AllocationCode = "success"
	AllocInsufficient AllocationCode = "insufficient" // fewer tickets left than requested
	AllocEventPast    AllocationCode = "event_past"   // event already started
	AllocConflict     AllocationCode = "conflict"     // lost a concurrent race; retryable
	AllocTimeout      AllocationCode = "timeout"      // attempt exceeded its budget; retryable
	AllocInternal     AllocationCode = "internal"     // storage or unexpected error; retryable
)

// Retryable reports whether the processor may re-attempt allocation.
func (c AllocationCode) Retryable() bool {
	switch c {
	case AllocConflict, AllocTimeout, AllocInternal:
		return true
	}
	return false
}

// ─── Intake bounds ──────────────────────────────────────────

const (
	// MinQuantityPerIntent / MaxQuantityPerIntent bound a single
	// submission. The DB CHECK allows up to 100 so the cap can be
	// raised without a migration; intake enforces the policy.
	MinQuantityPerIntent = 1
	MaxQuantityPerIntent = 10

	// MaxSessionIDLength matches the column CHECK on session_id.
	MaxSessionIDLength = 255
)

// ─── Domain Models ──────────────────────────────────────────

// Event maps to the `events` table. AvailableTickets only decreases
// through the allocator's version-guarded decrement.
type Event struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	StartsAt         time.Time `json:"starts_at"`
	TotalTickets     int       `json:"total_tickets"`
	AvailableTickets int       `json:"available_tickets"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PurchaseIntent maps to the `purchase_intents` table.
//
// Arrival is a microsecond ordinal, strictly increasing per intake
// process; all queue ordering is (arrival, id). On completion the
// intent ID doubles as the purchase ID on ticket rows.
type PurchaseIntent struct {
	ID            uuid.UUID    `json:"id"`
	EventID       uuid.UUID    `json:"event_id"`
	SessionID     string       `json:"session_id"`
	Quantity      int          `json:"quantity"`
	Status        IntentStatus `json:"status"`
	Arrival       int64        `json:"arrival"`
	Attempts      int          `json:"attempts"`
	FailureReason *string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Ticket maps to the `tickets` table. PurchaseID is the intent that
// allocated it; IssuedAt is the instant the allocation committed.
type Ticket struct {
	ID         uuid.UUID `json:"id"`
	EventID    uuid.UUID `json:"event_id"`
	PurchaseID uuid.UUID `json:"purchase_id"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ─── Queue-specific DTOs ────────────────────────────────────

// AllocationResult is the tagged outcome of an allocation attempt.
// Tickets is populated only when Code is AllocSuccess.
type AllocationResult struct {
	Code    AllocationCode `json:"code"`
	Tickets []Ticket       `json:"tickets,omitempty"`
}

// EventAvailability is the lightweight snapshot intake consults.
// It may be a few seconds stale when served from cache.
type EventAvailability struct {
	EventID          uuid.UUID `json:"event_id"`
	AvailableTickets int       `json:"available_tickets"`
	StartsAt         time.Time `json:"starts_at"`
}

// IntentHandle is the admission receipt returned on submission.
type IntentHandle struct {
	IntentID             uuid.UUID    `json:"intent_id"`
	Status               IntentStatus `json:"status"`
	QueuePosition        int          `json:"queue_position"`
	EstimatedWaitSeconds int64        `json:"estimated_wait_seconds"`
}

// PurchaseResult summarizes a completed intent: the purchase id (equal
// to the intent id) and how many tickets it holds.
type PurchaseResult struct {
	PurchaseID  uuid.UUID `json:"purchase_id"`
	TicketCount int       `json:"ticket_count"`
}

// IntentStatusView is the position/status projection for one intent.
// Position fields are meaningful only while the intent is live;
// PurchaseResult only once it completed.
type IntentStatusView struct {
	IntentID             uuid.UUID       `json:"intent_id"`
	Status               IntentStatus    `json:"status"`
	Quantity             int             `json:"quantity"`
	QueuePosition        int             `json:"queue_position,omitempty"`
	EstimatedWaitSeconds int64           `json:"estimated_wait_seconds,omitempty"`
	Event                *Event          `json:"event,omitempty"`
	PurchaseResult       *PurchaseResult `json:"purchase_result,omitempty"`
	FailureReason        *string         `json:"failure_reason,omitempty"`
}

// CompletionResult is the terminal summary of an intent. Ready is false
// while the intent is still waiting or processing.
type CompletionResult struct {
	IntentID         uuid.UUID    `json:"intent_id"`
	Status           IntentStatus `json:"status"`
	Ready            bool         `json:"ready"`
	Success          bool         `json:"success"`
	PurchaseID       *uuid.UUID   `json:"purchase_id,omitempty"`
	Tickets          []Ticket     `json:"tickets,omitempty"`
	FailureReason    *string      `json:"failure_reason,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms,omitempty"`
}

// QueueStats aggregates per-event queue and inventory counters.
type QueueStats struct {
	EventID          uuid.UUID `json:"event_id"`
	Waiting          int       `json:"waiting"`
	Processing       int       `json:"processing"`
	Completed        int       `json:"completed"`
	Failed           int       `json:"failed"`
	Expired          int       `json:"expired"`
	TotalActive      int       `json:"total_active"`
	TotalTickets     int       `json:"total_tickets"`
	AvailableTickets int       `json:"available_tickets"`
}

// ProcessorHealth is the snapshot served by the queue health endpoint.
type ProcessorHealth struct {
	IsRunning               bool       `json:"is_running"`
	LastProcessedAt         *time.Time `json:"last_processed_at,omitempty"`
	TotalProcessed          uint64     `json:"total_processed"`
	TotalFailed             uint64     `json:"total_failed"`
	AverageProcessingTimeMs float64    `json:"average_processing_time_ms"`
}
