package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/repository"
	"github.com/priya/turnstile/internal/service"
)

// ─── Request/Response DTOs ──────────────────────────────────

// CreateEventBody is the JSON body for POST /api/v1/events.
type CreateEventBody struct {
	Name         string    `json:"name"`
	StartsAt     time.Time `json:"starts_at"`
	TotalTickets int       `json:"total_tickets"`
}

// ─── EventHandler ───────────────────────────────────────────

// EventStore is the slice of the event repository the handler needs.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *model.Event) (*model.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error)
	ListUpcoming(ctx context.Context, limit int) ([]model.Event, error)
}

// StatsReader serves per-event queue statistics.
type StatsReader interface {
	GetQueueStats(ctx context.Context, eventID uuid.UUID) (*model.QueueStats, error)
}

// EventHandler handles event administration and queue statistics.
type EventHandler struct {
	events EventStore
	stats  StatsReader
}

// NewEventHandler creates a new event handler.
func NewEventHandler(events EventStore, stats StatsReader) *EventHandler {
	return &EventHandler{events: events, stats: stats}
}

// CreateEvent handles POST /api/v1/events
//
// Creates an event with its full ticket inventory available.
//
//	Request body:
//	{
//	  "name": "Spring Tour Final",
//	  "starts_at": "2026-06-01T19:30:00Z",
//	  "total_tickets": 5000
//	}
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var body CreateEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	// Validation
	if body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if body.TotalTickets <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "total_tickets must be positive"})
		return
	}
	if !body.StartsAt.After(time.Now()) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "starts_at must be in the future"})
		return
	}

	created, err := h.events.CreateEvent(r.Context(), &model.Event{
		Name:         body.Name,
		StartsAt:     body.StartsAt,
		TotalTickets: body.TotalTickets,
	})
	if err != nil {
		log.Printf("[handler] create event error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to create event",
		})
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// ListEvents handles GET /api/v1/events
//
// Returns upcoming events, soonest first. An optional ?limit= caps the
// result set.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	events, err := h.events.ListUpcoming(r.Context(), limit)
	if err != nil {
		log.Printf("[handler] list events error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list events",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent handles GET /api/v1/events/{event_id}
//
// Returns the event with its live ticket counters.
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseUUID(r, "event_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid event_id: must be a UUID",
		})
		return
	}

	event, err := h.events.GetEvent(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Event not found.",
			})
			return
		}
		log.Printf("[handler] get event error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetQueueStats handles GET /api/v1/events/{event_id}/queue/stats
//
// Returns the queue depth broken down by status, together with the
// event's ticket counters.
func (h *EventHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseUUID(r, "event_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid event_id: must be a UUID",
		})
		return
	}

	stats, err := h.stats.GetQueueStats(r.Context(), eventID)
	if err != nil {
		if errors.Is(err, service.ErrEventNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Event not found.",
			})
			return
		}
		log.Printf("[handler] queue stats error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
