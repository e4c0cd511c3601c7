package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/priya/turnstile/internal/model"
	"github.com/priya/turnstile/internal/service"
)

// ─── Request/Response DTOs ──────────────────────────────────

// SubmitIntentBody is the JSON body for POST /api/v1/events/{event_id}/queue.
type SubmitIntentBody struct {
	SessionID string `json:"session_id"`
	Quantity  int    `json:"quantity"`
}

// CancelIntentBody is the JSON body for POST /api/v1/intents/{intent_id}/cancel.
type CancelIntentBody struct {
	SessionID string `json:"session_id"`
}

// submitIntentResponse wraps the admission handle with a success flag.
type submitIntentResponse struct {
	Success bool `json:"success"`
	model.IntentHandle
}

// notReadyResponse decorates a pending completion poll with a hint so
// clients know to keep polling.
type notReadyResponse struct {
	model.CompletionResult
	Message string `json:"message"`
}

// ─── Service interfaces ─────────────────────────────────────

// IntentIntake admits purchase intents into an event's queue.
type IntentIntake interface {
	SubmitIntent(ctx context.Context, eventID uuid.UUID, sessionID string, quantity int) (*model.IntentHandle, error)
}

// IntentCanceller withdraws a waiting intent on behalf of its session.
type IntentCanceller interface {
	CancelIntent(ctx context.Context, intentID uuid.UUID, sessionID string) error
}

// IntentQueries serves the intent status and completion projections.
type IntentQueries interface {
	GetIntentStatus(ctx context.Context, intentID uuid.UUID) (*model.IntentStatusView, error)
	GetCompletion(ctx context.Context, intentID uuid.UUID) (*model.CompletionResult, error)
}

// ─── IntentHandler ──────────────────────────────────────────

// IntentHandler handles queue admission, cancellation, and intent
// status queries.
type IntentHandler struct {
	intake  IntentIntake
	cancels IntentCanceller
	queries IntentQueries
}

// NewIntentHandler creates a new intent handler.
func NewIntentHandler(intake IntentIntake, cancels IntentCanceller, queries IntentQueries) *IntentHandler {
	return &IntentHandler{intake: intake, cancels: cancels, queries: queries}
}

// SubmitIntent handles POST /api/v1/events/{event_id}/queue
//
// Admits a purchase intent into the event's queue and returns an
// admission receipt with the queue position. Allocation happens
// asynchronously, so the response is 202 Accepted; clients poll the
// intent endpoints for the outcome.
//
//	Request body:
//	{
//	  "session_id": "d7c25a1e-checkout-9921",
//	  "quantity": 2
//	}
func (h *IntentHandler) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	eventID, err := parseUUID(r, "event_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid event_id: must be a UUID",
		})
		return
	}

	var body SubmitIntentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}

	handle, err := h.intake.SubmitIntent(r.Context(), eventID, body.SessionID, body.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidQuantity), errors.Is(err, service.ErrInvalidSessionID):
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		case errors.Is(err, service.ErrEventNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Event not found.",
			})
		case errors.Is(err, service.ErrEventUnavailable):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "event_unavailable",
				"message": err.Error(),
			})
		default:
			log.Printf("[handler] submit intent error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitIntentResponse{
		Success:      true,
		IntentHandle: *handle,
	})
}

// CancelIntent handles POST /api/v1/intents/{intent_id}/cancel
//
// Withdraws a waiting intent. Only the session that created the intent
// may cancel it, and only while it is still waiting in the queue.
//
//	Request body:
//	{
//	  "session_id": "d7c25a1e-checkout-9921"
//	}
func (h *IntentHandler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	intentID, err := parseUUID(r, "intent_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid intent_id: must be a UUID",
		})
		return
	}

	var body CancelIntentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}
	if body.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "session_id is required",
		})
		return
	}

	err = h.cancels.CancelIntent(r.Context(), intentID, body.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrIntentNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Purchase intent not found.",
			})
		case errors.Is(err, service.ErrNotOwner):
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":   "forbidden",
				"message": "Intent belongs to a different session.",
			})
		case errors.Is(err, service.ErrNotCancellable):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":   "not_cancellable",
				"message": err.Error(),
			})
		default:
			log.Printf("[handler] cancel intent error: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal_error",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Purchase intent cancelled. The queue spot is released.",
	})
}

// GetIntent handles GET /api/v1/intents/{intent_id}
//
// Returns the current status projection: queue position while waiting,
// the purchase summary once completed, the failure reason otherwise.
func (h *IntentHandler) GetIntent(w http.ResponseWriter, r *http.Request) {
	intentID, err := parseUUID(r, "intent_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid intent_id: must be a UUID",
		})
		return
	}

	view, err := h.queries.GetIntentStatus(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, service.ErrIntentNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Purchase intent not found.",
			})
			return
		}
		log.Printf("[handler] get intent error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// GetCompletion handles GET /api/v1/intents/{intent_id}/completion
//
// Returns 200 with the terminal result once the intent has settled.
// While it is still waiting or processing, the response is 202 with
// ready=false, so clients can poll this one endpoint until done.
func (h *IntentHandler) GetCompletion(w http.ResponseWriter, r *http.Request) {
	intentID, err := parseUUID(r, "intent_id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid intent_id: must be a UUID",
		})
		return
	}

	res, err := h.queries.GetCompletion(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, service.ErrIntentNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not_found",
				"message": "Purchase intent not found.",
			})
			return
		}
		log.Printf("[handler] get completion error: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal_error",
		})
		return
	}

	if !res.Ready {
		writeJSON(w, http.StatusAccepted, notReadyResponse{
			CompletionResult: *res,
			Message:          "Allocation has not completed yet. Poll again shortly.",
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
