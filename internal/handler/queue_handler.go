package handler

import (
	"net/http"

	"github.com/priya/turnstile/internal/model"
)

// HealthReporter exposes the queue processor's health snapshot.
type HealthReporter interface {
	Health() model.ProcessorHealth
}

// QueueHandler serves queue processor introspection.
type QueueHandler struct {
	processor HealthReporter
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(processor HealthReporter) *QueueHandler {
	return &QueueHandler{processor: processor}
}

// GetHealth handles GET /api/v1/queue/health
//
// Reports whether the processing loops are running, totals for
// completed and failed allocations, the rolling average processing
// time, and when the processor last settled an intent.
func (h *QueueHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.processor.Health())
}
