package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"veilrate/internal/service"
)

// EventHandler serves the audit event chain
type EventHandler struct {
	eventService *service.EventService
}

// NewEventHandler creates a new event handler
func NewEventHandler(eventService *service.EventService) *EventHandler {
	return &EventHandler{eventService: eventService}
}

// List returns events in chain order
// @Summary List audit events
// @Description Page through the hash chained audit events. Use ?after with the last seen id to continue.
// @Tags Events
// @Produce json
// @Param after query int false "Return events after this id"
// @Param limit query int false "Page size (max 500)"
// @Success 200 {array} models.Event
// @Failure 400 {object} map[string]string "Invalid parameter"
// @Router /events [get]
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	var afterID int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid after parameter")
			return
		}
		afterID = parsed
	}

	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	events, err := h.eventService.List(afterID, limit)
	if err != nil {
		slog.Error("Failed to list events", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to list events")
		return
	}

	respondWithJSON(w, http.StatusOK, events)
}

// Verify recomputes the event hash chain
// @Summary Verify the event chain
// @Description Recompute every event hash and report chain breaks
// @Tags Events
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.ChainVerification
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Auditor role required"
// @Router /events/verify [get]
func (h *EventHandler) Verify(w http.ResponseWriter, r *http.Request) {
	verification, err := h.eventService.VerifyChain()
	if err != nil {
		slog.Error("Chain verification failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to verify event chain")
		return
	}

	respondWithJSON(w, http.StatusOK, verification)
}
