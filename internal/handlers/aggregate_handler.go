package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"veilrate/internal/repository"
	"veilrate/internal/service"
)

// AggregateHandler handles subject aggregate reads and reveal requests
type AggregateHandler struct {
	aggregateService *service.AggregateService
	protocolService  *service.ProtocolService
}

// NewAggregateHandler creates a new aggregate handler
func NewAggregateHandler(aggregateService *service.AggregateService, protocolService *service.ProtocolService) *AggregateHandler {
	return &AggregateHandler{
		aggregateService: aggregateService,
		protocolService:  protocolService,
	}
}

// GetAggregate returns the aggregate view of a subject
// @Summary Get subject aggregate
// @Description Get the encrypted score sum, rating count, and tag fingerprints of a subject. Unknown subjects report the zero view.
// @Tags Aggregates
// @Produce json
// @Param subjectId path string true "Subject ID"
// @Success 200 {object} models.SubjectAggregateView
// @Failure 400 {object} map[string]string "Invalid ID"
// @Router /subjects/{subjectId}/aggregate [get]
func (h *AggregateHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuid.Parse(r.PathValue("subjectId"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidSubjectID)
		return
	}

	view, err := h.aggregateService.GetView(subjectID)
	if err != nil {
		slog.Error("Failed to load aggregate", "subject_id", subjectID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load aggregate")
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

// RequestReveal opens a decryption request for a subject's score sum
// @Summary Request an aggregate reveal
// @Description Ask the decryption oracle to reveal a subject's score sum. The disclosure is a snapshot; the encrypted sum keeps accumulating.
// @Tags Aggregates
// @Produce json
// @Security BearerAuth
// @Param subjectId path string true "Subject ID"
// @Success 202 {object} map[string]interface{} "Open request"
// @Failure 400 {object} map[string]string "Invalid ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Auditor role required"
// @Failure 404 {object} map[string]string "Subject has no revealed ratings"
// @Router /subjects/{subjectId}/aggregate/reveal-requests [post]
func (h *AggregateHandler) RequestReveal(w http.ResponseWriter, r *http.Request) {
	subjectID, err := uuid.Parse(r.PathValue("subjectId"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidSubjectID)
		return
	}

	requestID, err := h.protocolService.RequestAggregateReveal(subjectID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSubjectNotFound):
			respondWithError(w, http.StatusNotFound, ErrMsgSubjectNotFound)
		default:
			slog.Error("Aggregate reveal request failed", "subject_id", subjectID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to request aggregate reveal")
		}
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": requestID,
		"subject_id": subjectID,
	})
}
