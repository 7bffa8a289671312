package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"veilrate/internal/config"
	"veilrate/internal/repository"
	"veilrate/internal/service"
	"veilrate/pkg/validator"
)

// RatingHandler handles encrypted rating submission and reveal requests
type RatingHandler struct {
	ratingService   *service.RatingService
	protocolService *service.ProtocolService
	maxBodyBytes    int64
}

// NewRatingHandler creates a new rating handler
func NewRatingHandler(ratingService *service.RatingService, protocolService *service.ProtocolService, cfg *config.RatingConfig) *RatingHandler {
	// Two base64 handles plus JSON overhead
	maxBody := int64(cfg.MaxCiphertextBytes) * 3

	return &RatingHandler{
		ratingService:   ratingService,
		protocolService: protocolService,
		maxBodyBytes:    maxBody,
	}
}

// SubmitRatingRequest represents an encrypted rating submission. Both
// handles are base64 in transit.
type SubmitRatingRequest struct {
	SubjectID      string `json:"subject_id" validate:"required,uuid"`
	EncryptedScore []byte `json:"encrypted_score" validate:"required"`
	EncryptedTags  []byte `json:"encrypted_tags" validate:"required"`
}

// Submit handles an encrypted rating submission
// @Summary Submit an encrypted rating
// @Description Store an encrypted rating for a subject. The server never sees the plaintext score or tags.
// @Tags Ratings
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SubmitRatingRequest true "Encrypted rating"
// @Success 201 {object} map[string]interface{} "Stored record"
// @Failure 400 {object} map[string]string "Invalid request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 413 {object} map[string]string "Ciphertext too large"
// @Router /ratings [post]
func (h *RatingHandler) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req SubmitRatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRequestBody)
		return
	}

	if err := validator.ValidateStruct(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	subjectID, err := uuid.Parse(req.SubjectID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidSubjectID)
		return
	}

	record, err := h.ratingService.Submit(subjectID, req.EncryptedScore, req.EncryptedTags)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCiphertextTooLarge):
			respondWithError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, service.ErrEmptyCiphertext):
			respondWithError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("Rating submission failed", "subject_id", subjectID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to store rating")
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         record.ID,
		"subject_id": record.SubjectID,
		"created_at": record.CreatedAt,
	})
}

// GetReveal returns the reveal state of a record
// @Summary Get reveal state
// @Description Get the decrypted score and tags of a record, or the unrevealed zero state
// @Tags Ratings
// @Produce json
// @Param id path int true "Record ID"
// @Success 200 {object} models.RevealState
// @Failure 400 {object} map[string]string "Invalid ID"
// @Failure 404 {object} map[string]string "Record not found"
// @Router /ratings/{id}/reveal [get]
func (h *RatingHandler) GetReveal(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || recordID < 1 {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRecordID)
		return
	}

	state, err := h.ratingService.GetReveal(recordID)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			respondWithError(w, http.StatusNotFound, ErrMsgRecordNotFound)
			return
		}
		slog.Error("Failed to load reveal state", "record_id", recordID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load reveal state")
		return
	}

	respondWithJSON(w, http.StatusOK, state)
}

// RequestReveal opens a decryption request for a record
// @Summary Request a record reveal
// @Description Ask the decryption oracle to reveal a record's score and tags
// @Tags Ratings
// @Produce json
// @Security BearerAuth
// @Param id path int true "Record ID"
// @Success 202 {object} map[string]interface{} "Open request"
// @Failure 400 {object} map[string]string "Invalid ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Record not found"
// @Failure 409 {object} map[string]string "Already revealed"
// @Router /ratings/{id}/reveal-requests [post]
func (h *RatingHandler) RequestReveal(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || recordID < 1 {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRecordID)
		return
	}

	requestID, err := h.protocolService.RequestReveal(recordID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrRecordNotFound):
			respondWithError(w, http.StatusNotFound, ErrMsgRecordNotFound)
		case errors.Is(err, service.ErrAlreadyRevealed):
			respondWithError(w, http.StatusConflict, "Record already revealed")
		default:
			slog.Error("Reveal request failed", "record_id", recordID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to request reveal")
		}
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": requestID,
		"record_id":  recordID,
	})
}
