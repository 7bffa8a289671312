package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"veilrate/internal/oracle"
	"veilrate/internal/service"
)

// CallbackHandler receives decryption results from the oracle
type CallbackHandler struct {
	protocolService *service.ProtocolService
}

// NewCallbackHandler creates a new callback handler
func NewCallbackHandler(protocolService *service.ProtocolService) *CallbackHandler {
	return &CallbackHandler{protocolService: protocolService}
}

// OracleCallbackRequest is one decryption result. Payload and proof are
// base64 in transit; the proof signs the request id and payload together.
type OracleCallbackRequest struct {
	RequestID uint64 `json:"request_id"`
	Payload   []byte `json:"payload"`
	Proof     []byte `json:"proof"`
}

// HandleCallback processes a decryption result from the oracle
// @Summary Oracle decryption callback
// @Description Commit a decryption result. The endpoint is proof gated: only payloads signed by the oracle key are accepted.
// @Tags Oracle
// @Accept json
// @Produce json
// @Param request body OracleCallbackRequest true "Decryption result"
// @Success 200 {object} map[string]string "Result committed or duplicate discarded"
// @Failure 400 {object} map[string]string "Malformed payload"
// @Failure 401 {object} map[string]string "Invalid proof"
// @Failure 404 {object} map[string]string "Unknown request"
// @Router /oracle/callback [post]
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var req OracleCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, ErrMsgInvalidRequestBody)
		return
	}

	err := h.protocolService.HandleCallback(req.RequestID, req.Payload, req.Proof)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownRequest):
			respondWithError(w, http.StatusNotFound, "Unknown request")
		case errors.Is(err, oracle.ErrInvalidProof):
			slog.Warn("Callback with invalid proof", "request_id", req.RequestID, "ip", getIP(r))
			respondWithError(w, http.StatusUnauthorized, "Invalid proof")
		case errors.Is(err, service.ErrMalformedPayload):
			respondWithError(w, http.StatusBadRequest, "Malformed payload")
		default:
			slog.Error("Callback processing failed", "request_id", req.RequestID, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Failed to process callback")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
