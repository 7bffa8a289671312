package handlers

import (
	"net/http"

	"veilrate/internal/config"
	"veilrate/internal/he"
	"veilrate/internal/keyring"
)

// ConfigHandler serves the public client configuration: everything a rater
// needs to produce ciphertexts the service can store and aggregate.
type ConfigHandler struct {
	config  *config.Config
	keyring *keyring.Keyring
	engine  *he.Engine
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config, ring *keyring.Keyring, engine *he.Engine) *ConfigHandler {
	return &ConfigHandler{
		config:  cfg,
		keyring: ring,
		engine:  engine,
	}
}

// GetClientConfig returns the public client configuration
// @Summary Get client configuration
// @Description Get the public encryption parameters and keys clients need to submit ratings
// @Tags Configuration
// @Produce json
// @Success 200 {object} map[string]interface{} "Client configuration"
// @Router /config [get]
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	params := h.engine.Params()

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"app": map[string]interface{}{
			"name":    h.config.App.Name,
			"version": h.config.App.Version,
		},
		"encryption": map[string]interface{}{
			"scheme":            "bfv",
			"log_n":             params.LogN(),
			"plaintext_modulus": params.PlaintextModulus(),
			"max_tag_bytes":     h.engine.MaxTagBytes(),
			"public_key":        h.keyring.HEPublicKey(),
		},
		"oracle": map[string]interface{}{
			"mode":               h.config.Oracle.Mode,
			"signing_public_key": []byte(h.keyring.SigningPublicKey()),
		},
	})
}
