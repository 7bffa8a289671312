package oracle

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"veilrate/internal/he"
	"veilrate/internal/models"
)

// Client talks to a remote oracle service. The remote side holds the
// private keys; it answers asynchronously by POSTing a signed callback
// to this service's callback endpoint.
type Client struct {
	*Suite

	baseURL     string
	callbackURL string
	httpClient  *http.Client
}

type decryptionRequest struct {
	RequestID   uint64   `json:"request_id"`
	Kind        string   `json:"kind"`
	Handles     [][]byte `json:"handles"`
	CallbackURL string   `json:"callback_url"`
}

// NewClient creates a remote oracle client from the oracle's published
// public keys
func NewClient(engine *he.Engine, verifyKey ed25519.PublicKey, hePublicKey []byte, baseURL, callbackURL string) (*Client, error) {
	suite, err := NewSuite(engine, verifyKey, hePublicKey)
	if err != nil {
		return nil, err
	}

	return &Client{
		Suite:       suite,
		baseURL:     strings.TrimRight(baseURL, "/"),
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// RequestDecryption submits a decryption job to the remote oracle
func (c *Client) RequestDecryption(requestID uint64, kind models.RequestKind, handles [][]byte) error {
	if requestID == 0 {
		return fmt.Errorf("request id must be nonzero")
	}

	body, err := json.Marshal(decryptionRequest{
		RequestID:   requestID,
		Kind:        string(kind),
		Handles:     handles,
		CallbackURL: c.callbackURL,
	})
	if err != nil {
		return fmt.Errorf("failed to encode decryption request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build oracle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("oracle request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return nil
}
