// Package oracle provides the decryption capability behind the reveal
// protocol. The service only ever sees public-key operations: encoding
// scores, folding ciphertexts and verifying callback proofs. Decryption
// itself happens either in the embedded dev oracle or in a remote oracle
// process reached over HTTP; both answer through the callback endpoint
// with an Ed25519 proof over the request id and payload.
package oracle

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"veilrate/internal/he"
)

// ErrInvalidProof is returned when a callback proof does not verify
// against the oracle signing key.
var ErrInvalidProof = errors.New("invalid decryption proof")

// Suite implements the public-key half of the oracle capability. Both
// oracle modes embed it.
type Suite struct {
	engine    *he.Engine
	encrypter *he.Encrypter
	verifyKey ed25519.PublicKey
}

// NewSuite binds the capability to the oracle's published public keys
func NewSuite(engine *he.Engine, verifyKey ed25519.PublicKey, hePublicKey []byte) (*Suite, error) {
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key has %d bytes, want %d", len(verifyKey), ed25519.PublicKeySize)
	}

	encrypter, err := engine.NewEncrypter(hePublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to bind encrypter: %w", err)
	}

	return &Suite{
		engine:    engine,
		encrypter: encrypter,
		verifyKey: verifyKey,
	}, nil
}

// Encode encrypts a plaintext score under the oracle public key so it can
// be folded into an encrypted sum
func (s *Suite) Encode(score uint32) ([]byte, error) {
	return s.encrypter.EncryptScore(score)
}

// EncodeTags encrypts a tag string under the oracle public key
func (s *Suite) EncodeTags(tags string) ([]byte, error) {
	return s.encrypter.EncryptTags(tags)
}

// Add homomorphically adds two ciphertext handles
func (s *Suite) Add(a, b []byte) ([]byte, error) {
	return s.engine.Add(a, b)
}

// IsInitialized reports whether a handle holds a usable ciphertext
func (s *Suite) IsInitialized(handle []byte) bool {
	return s.engine.IsInitialized(handle)
}

// VerifyProof checks a callback proof. The pending request stays untouched
// on failure so the oracle can retry with a correct signature.
func (s *Suite) VerifyProof(requestID uint64, payload, proof []byte) error {
	if !VerifyPayload(s.verifyKey, requestID, payload, proof) {
		return ErrInvalidProof
	}
	return nil
}

// proofMessage is the signed byte string: the request id big-endian
// followed by the raw payload. Binding the id prevents replaying a valid
// payload against a different pending request.
func proofMessage(requestID uint64, payload []byte) []byte {
	msg := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(msg, requestID)
	copy(msg[8:], payload)
	return msg
}

// SignPayload produces the Ed25519 proof for a callback
func SignPayload(key ed25519.PrivateKey, requestID uint64, payload []byte) []byte {
	return ed25519.Sign(key, proofMessage(requestID, payload))
}

// VerifyPayload checks an Ed25519 proof for a callback
func VerifyPayload(key ed25519.PublicKey, requestID uint64, payload, proof []byte) bool {
	if len(proof) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, proofMessage(requestID, payload), proof)
}
