// Package keyring manages the oracle key material: an Ed25519 pair that
// signs decryption callbacks and a BFV pair for score ciphertexts. Private
// halves are wrapped before they touch the database, either by Vault's
// transit engine or by a local AES-GCM key derived from the app secret.
package keyring

import (
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"veilrate/internal/he"
	"veilrate/internal/vault"
)

const (
	wrapKeyID      = "oracle-master-key"
	signingKeyName = "oracle-signing"
	heKeyName      = "oracle-he"
	kvPublicPath   = "veilrate/oracle-public-keys"
	derivePurpose  = "veilrate-oracle-keyring"

	localPrefix    = "local:v1:"
	localNonceSize = 12
)

// Keyring holds the oracle keys. Private halves are nil when the keyring
// was built from published public keys only.
type Keyring struct {
	signingPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	hePub       []byte
	heSecret    []byte
}

type store struct {
	db       *sql.DB
	vault    *vault.Client
	localKey []byte
}

// Load reads the oracle keys from the database, generating and persisting
// fresh pairs on first boot. With a Vault client the private halves are
// transit-wrapped and the public halves published to the KV store;
// without one they are wrapped locally with a key derived from localSecret.
func Load(db *sql.DB, vaultClient *vault.Client, localSecret string, engine *he.Engine) (*Keyring, error) {
	s := &store{
		db:       db,
		vault:    vaultClient,
		localKey: vault.DeriveKey([]byte(localSecret), nil, derivePurpose, 32),
	}

	if vaultClient != nil {
		if err := vaultClient.CreateKey(wrapKeyID, "aes256-gcm96"); err != nil {
			return nil, fmt.Errorf("failed to provision wrapping key: %w", err)
		}
	}

	signingPub, signingPriv, err := s.loadOrGenerate(signingKeyName, func() ([]byte, []byte, error) {
		pub, priv, err := ed25519.GenerateKey(nil)
		return pub, priv, err
	})
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if len(signingPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key: stored private key has %d bytes, want %d", len(signingPriv), ed25519.PrivateKeySize)
	}

	hePub, heSecret, err := s.loadOrGenerate(heKeyName, func() ([]byte, []byte, error) {
		secretKey, publicKey, err := engine.GenerateKeyPair()
		return publicKey, secretKey, err
	})
	if err != nil {
		return nil, fmt.Errorf("he key: %w", err)
	}

	k := &Keyring{
		signingPub:  signingPub,
		signingPriv: signingPriv,
		hePub:       hePub,
		heSecret:    heSecret,
	}

	if vaultClient != nil {
		if err := k.publish(vaultClient); err != nil {
			return nil, fmt.Errorf("failed to publish public keys: %w", err)
		}
	}

	slog.Info("oracle keyring ready",
		"signing_fingerprint", vault.HashData(k.signingPub)[:16],
		"he_fingerprint", vault.HashData(k.hePub)[:16])

	return k, nil
}

// FetchPublic builds a verify-and-encode-only keyring from the public keys
// a remote oracle published to the Vault KV store.
func FetchPublic(vaultClient *vault.Client) (*Keyring, error) {
	data, err := vaultClient.GetSecret(kvPublicPath)
	if err != nil {
		return nil, fmt.Errorf("oracle public keys not published: %w", err)
	}

	signingPub, err := decodeKVKey(data, "signing_public_key")
	if err != nil {
		return nil, err
	}
	if len(signingPub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("published signing key has %d bytes, want %d", len(signingPub), ed25519.PublicKeySize)
	}

	hePub, err := decodeKVKey(data, "he_public_key")
	if err != nil {
		return nil, err
	}

	return &Keyring{
		signingPub: signingPub,
		hePub:      hePub,
	}, nil
}

// SigningPublicKey returns the callback verification key
func (k *Keyring) SigningPublicKey() ed25519.PublicKey {
	return k.signingPub
}

// SigningKey returns the callback signing key
func (k *Keyring) SigningKey() (ed25519.PrivateKey, error) {
	if k.signingPriv == nil {
		return nil, fmt.Errorf("keyring holds no signing key")
	}
	return k.signingPriv, nil
}

// HEPublicKey returns the marshaled BFV public key
func (k *Keyring) HEPublicKey() []byte {
	return k.hePub
}

// HESecretKey returns the marshaled BFV secret key
func (k *Keyring) HESecretKey() ([]byte, error) {
	if k.heSecret == nil {
		return nil, fmt.Errorf("keyring holds no decryption key")
	}
	return k.heSecret, nil
}

// CanDecrypt reports whether the keyring holds private key material
func (k *Keyring) CanDecrypt() bool {
	return k.heSecret != nil && k.signingPriv != nil
}

func (k *Keyring) publish(vaultClient *vault.Client) error {
	return vaultClient.StoreSecret(kvPublicPath, map[string]interface{}{
		"signing_public_key": base64.StdEncoding.EncodeToString(k.signingPub),
		"he_public_key":      base64.StdEncoding.EncodeToString(k.hePub),
	})
}

func (s *store) loadOrGenerate(name string, generate func() (pub, priv []byte, err error)) ([]byte, []byte, error) {
	pub, priv, err := s.fetch(name)
	if err == nil {
		return pub, priv, nil
	}
	if err != sql.ErrNoRows {
		return nil, nil, err
	}

	pub, priv, err = generate()
	if err != nil {
		return nil, nil, fmt.Errorf("key generation failed: %w", err)
	}

	wrapped, err := s.wrap(name, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("private key wrapping failed: %w", err)
	}

	query := `
		INSERT INTO oracle_keys (name, public_key, encrypted_private_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`

	result, err := s.db.Exec(query, name, pub, wrapped, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("database insert failed: %w", err)
	}

	// Another instance may have won the insert; its keys are authoritative.
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return s.fetch(name)
	}

	slog.Info("generated oracle keypair", "key", name, "fingerprint", vault.HashData(pub)[:16])

	return pub, priv, nil
}

func (s *store) fetch(name string) ([]byte, []byte, error) {
	var pub []byte
	var wrapped string

	query := `SELECT public_key, encrypted_private_key FROM oracle_keys WHERE name = $1`
	err := s.db.QueryRow(query, name).Scan(&pub, &wrapped)
	if err != nil {
		return nil, nil, err
	}

	priv, err := s.unwrap(name, wrapped)
	if err != nil {
		return nil, nil, fmt.Errorf("private key unwrapping failed: %w", err)
	}

	return pub, priv, nil
}

func (s *store) wrap(name string, priv []byte) (string, error) {
	if s.vault != nil {
		return s.vault.Encrypt(wrapKeyID, priv, map[string]string{"key": name})
	}

	ciphertext, nonce, err := vault.EncryptLocal(priv, s.localKey, []byte(name))
	if err != nil {
		return "", err
	}
	return localPrefix + base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

func (s *store) unwrap(name string, wrapped string) ([]byte, error) {
	if strings.HasPrefix(wrapped, localPrefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(wrapped, localPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid local wrap encoding: %w", err)
		}
		if len(raw) <= localNonceSize {
			return nil, fmt.Errorf("local wrap too short")
		}
		return vault.DecryptLocal(raw[localNonceSize:], s.localKey, raw[:localNonceSize], []byte(name))
	}

	if s.vault == nil {
		return nil, fmt.Errorf("key %s is vault-wrapped but vault is disabled", name)
	}
	return s.vault.Decrypt(wrapKeyID, wrapped, map[string]string{"key": name})
}

func decodeKVKey(data map[string]interface{}, field string) ([]byte, error) {
	encoded, ok := data[field].(string)
	if !ok {
		return nil, fmt.Errorf("published keys missing %s", field)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid %s encoding: %w", field, err)
	}
	return raw, nil
}
