// Package he wraps the lattigo BFV integer scheme behind byte-slice
// ciphertext handles. Scores live in slot 0 of a dedicated ciphertext so
// homomorphic addition of handles adds scores exactly; tag strings are
// encoded one byte per slot with the length in slot 0.
package he

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// BFV parameters: N = 8192, ~180-bit ciphertext modulus, plaintext
// modulus 95*2^53+1 (NTT-friendly prime, ~2^59.6). Sums of uint32 scores
// stay exact far beyond any realistic rating count.
const plaintextModulus uint64 = 855683929200394241

// ErrUninitializedHandle is returned when an operation receives an empty
// or structurally invalid ciphertext handle.
var ErrUninitializedHandle = errors.New("uninitialized ciphertext handle")

// Engine holds the scheme parameters and the shared evaluator
type Engine struct {
	params    heint.Parameters
	evaluator *heint.Evaluator
	mu        sync.Mutex
}

// NewEngine creates an engine with the fixed scheme parameters
func NewEngine() (*Engine, error) {
	params, err := heint.NewParametersFromLiteral(heint.ParametersLiteral{
		LogN:             13,
		LogQ:             []int{60, 60, 60},
		LogP:             []int{31},
		PlaintextModulus: plaintextModulus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build scheme parameters: %w", err)
	}

	return &Engine{
		params:    params,
		evaluator: heint.NewEvaluator(params, nil),
	}, nil
}

// Params returns the scheme parameters
func (e *Engine) Params() heint.Parameters {
	return e.params
}

// MaxTagBytes returns the longest tag string one ciphertext can carry
func (e *Engine) MaxTagBytes() int {
	return e.params.N() - 1
}

// GenerateKeyPair generates a fresh secret/public key pair in marshaled form
func (e *Engine) GenerateKeyPair() (secretKey, publicKey []byte, err error) {
	kgen := rlwe.NewKeyGenerator(e.params)
	sk, pk := kgen.GenKeyPairNew()

	secretKey, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal secret key: %w", err)
	}

	publicKey, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return secretKey, publicKey, nil
}

// Add homomorphically adds two ciphertext handles
func (e *Engine) Add(a, b []byte) ([]byte, error) {
	ctA, err := unmarshalCiphertext(a)
	if err != nil {
		return nil, err
	}
	ctB, err := unmarshalCiphertext(b)
	if err != nil {
		return nil, err
	}

	out := rlwe.NewCiphertext(e.params, 1, e.params.MaxLevel())

	e.mu.Lock()
	err = e.evaluator.Add(ctA, ctB, out)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("homomorphic add failed: %w", err)
	}

	return out.MarshalBinary()
}

// IsInitialized reports whether a handle parses as a ciphertext
func (e *Engine) IsInitialized(handle []byte) bool {
	if len(handle) == 0 {
		return false
	}
	ct := new(rlwe.Ciphertext)
	return ct.UnmarshalBinary(handle) == nil
}

// NewEncrypter binds an encrypter to a marshaled public key
func (e *Engine) NewEncrypter(publicKey []byte) (*Encrypter, error) {
	pk := new(rlwe.PublicKey)
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal public key: %w", err)
	}

	return &Encrypter{
		params:    e.params,
		encoder:   heint.NewEncoder(e.params),
		encryptor: rlwe.NewEncryptor(e.params, pk),
	}, nil
}

// NewDecrypter binds a decrypter to a marshaled secret key
func (e *Engine) NewDecrypter(secretKey []byte) (*Decrypter, error) {
	sk := new(rlwe.SecretKey)
	if err := sk.UnmarshalBinary(secretKey); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret key: %w", err)
	}

	return &Decrypter{
		params:    e.params,
		encoder:   heint.NewEncoder(e.params),
		decryptor: rlwe.NewDecryptor(e.params, sk),
	}, nil
}

// Encrypter encrypts plaintext values under one public key
type Encrypter struct {
	params    heint.Parameters
	encoder   *heint.Encoder
	encryptor *rlwe.Encryptor
	mu        sync.Mutex
}

// EncryptScore encrypts a score into slot 0
func (c *Encrypter) EncryptScore(score uint32) ([]byte, error) {
	values := make([]uint64, 1)
	values[0] = uint64(score)
	return c.encrypt(values)
}

// EncryptTags encrypts a tag string, length in slot 0, one byte per slot after
func (c *Encrypter) EncryptTags(tags string) ([]byte, error) {
	raw := []byte(tags)
	if len(raw) > c.params.N()-1 {
		return nil, fmt.Errorf("tag string of %d bytes exceeds capacity of %d", len(raw), c.params.N()-1)
	}

	values := make([]uint64, len(raw)+1)
	values[0] = uint64(len(raw))
	for i, b := range raw {
		values[i+1] = uint64(b)
	}
	return c.encrypt(values)
}

func (c *Encrypter) encrypt(values []uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := heint.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("failed to encode plaintext: %w", err)
	}

	ct := rlwe.NewCiphertext(c.params, 1, c.params.MaxLevel())
	if err := c.encryptor.Encrypt(pt, ct); err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return ct.MarshalBinary()
}

// Decrypter decrypts ciphertext handles under one secret key
type Decrypter struct {
	params    heint.Parameters
	encoder   *heint.Encoder
	decryptor *rlwe.Decryptor
	mu        sync.Mutex
}

// DecryptUint64 decrypts slot 0 of a handle
func (d *Decrypter) DecryptUint64(handle []byte) (uint64, error) {
	values, err := d.decrypt(handle)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// DecryptTags decrypts a tag handle back into its string
func (d *Decrypter) DecryptTags(handle []byte) (string, error) {
	values, err := d.decrypt(handle)
	if err != nil {
		return "", err
	}

	length := values[0]
	if length > uint64(len(values)-1) {
		return "", fmt.Errorf("tag length %d exceeds slot count", length)
	}

	raw := make([]byte, length)
	for i := range raw {
		slot := values[i+1]
		if slot > 255 {
			return "", fmt.Errorf("tag slot %d holds non-byte value %d", i+1, slot)
		}
		raw[i] = byte(slot)
	}
	return string(raw), nil
}

func (d *Decrypter) decrypt(handle []byte) ([]uint64, error) {
	ct, err := unmarshalCiphertext(handle)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pt := heint.NewPlaintext(d.params, ct.Level())
	d.decryptor.Decrypt(ct, pt)

	values := make([]uint64, d.params.N())
	if err := d.encoder.Decode(pt, values); err != nil {
		return nil, fmt.Errorf("failed to decode plaintext: %w", err)
	}

	return values, nil
}

func unmarshalCiphertext(handle []byte) (*rlwe.Ciphertext, error) {
	if len(handle) == 0 {
		return nil, ErrUninitializedHandle
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(handle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUninitializedHandle, err)
	}
	return ct, nil
}
