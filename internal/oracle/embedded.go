package oracle

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"veilrate/internal/he"
	"veilrate/internal/models"
)

// Callback is a decryption answer on its way back to the protocol service
type Callback struct {
	RequestID uint64
	Payload   []byte
	Proof     []byte
}

// DeliveryFunc hands a finished callback to the protocol layer
type DeliveryFunc func(Callback) error

type job struct {
	requestID uint64
	kind      models.RequestKind
	handles   [][]byte
}

// Embedded runs the oracle inside the API process for development and
// tests. Decryption requests are answered asynchronously from a worker
// goroutine after a configurable latency, signed with the same proof
// format a remote oracle would use.
type Embedded struct {
	*Suite

	signKey   ed25519.PrivateKey
	decrypter *he.Decrypter
	latency   time.Duration

	jobs     chan job
	stopChan chan bool
	wg       sync.WaitGroup

	mu      sync.RWMutex
	deliver DeliveryFunc
}

// NewEmbedded creates an embedded oracle from the full keyring material
func NewEmbedded(engine *he.Engine, signKey ed25519.PrivateKey, hePublicKey, heSecretKey []byte, latency time.Duration) (*Embedded, error) {
	if len(signKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key has %d bytes, want %d", len(signKey), ed25519.PrivateKeySize)
	}

	suite, err := NewSuite(engine, signKey.Public().(ed25519.PublicKey), hePublicKey)
	if err != nil {
		return nil, err
	}

	decrypter, err := engine.NewDecrypter(heSecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to bind decrypter: %w", err)
	}

	return &Embedded{
		Suite:     suite,
		signKey:   signKey,
		decrypter: decrypter,
		latency:   latency,
		jobs:      make(chan job, 256),
		stopChan:  make(chan bool),
	}, nil
}

// SetDelivery wires the callback sink. Must be set before Start.
func (o *Embedded) SetDelivery(fn DeliveryFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliver = fn
}

// Start launches the decryption worker
func (o *Embedded) Start() {
	slog.Info("Starting embedded oracle", "latency", o.latency)
	o.wg.Add(1)
	go o.worker()
}

// Stop shuts the worker down and waits for it to drain
func (o *Embedded) Stop() {
	slog.Info("Stopping embedded oracle")
	close(o.stopChan)
	o.wg.Wait()
}

// RequestDecryption queues a decryption job under a caller-chosen request id
func (o *Embedded) RequestDecryption(requestID uint64, kind models.RequestKind, handles [][]byte) error {
	if requestID == 0 {
		return fmt.Errorf("request id must be nonzero")
	}

	select {
	case o.jobs <- job{requestID: requestID, kind: kind, handles: handles}:
		return nil
	case <-o.stopChan:
		return fmt.Errorf("oracle is stopped")
	default:
		return fmt.Errorf("oracle queue is full")
	}
}

func (o *Embedded) worker() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopChan:
			return
		case j := <-o.jobs:
			if o.latency > 0 {
				select {
				case <-time.After(o.latency):
				case <-o.stopChan:
					return
				}
			}

			callback, err := o.answer(j)
			if err != nil {
				slog.Error("Embedded oracle failed to answer request",
					"request_id", j.requestID, "kind", j.kind, "error", err)
				continue
			}

			o.mu.RLock()
			deliver := o.deliver
			o.mu.RUnlock()

			if deliver == nil {
				slog.Error("Embedded oracle has no delivery sink", "request_id", j.requestID)
				continue
			}

			if err := deliver(callback); err != nil {
				slog.Error("Callback delivery failed", "request_id", j.requestID, "error", err)
			}
		}
	}
}

func (o *Embedded) answer(j job) (Callback, error) {
	var payload []byte

	switch j.kind {
	case models.KindRecordReveal:
		if len(j.handles) != 2 {
			return Callback{}, fmt.Errorf("record reveal needs 2 handles, got %d", len(j.handles))
		}

		score, err := o.decrypter.DecryptUint64(j.handles[0])
		if err != nil {
			return Callback{}, fmt.Errorf("score decryption failed: %w", err)
		}
		if score > math.MaxUint32 {
			return Callback{}, fmt.Errorf("decrypted score %d overflows uint32", score)
		}

		tags, err := o.decrypter.DecryptTags(j.handles[1])
		if err != nil {
			return Callback{}, fmt.Errorf("tags decryption failed: %w", err)
		}

		payload = EncodeRecordPayload(uint32(score), tags)

	case models.KindAggregateReveal:
		if len(j.handles) != 1 {
			return Callback{}, fmt.Errorf("aggregate reveal needs 1 handle, got %d", len(j.handles))
		}

		sum, err := o.decrypter.DecryptUint64(j.handles[0])
		if err != nil {
			return Callback{}, fmt.Errorf("sum decryption failed: %w", err)
		}

		payload = EncodeAggregatePayload(sum)

	default:
		return Callback{}, fmt.Errorf("unknown request kind %q", j.kind)
	}

	return Callback{
		RequestID: j.requestID,
		Payload:   payload,
		Proof:     SignPayload(o.signKey, j.requestID, payload),
	}, nil
}
