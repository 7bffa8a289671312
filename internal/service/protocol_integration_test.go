package service_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"veilrate/internal/he"
	"veilrate/internal/models"
	"veilrate/internal/oracle"
	"veilrate/internal/repository"
	"veilrate/internal/service"
	"veilrate/internal/testutil"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// protocolStack wires the full reveal protocol against real containers: an
// embedded oracle answering with latency zero, the repositories, and the
// services. The test holds the oracle signing key so it can also forge and
// replay callbacks by hand.
type protocolStack struct {
	containers *testutil.TestContainers
	fixtures   *testutil.Fixtures

	engine    *he.Engine
	encrypter *he.Encrypter
	decrypter *he.Decrypter
	signKey   ed25519.PrivateKey
	oracle    *oracle.Embedded

	recordRepo  *repository.RecordRepository
	pendingRepo *repository.PendingRequestRepository

	rating     *service.RatingService
	protocol   *service.ProtocolService
	aggregates *service.AggregateService
	events     *service.EventService
}

// setupProtocolStack builds the stack. The embedded oracle is wired but not
// started; tests that want asynchronous answers call stack.startOracle.
func setupProtocolStack(t *testing.T, requestTTL time.Duration) *protocolStack {
	t.Helper()

	containers := testutil.SetupTestContainers(t)
	t.Cleanup(func() { containers.Cleanup(t) })

	fixtures := testutil.SetupFixtures(t, containers.DB)

	engine, err := he.NewEngine()
	if err != nil {
		t.Fatalf("Failed to initialize encryption engine: %v", err)
	}

	heSecret, hePublic, err := engine.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate HE key pair: %v", err)
	}

	_, signKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate signing key: %v", err)
	}

	embedded, err := oracle.NewEmbedded(engine, signKey, hePublic, heSecret, 0)
	if err != nil {
		t.Fatalf("Failed to build embedded oracle: %v", err)
	}

	encrypter, err := engine.NewEncrypter(hePublic)
	if err != nil {
		t.Fatalf("Failed to bind encrypter: %v", err)
	}

	decrypter, err := engine.NewDecrypter(heSecret)
	if err != nil {
		t.Fatalf("Failed to bind decrypter: %v", err)
	}

	recordRepo := repository.NewRecordRepository(containers.DB)
	pendingRepo := repository.NewPendingRequestRepository(containers.DB)
	aggregateRepo := repository.NewSubjectAggregateRepository(containers.DB)
	eventRepo := repository.NewEventRepository(containers.DB)

	protocol := service.NewProtocolService(containers.DB, embedded, recordRepo, pendingRepo, aggregateRepo, requestTTL)
	embedded.SetDelivery(func(cb oracle.Callback) error {
		return protocol.HandleCallback(cb.RequestID, cb.Payload, cb.Proof)
	})

	return &protocolStack{
		containers:  containers,
		fixtures:    fixtures,
		engine:      engine,
		encrypter:   encrypter,
		decrypter:   decrypter,
		signKey:     signKey,
		oracle:      embedded,
		recordRepo:  recordRepo,
		pendingRepo: pendingRepo,
		rating:      service.NewRatingService(containers.DB, recordRepo, 4<<20),
		protocol:    protocol,
		aggregates:  service.NewAggregateService(aggregateRepo),
		events:      service.NewEventService(eventRepo),
	}
}

func (s *protocolStack) startOracle(t *testing.T) {
	t.Helper()
	s.oracle.Start()
	t.Cleanup(s.oracle.Stop)
}

// submitRating encrypts a plaintext rating the way a client would and
// submits it through the rating service
func (s *protocolStack) submitRating(t *testing.T, subjectID uuid.UUID, score uint32, tags string) *models.EncryptedRecord {
	t.Helper()

	encryptedScore, err := s.encrypter.EncryptScore(score)
	if err != nil {
		t.Fatalf("Failed to encrypt score: %v", err)
	}

	encryptedTags, err := s.encrypter.EncryptTags(tags)
	if err != nil {
		t.Fatalf("Failed to encrypt tags: %v", err)
	}

	record, err := s.rating.Submit(subjectID, encryptedScore, encryptedTags)
	if err != nil {
		t.Fatalf("Failed to submit rating: %v", err)
	}

	return record
}

func (s *protocolStack) waitForReveal(t *testing.T, recordID int64) *models.RevealState {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		state, err := s.rating.GetReveal(recordID)
		if err != nil {
			t.Fatalf("Failed to get reveal state: %v", err)
		}
		if state.Revealed {
			return state
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Record %d was not revealed in time", recordID)
	return nil
}

func (s *protocolStack) waitForAggregateSnapshot(t *testing.T, subjectID uuid.UUID) *models.SubjectAggregateView {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		view, err := s.aggregates.GetView(subjectID)
		if err != nil {
			t.Fatalf("Failed to get aggregate view: %v", err)
		}
		if view.LastRevealedSum != nil {
			return view
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Aggregate for subject %s was not revealed in time", subjectID)
	return nil
}

// TestRecordRevealRoundTrip walks a rating through the whole protocol:
// submit, request reveal, oracle answers, commit.
func TestRecordRevealRoundTrip(t *testing.T) {
	stack := setupProtocolStack(t, 0)
	stack.startOracle(t)
	subjectID := stack.fixtures.SubjectID

	record := stack.submitRating(t, subjectID, 4, "Punctual")
	if record.ID != 1 {
		t.Errorf("Expected first record id 1, got %d", record.ID)
	}

	second := stack.submitRating(t, subjectID, 5, "Helpful")
	if second.ID != 2 {
		t.Errorf("Expected second record id 2, got %d", second.ID)
	}

	// Before any reveal the state is the zero triple, not an error
	state, err := stack.rating.GetReveal(record.ID)
	if err != nil {
		t.Fatalf("Failed to get reveal state: %v", err)
	}
	if state.Revealed || state.Score != 0 || state.Tags != "" {
		t.Errorf("Expected unrevealed zero state, got score=%d tags=%q revealed=%v", state.Score, state.Tags, state.Revealed)
	}

	requestID, err := stack.protocol.RequestReveal(record.ID)
	if err != nil {
		t.Fatalf("Failed to request reveal: %v", err)
	}
	if requestID == 0 {
		t.Error("Expected nonzero request id")
	}

	state = stack.waitForReveal(t, record.ID)
	if state.Score != 4 {
		t.Errorf("Expected revealed score 4, got %d", state.Score)
	}
	if state.Tags != "Punctual" {
		t.Errorf("Expected revealed tags %q, got %q", "Punctual", state.Tags)
	}
	if state.RevealedAt == nil {
		t.Error("Expected revealed_at to be set")
	}

	// The pending request was consumed by the callback
	open, err := stack.pendingRepo.CountOpen()
	if err != nil {
		t.Fatalf("Failed to count pending requests: %v", err)
	}
	if open != 0 {
		t.Errorf("Expected 0 open requests after commit, got %d", open)
	}

	// The reveal folded the score into the subject aggregate
	view, err := stack.aggregates.GetView(subjectID)
	if err != nil {
		t.Fatalf("Failed to get aggregate view: %v", err)
	}
	if !view.Initialized {
		t.Error("Expected aggregate to be initialized after first reveal")
	}
	if view.RatingCount != 1 {
		t.Errorf("Expected rating count 1, got %d", view.RatingCount)
	}

	sum, err := stack.decrypter.DecryptUint64(view.EncryptedScoreSum)
	if err != nil {
		t.Fatalf("Failed to decrypt aggregate sum: %v", err)
	}
	if sum != 4 {
		t.Errorf("Expected encrypted sum to decrypt to 4, got %d", sum)
	}

	expectedFingerprint := blake2b.Sum256([]byte("Punctual"))
	if len(view.TagFingerprints) != 1 {
		t.Fatalf("Expected 1 tag fingerprint, got %d", len(view.TagFingerprints))
	}
	if view.TagFingerprints[0] != hex.EncodeToString(expectedFingerprint[:]) {
		t.Errorf("Fingerprint mismatch: got %s", view.TagFingerprints[0])
	}

	// Every protocol step left its audit event
	if n := stack.fixtures.CountEvents(t, models.EventRecordCreated); n != 2 {
		t.Errorf("Expected 2 record_created events, got %d", n)
	}
	if n := stack.fixtures.CountEvents(t, models.EventDecryptionRequested); n != 1 {
		t.Errorf("Expected 1 decryption_requested event, got %d", n)
	}
	if n := stack.fixtures.CountEvents(t, models.EventRecordRevealed); n != 1 {
		t.Errorf("Expected 1 record_revealed event, got %d", n)
	}

	verification, err := stack.events.VerifyChain()
	if err != nil {
		t.Fatalf("Failed to verify event chain: %v", err)
	}
	if !verification.Valid {
		t.Errorf("Event chain invalid after protocol run: %v", verification.Problems)
	}

	t.Log("✅ PASS: Full reveal round trip verified")
}

// TestRevealRequestConflicts covers the request-side failure modes
func TestRevealRequestConflicts(t *testing.T) {
	stack := setupProtocolStack(t, 0)
	stack.startOracle(t)

	record := stack.submitRating(t, stack.fixtures.SubjectID, 3, "")

	if _, err := stack.protocol.RequestReveal(999); !errors.Is(err, repository.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound for unknown record, got %v", err)
	}

	if _, err := stack.protocol.RequestReveal(record.ID); err != nil {
		t.Fatalf("Failed to request reveal: %v", err)
	}
	stack.waitForReveal(t, record.ID)

	if _, err := stack.protocol.RequestReveal(record.ID); !errors.Is(err, service.ErrAlreadyRevealed) {
		t.Errorf("Expected ErrAlreadyRevealed on second request, got %v", err)
	}

	// An aggregate reveal needs at least one revealed rating on file
	if _, err := stack.protocol.RequestAggregateReveal(uuid.New()); !errors.Is(err, repository.ErrSubjectNotFound) {
		t.Errorf("Expected ErrSubjectNotFound for unrated subject, got %v", err)
	}
}

// TestCallbackValidation drives HandleCallback by hand, without the oracle
// worker, to pin down the rejection semantics. Every rejected callback must
// leave the pending request open so the oracle can retry.
func TestCallbackValidation(t *testing.T) {
	stack := setupProtocolStack(t, 0)
	subjectID := stack.fixtures.SubjectID

	t.Run("UnknownRequest", func(t *testing.T) {
		err := stack.protocol.HandleCallback(12345, []byte("payload"), []byte("proof"))
		if !errors.Is(err, service.ErrUnknownRequest) {
			t.Errorf("Expected ErrUnknownRequest, got %v", err)
		}
	})

	t.Run("InvalidProofLeavesRequestOpen", func(t *testing.T) {
		record := stack.submitRating(t, subjectID, 4, "Punctual")
		requestID, err := stack.protocol.RequestReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to request reveal: %v", err)
		}

		payload := oracle.EncodeRecordPayload(4, "Punctual")
		badProof := make([]byte, ed25519.SignatureSize)

		err = stack.protocol.HandleCallback(requestID, payload, badProof)
		if !errors.Is(err, oracle.ErrInvalidProof) {
			t.Errorf("Expected ErrInvalidProof, got %v", err)
		}

		open, err := stack.pendingRepo.CountOpen()
		if err != nil {
			t.Fatalf("Failed to count pending requests: %v", err)
		}
		if open != 1 {
			t.Errorf("Expected request to stay open after bad proof, got %d open", open)
		}

		state, err := stack.rating.GetReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to get reveal state: %v", err)
		}
		if state.Revealed {
			t.Error("Record must not be revealed by a rejected callback")
		}

		// The oracle retries with a correct proof and the commit goes through
		proof := oracle.SignPayload(stack.signKey, requestID, payload)
		if err := stack.protocol.HandleCallback(requestID, payload, proof); err != nil {
			t.Fatalf("Retry with valid proof failed: %v", err)
		}

		state, err = stack.rating.GetReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to get reveal state: %v", err)
		}
		if !state.Revealed || state.Score != 4 || state.Tags != "Punctual" {
			t.Errorf("Expected revealed (4, Punctual), got (%d, %q, %v)", state.Score, state.Tags, state.Revealed)
		}
	})

	t.Run("MalformedPayloadLeavesRequestOpen", func(t *testing.T) {
		record := stack.submitRating(t, subjectID, 2, "")
		requestID, err := stack.protocol.RequestReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to request reveal: %v", err)
		}

		// Shorter than the 4-byte score prefix, but correctly signed
		payload := []byte{0x01, 0x02}
		proof := oracle.SignPayload(stack.signKey, requestID, payload)

		err = stack.protocol.HandleCallback(requestID, payload, proof)
		if !errors.Is(err, service.ErrMalformedPayload) {
			t.Errorf("Expected ErrMalformedPayload, got %v", err)
		}

		open, err := stack.pendingRepo.CountOpen()
		if err != nil {
			t.Fatalf("Failed to count pending requests: %v", err)
		}
		if open != 1 {
			t.Errorf("Expected request to stay open after malformed payload, got %d open", open)
		}
	})

	t.Run("DuplicateAnswerDiscardedSilently", func(t *testing.T) {
		record := stack.submitRating(t, subjectID, 5, "Helpful")

		// Two reveal requests can be open for the same record
		first, err := stack.protocol.RequestReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to open first request: %v", err)
		}
		second, err := stack.protocol.RequestReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to open second request: %v", err)
		}

		payload := oracle.EncodeRecordPayload(5, "Helpful")
		if err := stack.protocol.HandleCallback(first, payload, oracle.SignPayload(stack.signKey, first, payload)); err != nil {
			t.Fatalf("First callback failed: %v", err)
		}

		revealedBefore := stack.fixtures.CountEvents(t, models.EventRecordRevealed)
		openBefore, err := stack.pendingRepo.CountOpen()
		if err != nil {
			t.Fatalf("Failed to count pending requests: %v", err)
		}

		// The second answer carries different plaintext; it must be dropped
		// without error and without touching the committed state
		stale := oracle.EncodeRecordPayload(1, "Stale")
		if err := stack.protocol.HandleCallback(second, stale, oracle.SignPayload(stack.signKey, second, stale)); err != nil {
			t.Fatalf("Duplicate callback should succeed silently, got %v", err)
		}

		state, err := stack.rating.GetReveal(record.ID)
		if err != nil {
			t.Fatalf("Failed to get reveal state: %v", err)
		}
		if state.Score != 5 || state.Tags != "Helpful" {
			t.Errorf("Committed state changed by duplicate: got (%d, %q)", state.Score, state.Tags)
		}

		if n := stack.fixtures.CountEvents(t, models.EventRecordRevealed); n != revealedBefore {
			t.Errorf("Duplicate answer emitted a reveal event: %d -> %d", revealedBefore, n)
		}

		open, err := stack.pendingRepo.CountOpen()
		if err != nil {
			t.Fatalf("Failed to count pending requests: %v", err)
		}
		if open != openBefore-1 {
			t.Errorf("Expected duplicate answer to consume its request, got %d open (was %d)", open, openBefore)
		}

		t.Log("✅ PASS: Duplicate answer consumed its request without replaying the reveal")
	})
}

// TestAggregateRevealSnapshot accumulates two reveals and discloses the sum
func TestAggregateRevealSnapshot(t *testing.T) {
	stack := setupProtocolStack(t, 0)
	stack.startOracle(t)
	subjectID := stack.fixtures.SubjectID

	first := stack.submitRating(t, subjectID, 4, "Punctual")
	second := stack.submitRating(t, subjectID, 5, "Helpful")

	if _, err := stack.protocol.RequestReveal(first.ID); err != nil {
		t.Fatalf("Failed to request first reveal: %v", err)
	}
	stack.waitForReveal(t, first.ID)

	if _, err := stack.protocol.RequestReveal(second.ID); err != nil {
		t.Fatalf("Failed to request second reveal: %v", err)
	}
	stack.waitForReveal(t, second.ID)

	view, err := stack.aggregates.GetView(subjectID)
	if err != nil {
		t.Fatalf("Failed to get aggregate view: %v", err)
	}
	if view.RatingCount != 2 {
		t.Errorf("Expected rating count 2, got %d", view.RatingCount)
	}
	if len(view.TagFingerprints) != 2 {
		t.Errorf("Expected 2 tag fingerprints, got %d", len(view.TagFingerprints))
	}
	if view.LastRevealedSum != nil {
		t.Error("Expected no disclosed sum before an aggregate reveal")
	}

	if _, err := stack.protocol.RequestAggregateReveal(subjectID); err != nil {
		t.Fatalf("Failed to request aggregate reveal: %v", err)
	}

	view = stack.waitForAggregateSnapshot(t, subjectID)
	if *view.LastRevealedSum != 9 {
		t.Errorf("Expected disclosed sum 9, got %d", *view.LastRevealedSum)
	}
	if view.LastRevealedAt == nil {
		t.Error("Expected last_revealed_at to be set")
	}

	if n := stack.fixtures.CountEvents(t, models.EventAggregateRevealed); n != 1 {
		t.Errorf("Expected 1 aggregate_revealed event, got %d", n)
	}

	// The disclosure is a snapshot; the encrypted sum keeps accumulating
	third := stack.submitRating(t, subjectID, 2, "")
	if _, err := stack.protocol.RequestReveal(third.ID); err != nil {
		t.Fatalf("Failed to request third reveal: %v", err)
	}
	stack.waitForReveal(t, third.ID)

	view, err = stack.aggregates.GetView(subjectID)
	if err != nil {
		t.Fatalf("Failed to get aggregate view: %v", err)
	}
	if view.RatingCount != 3 {
		t.Errorf("Expected rating count 3, got %d", view.RatingCount)
	}
	if *view.LastRevealedSum != 9 {
		t.Errorf("Snapshot must not move on record reveals, got %d", *view.LastRevealedSum)
	}

	sum, err := stack.decrypter.DecryptUint64(view.EncryptedScoreSum)
	if err != nil {
		t.Fatalf("Failed to decrypt aggregate sum: %v", err)
	}
	if sum != 11 {
		t.Errorf("Expected encrypted sum to decrypt to 11, got %d", sum)
	}

	t.Log("✅ PASS: Aggregate snapshot disclosed while the encrypted sum kept accumulating")
}

// TestExpireRequests verifies the expiry sweep and that late answers to a
// swept request are rejected
func TestExpireRequests(t *testing.T) {
	stack := setupProtocolStack(t, time.Hour)

	record := stack.submitRating(t, stack.fixtures.SubjectID, 4, "Punctual")
	requestID, err := stack.protocol.RequestReveal(record.ID)
	if err != nil {
		t.Fatalf("Failed to request reveal: %v", err)
	}

	// Nothing has expired yet
	expired, err := stack.protocol.ExpireRequests(time.Now())
	if err != nil {
		t.Fatalf("Expiry sweep failed: %v", err)
	}
	if expired != 0 {
		t.Errorf("Expected 0 expired requests, got %d", expired)
	}

	expired, err = stack.protocol.ExpireRequests(time.Now().Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Expiry sweep failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("Expected 1 expired request, got %d", expired)
	}

	open, err := stack.pendingRepo.CountOpen()
	if err != nil {
		t.Fatalf("Failed to count pending requests: %v", err)
	}
	if open != 0 {
		t.Errorf("Expected sweep to consume the request, got %d open", open)
	}

	if n := stack.fixtures.CountEvents(t, models.EventRequestExpired); n != 1 {
		t.Errorf("Expected 1 request_expired event, got %d", n)
	}

	// A late oracle answer finds no open request
	payload := oracle.EncodeRecordPayload(4, "Punctual")
	proof := oracle.SignPayload(stack.signKey, requestID, payload)
	if err := stack.protocol.HandleCallback(requestID, payload, proof); !errors.Is(err, service.ErrUnknownRequest) {
		t.Errorf("Expected ErrUnknownRequest for late answer, got %v", err)
	}

	state, err := stack.rating.GetReveal(record.ID)
	if err != nil {
		t.Fatalf("Failed to get reveal state: %v", err)
	}
	if state.Revealed {
		t.Error("Record must stay unrevealed after its request expired")
	}
}
