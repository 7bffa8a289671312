package service

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"veilrate/internal/models"
	"veilrate/internal/oracle"
	"veilrate/internal/repository"
)

var (
	// ErrAlreadyRevealed is returned when a reveal is requested for a record
	// whose plaintext has already been committed.
	ErrAlreadyRevealed = errors.New("record already revealed")

	// ErrUnknownRequest is returned for callbacks that reference no open
	// decryption request.
	ErrUnknownRequest = errors.New("unknown decryption request")

	// ErrMalformedPayload is returned when a callback payload does not decode
	// to the shape its request kind demands.
	ErrMalformedPayload = errors.New("malformed decryption payload")
)

// DecryptionOracle is the capability surface the reveal protocol depends on.
// The embedded oracle and the remote oracle client both satisfy it; neither
// exposes the secret key to this service.
type DecryptionOracle interface {
	RequestDecryption(requestID uint64, kind models.RequestKind, handles [][]byte) error
	VerifyProof(requestID uint64, payload, proof []byte) error
	Encode(score uint32) ([]byte, error)
	Add(a, b []byte) ([]byte, error)
	IsInitialized(handle []byte) bool
}

// ProtocolService drives the decryption correlation protocol: it opens
// pending requests, dispatches them to the oracle, and commits oracle
// callbacks. Every callback is processed in a single transaction so a
// rejected callback leaves the pending request untouched.
type ProtocolService struct {
	db            *sql.DB
	oracle        DecryptionOracle
	recordRepo    *repository.RecordRepository
	pendingRepo   *repository.PendingRequestRepository
	aggregateRepo *repository.SubjectAggregateRepository
	requestTTL    time.Duration
}

// NewProtocolService creates a new protocol service. A requestTTL of zero
// disables expiry; pending requests then stay open until answered.
func NewProtocolService(
	db *sql.DB,
	decryptionOracle DecryptionOracle,
	recordRepo *repository.RecordRepository,
	pendingRepo *repository.PendingRequestRepository,
	aggregateRepo *repository.SubjectAggregateRepository,
	requestTTL time.Duration,
) *ProtocolService {
	return &ProtocolService{
		db:            db,
		oracle:        decryptionOracle,
		recordRepo:    recordRepo,
		pendingRepo:   pendingRepo,
		aggregateRepo: aggregateRepo,
		requestTTL:    requestTTL,
	}
}

// RequestReveal opens a decryption request for a single record and hands the
// record's ciphertext handles to the oracle. The pending request and its
// audit event are committed before the oracle is contacted, so even an
// instant callback finds the request on file.
func (s *ProtocolService) RequestReveal(recordID int64) (uint64, error) {
	record, err := s.recordRepo.GetByID(recordID)
	if err != nil {
		return 0, err
	}

	state, err := s.recordRepo.GetRevealState(recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to load reveal state: %w", err)
	}
	if state.Revealed {
		return 0, ErrAlreadyRevealed
	}

	requestID, err := mintRequestID()
	if err != nil {
		return 0, err
	}

	req := &models.PendingRequest{
		RequestID:      requestID,
		Kind:           models.KindRecordReveal,
		TargetRecordID: &recordID,
		ExpiresAt:      s.expiry(),
	}

	event := &models.Event{
		EventType: models.EventDecryptionRequested,
		RecordID:  &recordID,
		SubjectID: &record.SubjectID,
		RequestID: &requestID,
	}

	if err := s.openRequest(req, event); err != nil {
		return 0, err
	}

	handles := [][]byte{record.EncryptedScore, record.EncryptedTags}
	if err := s.dispatch(requestID, models.KindRecordReveal, handles); err != nil {
		return 0, err
	}

	slog.Info("Reveal requested", "record_id", recordID, "request_id", requestID)
	return requestID, nil
}

// RequestAggregateReveal opens a decryption request for a subject's
// encrypted score sum. Subjects without any revealed rating have no
// aggregate row and cannot be revealed.
func (s *ProtocolService) RequestAggregateReveal(subjectID uuid.UUID) (uint64, error) {
	agg, err := s.aggregateRepo.Get(subjectID)
	if err != nil {
		return 0, err
	}
	if !s.oracle.IsInitialized(agg.EncryptedScoreSum) {
		return 0, repository.ErrSubjectNotFound
	}

	requestID, err := mintRequestID()
	if err != nil {
		return 0, err
	}

	req := &models.PendingRequest{
		RequestID:       requestID,
		Kind:            models.KindAggregateReveal,
		TargetSubjectID: &subjectID,
		ExpiresAt:       s.expiry(),
	}

	event := &models.Event{
		EventType: models.EventAggregateRevealRequested,
		SubjectID: &subjectID,
		RequestID: &requestID,
	}

	if err := s.openRequest(req, event); err != nil {
		return 0, err
	}

	handles := [][]byte{agg.EncryptedScoreSum}
	if err := s.dispatch(requestID, models.KindAggregateReveal, handles); err != nil {
		return 0, err
	}

	slog.Info("Aggregate reveal requested", "subject_id", subjectID, "request_id", requestID)
	return requestID, nil
}

// HandleCallback processes one oracle callback. Lookup, proof verification,
// payload decoding, the reveal commit, and consumption of the pending
// request all happen inside one transaction: any rejection rolls the whole
// step back, so the request stays open for a corrected delivery.
func (s *ProtocolService) HandleCallback(requestID uint64, payload, proof []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Error("Failed to rollback callback transaction", "error", err)
		}
	}()

	pending := repository.NewPendingRequestRepository(tx)
	req, err := pending.GetForUpdate(requestID)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			return ErrUnknownRequest
		}
		return fmt.Errorf("failed to load pending request: %w", err)
	}

	if err := s.oracle.VerifyProof(requestID, payload, proof); err != nil {
		return err
	}

	switch req.Kind {
	case models.KindRecordReveal:
		if err := s.commitRecordReveal(tx, req, payload); err != nil {
			return err
		}
	case models.KindAggregateReveal:
		if err := s.commitAggregateReveal(tx, req, payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("pending request %d has unknown kind %q", requestID, req.Kind)
	}

	if err := pending.Delete(requestID); err != nil {
		return fmt.Errorf("failed to consume pending request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit callback transaction: %w", err)
	}

	return nil
}

// commitRecordReveal writes the decrypted score and tags for a record and
// folds them into the subject's aggregate. A record that is already revealed
// is a duplicate delivery: the payload is discarded without touching any
// state, but the pending request is still consumed by the caller.
func (s *ProtocolService) commitRecordReveal(tx *sql.Tx, req *models.PendingRequest, payload []byte) error {
	score, tags, err := oracle.DecodeRecordPayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if req.TargetRecordID == nil {
		return fmt.Errorf("pending request %d has no target record", req.RequestID)
	}
	recordID := *req.TargetRecordID

	records := repository.NewRecordRepository(tx)
	applied, err := records.MarkRevealed(recordID, score, tags)
	if err != nil {
		return fmt.Errorf("failed to mark record revealed: %w", err)
	}
	if !applied {
		slog.Info("Duplicate reveal callback discarded", "record_id", recordID, "request_id", req.RequestID)
		return nil
	}

	record, err := records.GetByID(recordID)
	if err != nil {
		return fmt.Errorf("failed to load record for aggregation: %w", err)
	}

	aggregates := repository.NewSubjectAggregateRepository(tx)
	if err := aggregates.EnsureExists(record.SubjectID); err != nil {
		return fmt.Errorf("failed to ensure aggregate row: %w", err)
	}

	agg, err := aggregates.GetForUpdate(record.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to lock aggregate row: %w", err)
	}

	encoded, err := s.oracle.Encode(score)
	if err != nil {
		return fmt.Errorf("failed to encode revealed score: %w", err)
	}

	newSum := encoded
	if s.oracle.IsInitialized(agg.EncryptedScoreSum) {
		newSum, err = s.oracle.Add(agg.EncryptedScoreSum, encoded)
		if err != nil {
			return fmt.Errorf("failed to fold score into sum: %w", err)
		}
	}

	if err := aggregates.FoldScore(record.SubjectID, newSum); err != nil {
		return fmt.Errorf("failed to update aggregate sum: %w", err)
	}

	// Every reveal appends exactly one fingerprint, empty tags included, so
	// fingerprint count always matches rating count.
	fingerprint := blake2b.Sum256([]byte(tags))
	if err := aggregates.AppendFingerprint(record.SubjectID, fingerprint[:]); err != nil {
		return fmt.Errorf("failed to append tag fingerprint: %w", err)
	}

	detail, err := json.Marshal(map[string]any{"score": score, "tags": tags})
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	requestID := req.RequestID
	events := repository.NewEventRepository(tx)
	return events.Append(&models.Event{
		EventType: models.EventRecordRevealed,
		RecordID:  &recordID,
		SubjectID: &record.SubjectID,
		RequestID: &requestID,
		Payload:   detail,
	})
}

// commitAggregateReveal records the decrypted sum snapshot for a subject.
// The disclosure is read only: the encrypted sum, the rating count, and the
// fingerprint list are not touched.
func (s *ProtocolService) commitAggregateReveal(tx *sql.Tx, req *models.PendingRequest, payload []byte) error {
	sum, err := oracle.DecodeAggregatePayload(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if req.TargetSubjectID == nil {
		return fmt.Errorf("pending request %d has no target subject", req.RequestID)
	}
	subjectID := *req.TargetSubjectID

	aggregates := repository.NewSubjectAggregateRepository(tx)
	if err := aggregates.SetLastRevealed(subjectID, sum, time.Now()); err != nil {
		return fmt.Errorf("failed to record revealed sum: %w", err)
	}

	detail, err := json.Marshal(map[string]any{"sum": sum})
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	requestID := req.RequestID
	events := repository.NewEventRepository(tx)
	return events.Append(&models.Event{
		EventType: models.EventAggregateRevealed,
		SubjectID: &subjectID,
		RequestID: &requestID,
		Payload:   detail,
	})
}

// ExpireRequests removes pending requests whose deadline has passed and
// records an expiry event for each. Callbacks arriving after expiry are
// rejected as unknown.
func (s *ProtocolService) ExpireRequests(now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Error("Failed to rollback expiry transaction", "error", err)
		}
	}()

	pending := repository.NewPendingRequestRepository(tx)
	expired, err := pending.DeleteExpired(now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired requests: %w", err)
	}
	if len(expired) == 0 {
		return 0, tx.Commit()
	}

	events := repository.NewEventRepository(tx)
	for i := range expired {
		req := &expired[i]
		requestID := req.RequestID
		err := events.Append(&models.Event{
			EventType: models.EventRequestExpired,
			RecordID:  req.TargetRecordID,
			SubjectID: req.TargetSubjectID,
			RequestID: &requestID,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to append expiry event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry transaction: %w", err)
	}

	return len(expired), nil
}

// openRequest commits a pending request together with its audit event.
func (s *ProtocolService) openRequest(req *models.PendingRequest, event *models.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Error("Failed to rollback request transaction", "error", err)
		}
	}()

	pending := repository.NewPendingRequestRepository(tx)
	if err := pending.Create(req); err != nil {
		return fmt.Errorf("failed to create pending request: %w", err)
	}

	events := repository.NewEventRepository(tx)
	if err := events.Append(event); err != nil {
		return fmt.Errorf("failed to append request event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request transaction: %w", err)
	}

	return nil
}

// dispatch hands an open request to the oracle. If the oracle refuses it the
// pending request is withdrawn so it cannot linger unanswerable.
func (s *ProtocolService) dispatch(requestID uint64, kind models.RequestKind, handles [][]byte) error {
	if err := s.oracle.RequestDecryption(requestID, kind, handles); err != nil {
		if delErr := s.pendingRepo.Delete(requestID); delErr != nil {
			slog.Error("Failed to withdraw undispatched request", "request_id", requestID, "error", delErr)
		}
		return fmt.Errorf("failed to dispatch decryption request: %w", err)
	}
	return nil
}

// expiry returns the deadline for a new pending request, or nil when expiry
// is disabled.
func (s *ProtocolService) expiry() *time.Time {
	if s.requestTTL <= 0 {
		return nil
	}
	deadline := time.Now().Add(s.requestTTL)
	return &deadline
}

// mintRequestID draws a random nonzero request id. Zero is reserved to mean
// "no request", so it is never handed out.
func mintRequestID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to mint request id: %w", err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id, nil
		}
	}
}
