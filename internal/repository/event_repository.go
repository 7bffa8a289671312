package repository

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"veilrate/internal/models"
)

// genesisHash anchors the chain before the first event
var genesisHash = strings.Repeat("0", 64)

// chainLockID is the advisory lock key that serializes chain appends
const chainLockID int64 = 1163281492

// EventRepository handles the hash-chained audit log. Every row links to
// its predecessor through prev_hash, so any retroactive edit breaks
// verification from that point on.
type EventRepository struct {
	db Querier
}

// NewEventRepository creates a new event repository
func NewEventRepository(db Querier) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes an event to the end of the chain and fills in its id and
// hashes. Must run inside a transaction: the advisory lock that keeps the
// chain linear is held until that transaction commits.
func (r *EventRepository) Append(event *models.Event) error {
	if _, err := r.db.Exec(`SELECT pg_advisory_xact_lock($1)`, chainLockID); err != nil {
		return fmt.Errorf("failed to lock event chain: %w", err)
	}

	prevHash, err := r.latestHash()
	if err != nil {
		return err
	}

	if len(event.Payload) == 0 {
		event.Payload = []byte("{}")
	}
	// UTC so the hashed timestamp survives the TIMESTAMP round trip
	event.CreatedAt = time.Now().UTC()
	event.PrevHash = prevHash
	event.ChainHash = hashEvent(prevHash, event)

	query := `
		INSERT INTO events (event_type, record_id, subject_id, request_id, payload, prev_hash, chain_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var requestID *int64
	if event.RequestID != nil {
		signed := int64(*event.RequestID)
		requestID = &signed
	}

	err = r.db.QueryRow(
		query,
		event.EventType,
		event.RecordID,
		event.SubjectID,
		requestID,
		string(event.Payload),
		event.PrevHash,
		event.ChainHash,
		event.CreatedAt,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// List returns events after the given id in chain order
func (r *EventRepository) List(afterID int64, limit int) ([]models.Event, error) {
	query := `
		SELECT id, event_type, record_id, subject_id, request_id, payload, prev_hash, chain_hash, created_at
		FROM events
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`

	rows, err := r.db.Query(query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// VerifyChain walks the whole chain and recomputes every link
func (r *EventRepository) VerifyChain() (*models.ChainVerification, error) {
	query := `
		SELECT id, event_type, record_id, subject_id, request_id, payload, prev_hash, chain_hash, created_at
		FROM events
		ORDER BY id
	`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to read event chain: %w", err)
	}
	defer rows.Close()

	verification := &models.ChainVerification{Valid: true}
	prevHash := genesisHash

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		verification.EventCount++

		if event.PrevHash != prevHash {
			verification.Problems = append(verification.Problems,
				fmt.Sprintf("event %d: previous hash mismatch", event.ID))
		}

		if expected := hashEvent(event.PrevHash, &event); event.ChainHash != expected {
			verification.Problems = append(verification.Problems,
				fmt.Sprintf("event %d: chain hash mismatch", event.ID))
		}

		prevHash = event.ChainHash
	}

	verification.Valid = len(verification.Problems) == 0
	return verification, nil
}

func (r *EventRepository) latestHash() (string, error) {
	query := `SELECT chain_hash FROM events ORDER BY id DESC LIMIT 1`

	var hash string
	err := r.db.QueryRow(query).Scan(&hash)
	if err == sql.ErrNoRows {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest chain hash: %w", err)
	}

	return hash, nil
}

// hashEvent computes the chain hash over the previous hash and the event
// content. Nullable references hash as zero values so the input stays
// reconstructible from the stored columns.
func hashEvent(prevHash string, event *models.Event) string {
	var recordID int64
	if event.RecordID != nil {
		recordID = *event.RecordID
	}

	subjectID := ""
	if event.SubjectID != nil {
		subjectID = event.SubjectID.String()
	}

	var requestID uint64
	if event.RequestID != nil {
		requestID = *event.RequestID
	}

	chainInput := fmt.Sprintf("%s:%s:%d:%s:%d:%s:%d",
		prevHash,
		event.EventType,
		recordID,
		subjectID,
		requestID,
		string(event.Payload),
		event.CreatedAt.Unix(),
	)

	hash := sha256.Sum256([]byte(chainInput))
	return hex.EncodeToString(hash[:])
}

func scanEvent(rows *sql.Rows) (models.Event, error) {
	var event models.Event
	var subjectID uuid.NullUUID
	var requestID sql.NullInt64
	var payload string

	err := rows.Scan(
		&event.ID,
		&event.EventType,
		&event.RecordID,
		&subjectID,
		&requestID,
		&payload,
		&event.PrevHash,
		&event.ChainHash,
		&event.CreatedAt,
	)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}

	if subjectID.Valid {
		id := subjectID.UUID
		event.SubjectID = &id
	}
	if requestID.Valid {
		unsigned := uint64(requestID.Int64)
		event.RequestID = &unsigned
	}
	event.Payload = []byte(payload)

	return event, nil
}
