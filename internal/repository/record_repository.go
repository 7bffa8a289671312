package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veilrate/internal/models"
)

var ErrRecordNotFound = errors.New("record not found")

// RecordRepository handles encrypted record database operations. Records
// are append-only; nothing ever updates or deletes a row.
type RecordRepository struct {
	db Querier
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db Querier) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create inserts an encrypted record and fills in its assigned id
func (r *RecordRepository) Create(record *models.EncryptedRecord) error {
	query := `
		INSERT INTO records (subject_id, encrypted_score, encrypted_tags, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	now := time.Now()
	err := r.db.QueryRow(
		query,
		record.SubjectID,
		record.EncryptedScore,
		record.EncryptedTags,
		now,
	).Scan(&record.ID)

	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	record.CreatedAt = now
	return nil
}

// GetByID retrieves an encrypted record
func (r *RecordRepository) GetByID(id int64) (*models.EncryptedRecord, error) {
	query := `
		SELECT id, subject_id, encrypted_score, encrypted_tags, created_at
		FROM records
		WHERE id = $1
	`

	record := &models.EncryptedRecord{}
	err := r.db.QueryRow(query, id).Scan(
		&record.ID,
		&record.SubjectID,
		&record.EncryptedScore,
		&record.EncryptedTags,
		&record.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return record, nil
}

// GetRevealState returns the reveal state for a record. A record without a
// reveal row is unrevealed: score 0, empty tags, revealed false. Callers
// check record existence separately.
func (r *RecordRepository) GetRevealState(recordID int64) (*models.RevealState, error) {
	query := `
		SELECT record_id, score, tags, revealed, revealed_at
		FROM reveal_states
		WHERE record_id = $1
	`

	state := &models.RevealState{}
	err := r.db.QueryRow(query, recordID).Scan(
		&state.RecordID,
		&state.Score,
		&state.Tags,
		&state.Revealed,
		&state.RevealedAt,
	)

	if err == sql.ErrNoRows {
		return &models.RevealState{RecordID: recordID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reveal state: %w", err)
	}

	return state, nil
}

// MarkRevealed flips a record to revealed exactly once. The reveal row is
// only ever inserted, so a second reveal of the same record conflicts and
// reports applied=false without touching the stored state.
func (r *RecordRepository) MarkRevealed(recordID int64, score uint32, tags string) (bool, error) {
	query := `
		INSERT INTO reveal_states (record_id, score, tags, revealed, revealed_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (record_id) DO NOTHING
	`

	result, err := r.db.Exec(query, recordID, int64(score), tags, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to mark record revealed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reveal result: %w", err)
	}

	return rows == 1, nil
}

// CountBySubject returns how many ratings a subject has received in total,
// revealed or not
func (r *RecordRepository) CountBySubject(subjectID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM records WHERE subject_id = $1`

	var count int64
	err := r.db.QueryRow(query, subjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}

	return count, nil
}
