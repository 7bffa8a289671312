package service

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"veilrate/internal/models"
	"veilrate/internal/repository"
)

var (
	// ErrEmptyCiphertext is returned when a submission is missing one of its
	// two ciphertext handles.
	ErrEmptyCiphertext = errors.New("ciphertext handle is empty")

	// ErrCiphertextTooLarge is returned when a ciphertext handle exceeds the
	// configured size limit.
	ErrCiphertextTooLarge = errors.New("ciphertext handle exceeds size limit")
)

// RatingService accepts encrypted rating submissions and serves reveal
// states. It never sees plaintext scores; handles pass through opaquely.
type RatingService struct {
	db                 *sql.DB
	recordRepo         *repository.RecordRepository
	maxCiphertextBytes int
}

// NewRatingService creates a new rating service
func NewRatingService(db *sql.DB, recordRepo *repository.RecordRepository, maxCiphertextBytes int) *RatingService {
	return &RatingService{
		db:                 db,
		recordRepo:         recordRepo,
		maxCiphertextBytes: maxCiphertextBytes,
	}
}

// Submit stores an encrypted rating and appends its creation event. The
// record id is assigned by the store and returned on the stored record.
func (s *RatingService) Submit(subjectID uuid.UUID, encryptedScore, encryptedTags []byte) (*models.EncryptedRecord, error) {
	if len(encryptedScore) == 0 || len(encryptedTags) == 0 {
		return nil, ErrEmptyCiphertext
	}
	if len(encryptedScore) > s.maxCiphertextBytes || len(encryptedTags) > s.maxCiphertextBytes {
		return nil, ErrCiphertextTooLarge
	}

	record := &models.EncryptedRecord{
		SubjectID:      subjectID,
		EncryptedScore: encryptedScore,
		EncryptedTags:  encryptedTags,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			slog.Error("Failed to rollback submission transaction", "error", err)
		}
	}()

	records := repository.NewRecordRepository(tx)
	if err := records.Create(record); err != nil {
		return nil, fmt.Errorf("failed to store rating: %w", err)
	}

	events := repository.NewEventRepository(tx)
	err = events.Append(&models.Event{
		EventType: models.EventRecordCreated,
		RecordID:  &record.ID,
		SubjectID: &record.SubjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append creation event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit submission: %w", err)
	}

	slog.Info("Rating submitted", "record_id", record.ID, "subject_id", subjectID)
	return record, nil
}

// GetReveal returns the reveal state for a record. Records that exist but
// have not been revealed report the zero state rather than an error.
func (s *RatingService) GetReveal(recordID int64) (*models.RevealState, error) {
	if _, err := s.recordRepo.GetByID(recordID); err != nil {
		return nil, err
	}
	return s.recordRepo.GetRevealState(recordID)
}
