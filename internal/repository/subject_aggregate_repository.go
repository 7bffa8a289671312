package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veilrate/internal/models"
)

var ErrSubjectNotFound = errors.New("subject aggregate not found")

// SubjectAggregateRepository handles the per-subject running aggregates.
// Rows appear at the first reveal commit and are only ever combined into:
// the encrypted sum is replaced wholesale, the count incremented, and tag
// fingerprints appended.
type SubjectAggregateRepository struct {
	db Querier
}

// NewSubjectAggregateRepository creates a new subject aggregate repository
func NewSubjectAggregateRepository(db Querier) *SubjectAggregateRepository {
	return &SubjectAggregateRepository{db: db}
}

// EnsureExists creates the aggregate row for a subject if it is missing
func (r *SubjectAggregateRepository) EnsureExists(subjectID uuid.UUID) error {
	query := `
		INSERT INTO subject_aggregates (subject_id, rating_count, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (subject_id) DO NOTHING
	`

	_, err := r.db.Exec(query, subjectID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to ensure aggregate row: %w", err)
	}

	return nil
}

// Get retrieves a subject aggregate
func (r *SubjectAggregateRepository) Get(subjectID uuid.UUID) (*models.SubjectAggregate, error) {
	return r.get(subjectID, false)
}

// GetForUpdate locks and retrieves a subject aggregate. Only meaningful
// inside a transaction; the lock serializes concurrent reveal commits for
// the same subject.
func (r *SubjectAggregateRepository) GetForUpdate(subjectID uuid.UUID) (*models.SubjectAggregate, error) {
	return r.get(subjectID, true)
}

func (r *SubjectAggregateRepository) get(subjectID uuid.UUID, forUpdate bool) (*models.SubjectAggregate, error) {
	query := `
		SELECT subject_id, encrypted_score_sum, rating_count, last_revealed_sum, last_revealed_at, created_at, updated_at
		FROM subject_aggregates
		WHERE subject_id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	agg := &models.SubjectAggregate{}
	var lastSum sql.NullInt64
	err := r.db.QueryRow(query, subjectID).Scan(
		&agg.SubjectID,
		&agg.EncryptedScoreSum,
		&agg.RatingCount,
		&lastSum,
		&agg.LastRevealedAt,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject aggregate: %w", err)
	}

	if lastSum.Valid {
		sum := uint64(lastSum.Int64)
		agg.LastRevealedSum = &sum
	}

	return agg, nil
}

// FoldScore replaces the encrypted sum and counts one more revealed rating
func (r *SubjectAggregateRepository) FoldScore(subjectID uuid.UUID, encryptedSum []byte) error {
	query := `
		UPDATE subject_aggregates
		SET encrypted_score_sum = $2, rating_count = rating_count + 1, updated_at = $3
		WHERE subject_id = $1
	`

	result, err := r.db.Exec(query, subjectID, encryptedSum, time.Now())
	if err != nil {
		return fmt.Errorf("failed to fold score into aggregate: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read fold result: %w", err)
	}
	if rows == 0 {
		return ErrSubjectNotFound
	}

	return nil
}

// SetLastRevealed records the plaintext snapshot from an aggregate reveal
func (r *SubjectAggregateRepository) SetLastRevealed(subjectID uuid.UUID, sum uint64, revealedAt time.Time) error {
	query := `
		UPDATE subject_aggregates
		SET last_revealed_sum = $2, last_revealed_at = $3, updated_at = $3
		WHERE subject_id = $1
	`

	result, err := r.db.Exec(query, subjectID, int64(sum), revealedAt)
	if err != nil {
		return fmt.Errorf("failed to set last revealed sum: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 0 {
		return ErrSubjectNotFound
	}

	return nil
}

// AppendFingerprint appends a tag fingerprint to a subject's aggregate
func (r *SubjectAggregateRepository) AppendFingerprint(subjectID uuid.UUID, fingerprint []byte) error {
	query := `
		INSERT INTO tag_fingerprints (subject_id, fingerprint, created_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.db.Exec(query, subjectID, fingerprint, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append tag fingerprint: %w", err)
	}

	return nil
}

// GetFingerprints returns a subject's tag fingerprints in append order
func (r *SubjectAggregateRepository) GetFingerprints(subjectID uuid.UUID) ([][]byte, error) {
	query := `
		SELECT fingerprint
		FROM tag_fingerprints
		WHERE subject_id = $1
		ORDER BY id
	`

	rows, err := r.db.Query(query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tag fingerprints: %w", err)
	}
	defer rows.Close()

	var fingerprints [][]byte
	for rows.Next() {
		var fp []byte
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		fingerprints = append(fingerprints, fp)
	}

	return fingerprints, nil
}
