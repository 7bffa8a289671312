package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veilrate/internal/models"
)

var ErrRequestNotFound = errors.New("pending request not found")

// PendingRequestRepository handles the correlation rows that tie an oracle
// request id to its target. Request ids are uint64 on the wire and stored
// as BIGINT, reinterpreted through two's complement at this boundary.
type PendingRequestRepository struct {
	db Querier
}

// NewPendingRequestRepository creates a new pending request repository
func NewPendingRequestRepository(db Querier) *PendingRequestRepository {
	return &PendingRequestRepository{db: db}
}

// Create inserts a pending request row
func (r *PendingRequestRepository) Create(req *models.PendingRequest) error {
	query := `
		INSERT INTO pending_requests (request_id, kind, target_record_id, target_subject_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	now := time.Now()
	_, err := r.db.Exec(
		query,
		int64(req.RequestID),
		string(req.Kind),
		req.TargetRecordID,
		req.TargetSubjectID,
		now,
		req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending request: %w", err)
	}

	req.CreatedAt = now
	return nil
}

// GetForUpdate locks and returns a pending request. Only meaningful inside
// a transaction; the lock serializes concurrent callbacks for the same id.
func (r *PendingRequestRepository) GetForUpdate(requestID uint64) (*models.PendingRequest, error) {
	query := `
		SELECT request_id, kind, target_record_id, target_subject_id, created_at, expires_at
		FROM pending_requests
		WHERE request_id = $1
		FOR UPDATE
	`

	req := &models.PendingRequest{}
	var storedID int64
	var kind string
	err := r.db.QueryRow(query, int64(requestID)).Scan(
		&storedID,
		&kind,
		&req.TargetRecordID,
		&req.TargetSubjectID,
		&req.CreatedAt,
		&req.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}

	req.RequestID = uint64(storedID)
	req.Kind = models.RequestKind(kind)
	return req, nil
}

// Delete consumes a pending request row
func (r *PendingRequestRepository) Delete(requestID uint64) error {
	query := `DELETE FROM pending_requests WHERE request_id = $1`

	result, err := r.db.Exec(query, int64(requestID))
	if err != nil {
		return fmt.Errorf("failed to delete pending request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}
	if rows == 0 {
		return ErrRequestNotFound
	}

	return nil
}

// DeleteExpired removes all requests whose deadline has passed and returns
// them so the caller can record the expiries
func (r *PendingRequestRepository) DeleteExpired(now time.Time) ([]models.PendingRequest, error) {
	query := `
		DELETE FROM pending_requests
		WHERE expires_at IS NOT NULL AND expires_at < $1
		RETURNING request_id, kind, target_record_id, target_subject_id, created_at, expires_at
	`

	rows, err := r.db.Query(query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired requests: %w", err)
	}
	defer rows.Close()

	var expired []models.PendingRequest
	for rows.Next() {
		var req models.PendingRequest
		var storedID int64
		var kind string
		if err := rows.Scan(&storedID, &kind, &req.TargetRecordID, &req.TargetSubjectID, &req.CreatedAt, &req.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan expired request: %w", err)
		}
		req.RequestID = uint64(storedID)
		req.Kind = models.RequestKind(kind)
		expired = append(expired, req)
	}

	return expired, nil
}

// CountOpen returns the number of requests awaiting a callback
func (r *PendingRequestRepository) CountOpen() (int64, error) {
	query := `SELECT COUNT(*) FROM pending_requests`

	var count int64
	err := r.db.QueryRow(query).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}

	return count, nil
}
