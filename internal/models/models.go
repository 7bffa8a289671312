package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RequestKind discriminates pending decryption requests. The callback
// decode step dispatches on it, so every pending row carries exactly one
// of the two values.
type RequestKind string

const (
	KindRecordReveal    RequestKind = "record_reveal"
	KindAggregateReveal RequestKind = "aggregate_reveal"
)

// Event types emitted into the append-only event log.
const (
	EventRecordCreated            = "record_created"
	EventDecryptionRequested      = "decryption_requested"
	EventRecordRevealed           = "record_revealed"
	EventAggregateRevealRequested = "aggregate_reveal_requested"
	EventAggregateRevealed        = "aggregate_revealed"
	EventRequestExpired           = "request_expired"
)

// User represents a registered account
type User struct {
	ID           uint       `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	PasswordHash string     `json:"-" db:"password_hash"`
	IsActive     bool       `json:"is_active" db:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Role represents a user role
type Role struct {
	ID          uint      `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// UserWithRoles extends User with role information
type UserWithRoles struct {
	User
	Roles []Role `json:"roles"`
}

// EncryptedRecord is one submitted rating: two opaque ciphertext handles
// bound to a subject. Immutable once created; only the associated
// RevealState ever changes.
type EncryptedRecord struct {
	ID             int64     `json:"id" db:"id"`
	SubjectID      uuid.UUID `json:"subject_id" db:"subject_id"`
	EncryptedScore []byte    `json:"encrypted_score" db:"encrypted_score"`
	EncryptedTags  []byte    `json:"encrypted_tags" db:"encrypted_tags"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// RevealState is the reveal slot of one record. The zero value
// (0, "", false) is the valid "never revealed" answer, not an error.
// Once Revealed is true the triple is immutable.
type RevealState struct {
	RecordID   int64      `json:"record_id" db:"record_id"`
	Score      uint32     `json:"score" db:"score"`
	Tags       string     `json:"tags" db:"tags"`
	Revealed   bool       `json:"revealed" db:"revealed"`
	RevealedAt *time.Time `json:"revealed_at,omitempty" db:"revealed_at"`
}

// PendingRequest maps an oracle-issued request id to its decryption target.
// Exactly one of TargetRecordID / TargetSubjectID is set, matching Kind.
// The row is consumed exactly once by the matching callback.
type PendingRequest struct {
	RequestID       uint64      `json:"request_id" db:"request_id"`
	Kind            RequestKind `json:"kind" db:"kind"`
	TargetRecordID  *int64      `json:"target_record_id,omitempty" db:"target_record_id"`
	TargetSubjectID *uuid.UUID  `json:"target_subject_id,omitempty" db:"target_subject_id"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
}

// SubjectAggregate is the per-subject ledger row. EncryptedScoreSum is nil
// until the first revealed record contributes; after that it is only ever
// combined with new encrypted contributions.
type SubjectAggregate struct {
	SubjectID         uuid.UUID  `json:"subject_id" db:"subject_id"`
	EncryptedScoreSum []byte     `json:"encrypted_score_sum,omitempty" db:"encrypted_score_sum"`
	RatingCount       int64      `json:"rating_count" db:"rating_count"`
	LastRevealedSum   *uint64    `json:"last_revealed_sum,omitempty" db:"last_revealed_sum"`
	LastRevealedAt    *time.Time `json:"last_revealed_at,omitempty" db:"last_revealed_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// SubjectAggregateView is the read model returned by the aggregate query,
// including the ordered tag fingerprints as hex strings.
type SubjectAggregateView struct {
	SubjectID         uuid.UUID  `json:"subject_id"`
	Initialized       bool       `json:"initialized"`
	EncryptedScoreSum []byte     `json:"encrypted_score_sum,omitempty"`
	RatingCount       int64      `json:"rating_count"`
	TagFingerprints   []string   `json:"tag_fingerprints"`
	LastRevealedSum   *uint64    `json:"last_revealed_sum,omitempty"`
	LastRevealedAt    *time.Time `json:"last_revealed_at,omitempty"`
}

// Event is one hash-chained entry of the append-only event log
type Event struct {
	ID        int64           `json:"id" db:"id"`
	EventType string          `json:"event_type" db:"event_type"`
	RecordID  *int64          `json:"record_id,omitempty" db:"record_id"`
	SubjectID *uuid.UUID      `json:"subject_id,omitempty" db:"subject_id"`
	RequestID *uint64         `json:"request_id,omitempty" db:"request_id"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	PrevHash  string          `json:"prev_hash" db:"prev_hash"`
	ChainHash string          `json:"chain_hash" db:"chain_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ChainVerification is the result of re-walking the event hash chain
type ChainVerification struct {
	Valid      bool     `json:"valid"`
	EventCount int      `json:"event_count"`
	Problems   []string `json:"problems,omitempty"`
}
