package testutil

import (
	"database/sql"
	"testing"

	"veilrate/internal/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// FixturePassword is the plaintext password of every fixture user
const FixturePassword = "password123"

// Fixtures holds test data
type Fixtures struct {
	DB           *sql.DB
	RaterUser    *models.User
	AuditorUser  *models.User
	InactiveUser *models.User
	SubjectID    uuid.UUID
}

// SetupFixtures creates test users and a subject to rate. Roles come from
// the migration seed, not from fixtures.
func SetupFixtures(t *testing.T, db *sql.DB) *Fixtures {
	t.Helper()

	fixtures := &Fixtures{
		DB:        db,
		SubjectID: uuid.New(),
	}

	raterRole := getRole(t, db, "rater")
	auditorRole := getRole(t, db, "auditor")

	fixtures.RaterUser = createUser(t, db, "rater@test.com", true, []uint{raterRole.ID})
	fixtures.AuditorUser = createUser(t, db, "auditor@test.com", true, []uint{raterRole.ID, auditorRole.ID})
	fixtures.InactiveUser = createUser(t, db, "inactive@test.com", false, []uint{raterRole.ID})

	return fixtures
}

// Cleanup removes all test data
func (f *Fixtures) Cleanup(t *testing.T) {
	t.Helper()

	// Cleanup is handled by container termination
	// Data is not persisted between tests
}

// getRole fetches a role seeded by the migrations
func getRole(t *testing.T, db *sql.DB, name string) *models.Role {
	t.Helper()

	var role models.Role
	err := db.QueryRow(
		"SELECT id, name, description, created_at, updated_at FROM roles WHERE name = $1",
		name,
	).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt)

	if err != nil {
		t.Fatalf("Failed to get role %s: %v", name, err)
	}

	return &role
}

// createUser creates a user with specified roles
func createUser(t *testing.T, db *sql.DB, email string, isActive bool, roleIDs []uint) *models.User {
	t.Helper()

	// Hash password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(FixturePassword), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	// Create user
	var user models.User
	err = db.QueryRow(`
		INSERT INTO users (email, password_hash, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, email, is_active, created_at, updated_at
	`, email, string(hashedPassword), isActive).Scan(
		&user.ID, &user.Email, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)

	if err != nil {
		t.Fatalf("Failed to create user %s: %v", email, err)
	}

	// Assign roles
	for _, roleID := range roleIDs {
		_, err := db.Exec("INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)", user.ID, roleID)
		if err != nil {
			t.Fatalf("Failed to assign role %d to user %s: %v", roleID, email, err)
		}
	}

	return &user
}

// CreateRecord inserts an encrypted record directly, bypassing the service
// layer, for tests that need a known starting state
func (f *Fixtures) CreateRecord(t *testing.T, subjectID uuid.UUID, encryptedScore, encryptedTags []byte) *models.EncryptedRecord {
	t.Helper()

	record := &models.EncryptedRecord{
		SubjectID:      subjectID,
		EncryptedScore: encryptedScore,
		EncryptedTags:  encryptedTags,
	}

	err := f.DB.QueryRow(`
		INSERT INTO records (subject_id, encrypted_score, encrypted_tags)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, record.SubjectID, record.EncryptedScore, record.EncryptedTags).Scan(
		&record.ID, &record.CreatedAt,
	)

	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}

	return record
}

// CountEvents returns how many events of a type the log holds
func (f *Fixtures) CountEvents(t *testing.T, eventType string) int {
	t.Helper()

	var count int
	err := f.DB.QueryRow("SELECT COUNT(*) FROM events WHERE event_type = $1", eventType).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count %s events: %v", eventType, err)
	}

	return count
}
