package repository_test

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/google/uuid"

	"veilrate/internal/models"
	"veilrate/internal/repository"
	"veilrate/internal/testutil"
)

// appendEvent writes one event through its own transaction, the way the
// services do: Append takes an advisory lock that is only released when
// the surrounding transaction commits.
func appendEvent(t *testing.T, db *sql.DB, event *models.Event) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}

	repo := repository.NewEventRepository(tx)
	if err := repo.Append(event); err != nil {
		tx.Rollback()
		t.Fatalf("Failed to append event: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit event: %v", err)
	}
}

func appendSampleChain(t *testing.T, db *sql.DB, subjectID uuid.UUID) []*models.Event {
	t.Helper()

	recordID := int64(1)
	requestID := uint64(7001)

	events := []*models.Event{
		{
			EventType: models.EventRecordCreated,
			RecordID:  &recordID,
			SubjectID: &subjectID,
		},
		{
			EventType: models.EventDecryptionRequested,
			RecordID:  &recordID,
			RequestID: &requestID,
		},
		{
			EventType: models.EventRecordRevealed,
			RecordID:  &recordID,
			SubjectID: &subjectID,
			RequestID: &requestID,
			Payload:   []byte(`{"score":4}`),
		},
	}

	for _, event := range events {
		appendEvent(t, db, event)
	}

	return events
}

func TestEventChainLinks(t *testing.T) {
	containers := testutil.SetupTestContainers(t)
	defer containers.Cleanup(t)

	events := appendSampleChain(t, containers.DB, uuid.New())
	repo := repository.NewEventRepository(containers.DB)

	genesis := strings.Repeat("0", 64)
	if events[0].PrevHash != genesis {
		t.Errorf("Expected first event to link to the genesis hash, got %q", events[0].PrevHash)
	}

	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].ChainHash {
			t.Errorf("Event %d prev_hash %q does not match predecessor chain_hash %q",
				events[i].ID, events[i].PrevHash, events[i-1].ChainHash)
		}
	}

	for _, event := range events {
		if len(event.ChainHash) != 64 {
			t.Errorf("Event %d chain_hash has length %d, expected 64", event.ID, len(event.ChainHash))
		}
	}

	verification, err := repo.VerifyChain()
	if err != nil {
		t.Fatalf("Failed to verify chain: %v", err)
	}
	if !verification.Valid {
		t.Errorf("Expected untouched chain to verify, problems: %v", verification.Problems)
	}
	if verification.EventCount != len(events) {
		t.Errorf("Expected event count %d, got %d", len(events), verification.EventCount)
	}

	// Paging walks the chain in id order from a cursor
	all, err := repo.List(0, 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(all) != len(events) {
		t.Fatalf("Expected %d events, got %d", len(events), len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("Events out of order: id %d after id %d", all[i].ID, all[i-1].ID)
		}
	}

	tail, err := repo.List(all[0].ID, 10)
	if err != nil {
		t.Fatalf("Failed to list events after cursor: %v", err)
	}
	if len(tail) != len(events)-1 {
		t.Fatalf("Expected %d events after cursor, got %d", len(events)-1, len(tail))
	}
	if tail[0].ID != all[1].ID {
		t.Errorf("Expected paging to resume at event %d, got %d", all[1].ID, tail[0].ID)
	}

	empty, err := repo.List(all[len(all)-1].ID, 10)
	if err != nil {
		t.Fatalf("Failed to list events past the end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no events past the end, got %d", len(empty))
	}

	t.Log("✅ PASS: Events link into a verifiable chain from the genesis hash")
}

func TestEventChainTamperDetection(t *testing.T) {
	containers := testutil.SetupTestContainers(t)
	defer containers.Cleanup(t)

	events := appendSampleChain(t, containers.DB, uuid.New())
	repo := repository.NewEventRepository(containers.DB)
	tampered := events[1]

	t.Run("ForgedPayload", func(t *testing.T) {
		var original string
		err := containers.DB.QueryRow(`SELECT payload FROM events WHERE id = $1`, tampered.ID).Scan(&original)
		if err != nil {
			t.Fatalf("Failed to read original payload: %v", err)
		}

		_, err = containers.DB.Exec(`UPDATE events SET payload = '{"forged":true}' WHERE id = $1`, tampered.ID)
		if err != nil {
			t.Fatalf("Failed to tamper with event: %v", err)
		}

		verification, err := repo.VerifyChain()
		if err != nil {
			t.Fatalf("Failed to verify chain: %v", err)
		}
		if verification.Valid {
			t.Error("Expected verification to fail after payload edit")
		}
		if len(verification.Problems) != 1 {
			t.Fatalf("Expected exactly one problem, got %v", verification.Problems)
		}
		if !strings.Contains(verification.Problems[0], "chain hash mismatch") {
			t.Errorf("Expected a chain hash mismatch, got %q", verification.Problems[0])
		}

		// Verification only reads, so undoing the edit heals the chain
		_, err = containers.DB.Exec(`UPDATE events SET payload = $1 WHERE id = $2`, original, tampered.ID)
		if err != nil {
			t.Fatalf("Failed to restore payload: %v", err)
		}

		verification, err = repo.VerifyChain()
		if err != nil {
			t.Fatalf("Failed to verify chain: %v", err)
		}
		if !verification.Valid {
			t.Errorf("Expected chain to verify after restore, problems: %v", verification.Problems)
		}

		t.Log("✅ PASS: Payload edits are caught by chain verification")
	})

	t.Run("BrokenLink", func(t *testing.T) {
		_, err := containers.DB.Exec(`UPDATE events SET chain_hash = $1 WHERE id = $2`,
			strings.Repeat("f", 64), tampered.ID)
		if err != nil {
			t.Fatalf("Failed to tamper with event: %v", err)
		}

		verification, err := repo.VerifyChain()
		if err != nil {
			t.Fatalf("Failed to verify chain: %v", err)
		}
		if verification.Valid {
			t.Error("Expected verification to fail after chain_hash rewrite")
		}

		// The rewritten hash no longer matches its own content, and the
		// successor no longer links to it
		var ownMismatch, successorMismatch bool
		for _, problem := range verification.Problems {
			if strings.Contains(problem, "chain hash mismatch") {
				ownMismatch = true
			}
			if strings.Contains(problem, "previous hash mismatch") {
				successorMismatch = true
			}
		}
		if !ownMismatch {
			t.Errorf("Expected a chain hash mismatch, got %v", verification.Problems)
		}
		if !successorMismatch {
			t.Errorf("Expected the successor to report a previous hash mismatch, got %v", verification.Problems)
		}

		t.Log("✅ PASS: Rewriting a stored hash breaks the link to the next event")
	})
}
