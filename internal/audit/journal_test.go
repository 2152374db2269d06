package audit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournal_OpenClose(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")

	j, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	// Verify file was created
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("Database file not created: %v", err)
	}
}

func TestJournal_Append_FirstEntry(t *testing.T) {
	j := newTestJournal(t)
	defer j.Close()

	entry, err := j.Append(EntryProviderStart, ProviderStartData{Source: "sts-assume-role", AccessKeyID: "AKIA1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if entry.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", entry.Sequence)
	}
	if entry.PrevHash != "" {
		t.Errorf("PrevHash = %q, want empty for first entry", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Hash should not be empty")
	}
}

func TestJournal_Append_ChainedEntries(t *testing.T) {
	j := newTestJournal(t)
	defer j.Close()

	e1, err := j.Append(EntryProviderStart, ProviderStartData{Source: "sts-assume-role", AccessKeyID: "AKIA1"})
	if err != nil {
		t.Fatalf("Append e1: %v", err)
	}
	e2, err := j.Append(EntryRotation, RotationData{Source: "sts-assume-role", AccessKeyID: "AKIA2", DurationMs: 80})
	if err != nil {
		t.Fatalf("Append e2: %v", err)
	}
	e3, err := j.Append(EntryRotationFailure, RotationFailureData{Source: "sts-assume-role", Error: "throttled", DurationMs: 15})
	if err != nil {
		t.Fatalf("Append e3: %v", err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("e2.PrevHash = %s, want %s", e2.PrevHash, e1.Hash)
	}
	if e3.PrevHash != e2.Hash {
		t.Errorf("e3.PrevHash = %s, want %s", e3.PrevHash, e2.Hash)
	}
	if e3.Sequence != 3 {
		t.Errorf("e3.Sequence = %d, want 3", e3.Sequence)
	}
}

func TestJournal_PersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")

	// First session: create entries
	j1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := j1.Append(EntryProviderStart, ProviderStartData{Source: "keyring"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2, err := j1.Append(EntryRotation, RotationData{Source: "keyring", AccessKeyID: "AKIA2"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	j1.Close()

	// Second session: reopen and continue chain
	j2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer j2.Close()

	e3, err := j2.Append(EntryProviderStop, ProviderStopData{Source: "keyring"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	// Verify chain continues correctly
	if e3.Sequence != 3 {
		t.Errorf("e3.Sequence = %d, want 3", e3.Sequence)
	}
	if e3.PrevHash != e2.Hash {
		t.Errorf("e3.PrevHash = %s, want %s (chain broken)", e3.PrevHash, e2.Hash)
	}
}

func TestJournal_GetAndRange(t *testing.T) {
	j := newTestJournal(t)
	defer j.Close()

	for i := 0; i < 5; i++ {
		if _, err := j.Append(EntryRotation, RotationData{Source: "sts-assume-role", AccessKeyID: "AKIA"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	e, err := j.Get(3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Sequence != 3 {
		t.Errorf("Sequence = %d, want 3", e.Sequence)
	}
	if !e.Verify() {
		t.Error("entry read back from database should verify")
	}

	if _, err := j.Get(99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(99) = %v, want ErrNotFound", err)
	}

	entries, err := j.Range(2, 4)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Range returned %d entries, want 3", len(entries))
	}
	if entries[0].Sequence != 2 || entries[2].Sequence != 4 {
		t.Errorf("Range sequences = %d..%d, want 2..4", entries[0].Sequence, entries[2].Sequence)
	}

	if got := j.Count(); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
}

func TestJournal_VerifyIntactChain(t *testing.T) {
	j := newTestJournal(t)
	defer j.Close()

	if err := j.Verify(); err != nil {
		t.Errorf("Verify on empty journal = %v, want nil", err)
	}

	j.Append(EntryProviderStart, ProviderStartData{Source: "sts-assume-role", AccessKeyID: "AKIA1"})
	j.Append(EntryRotation, RotationData{Source: "sts-assume-role", AccessKeyID: "AKIA2", DurationMs: 64})
	j.Append(EntryProviderStop, ProviderStopData{Source: "sts-assume-role"})

	if err := j.Verify(); err != nil {
		t.Errorf("Verify = %v, want nil", err)
	}
}

func TestJournal_VerifyDetectsAlteredRow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "journal.db")

	j, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j.Append(EntryRotation, RotationData{Source: "sts-assume-role", AccessKeyID: "AKIA1"})
	j.Append(EntryRotation, RotationData{Source: "sts-assume-role", AccessKeyID: "AKIA2"})

	// Tamper with a stored row behind the journal's back
	if _, err := j.db.Exec(`UPDATE entries SET data = ? WHERE seq = 1`,
		`{"access_key_id":"AKIAFORGED","duration_ms":0,"source":"sts-assume-role"}`); err != nil {
		t.Fatalf("tampering update: %v", err)
	}

	if err := j.Verify(); err == nil {
		t.Error("Verify should detect an altered entry")
	}
	j.Close()
}

func TestJournal_TimestampsAreUTC(t *testing.T) {
	j := newTestJournal(t)
	defer j.Close()

	before := time.Now().UTC().Add(-time.Second)
	e, err := j.Append(EntryRotation, RotationData{Source: "env"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	after := time.Now().UTC().Add(time.Second)

	if e.Timestamp.Before(before) || e.Timestamp.After(after) {
		t.Errorf("Timestamp %v outside expected window", e.Timestamp)
	}
}

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return j
}
