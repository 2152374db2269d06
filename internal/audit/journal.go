package audit

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when an entry doesn't exist.
var ErrNotFound = errors.New("entry not found")

// Journal provides tamper-evident rotation history using SQLite.
type Journal struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
	lastSeq  uint64
}

// Open opens or creates a journal at the given path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	// Load last entry state
	j := &Journal{db: db}
	if err := j.loadLastEntry(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			type      TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			data      TEXT NOT NULL,
			hash      TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_type ON entries(type);
		CREATE INDEX IF NOT EXISTS idx_entries_ts ON entries(ts);
	`)
	return err
}

func (j *Journal) loadLastEntry() error {
	row := j.db.QueryRow(`
		SELECT seq, hash FROM entries ORDER BY seq DESC LIMIT 1
	`)
	var seq uint64
	var hash string
	err := row.Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return nil // Empty journal
	}
	if err != nil {
		return fmt.Errorf("loading last entry: %w", err)
	}
	j.lastSeq = seq
	j.lastHash = hash
	return nil
}

// Append adds a new entry to the journal, returning the created entry.
func (j *Journal) Append(entryType EntryType, data any) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := NewEntry(j.lastSeq+1, j.lastHash, entryType, data)

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling data: %w", err)
	}

	_, err = j.db.Exec(`
		INSERT INTO entries (seq, ts, type, prev_hash, data, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Sequence, entry.Timestamp.Format(time.RFC3339Nano),
		entry.Type, entry.PrevHash, string(dataJSON), entry.Hash)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}

	j.lastSeq = entry.Sequence
	j.lastHash = entry.Hash

	return entry, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Get retrieves an entry by sequence number.
func (j *Journal) Get(seq uint64) (*Entry, error) {
	row := j.db.QueryRow(`
		SELECT seq, ts, type, prev_hash, data, hash
		FROM entries WHERE seq = ?
	`, seq)

	return scanEntry(row)
}

// Count returns the total number of entries.
func (j *Journal) Count() uint64 {
	var count uint64
	j.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count)
	return count
}

// Range retrieves entries from startSeq to endSeq (inclusive).
func (j *Journal) Range(startSeq, endSeq uint64) ([]*Entry, error) {
	rows, err := j.db.Query(`
		SELECT seq, ts, type, prev_hash, data, hash
		FROM entries WHERE seq >= ? AND seq <= ?
		ORDER BY seq
	`, startSeq, endSeq)
	if err != nil {
		return nil, fmt.Errorf("querying range: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify walks the whole chain, checking every entry's hash and its link to
// the previous entry. It returns nil for an intact (or empty) journal and a
// descriptive error at the first break.
func (j *Journal) Verify() error {
	j.mu.Lock()
	lastSeq := j.lastSeq
	j.mu.Unlock()

	if lastSeq == 0 {
		return nil
	}

	entries, err := j.Range(FirstSequence, lastSeq)
	if err != nil {
		return err
	}

	prevHash := ""
	expectSeq := FirstSequence
	for _, e := range entries {
		if e.Sequence != expectSeq {
			return fmt.Errorf("journal gap: entry %d follows %d", e.Sequence, expectSeq-1)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain broken at entry %d: prev_hash %s, want %s", e.Sequence, e.PrevHash, prevHash)
		}
		if !e.Verify() {
			return fmt.Errorf("entry %d hash mismatch: journal has been altered", e.Sequence)
		}
		prevHash = e.Hash
		expectSeq++
	}
	return nil
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var tsStr, dataStr string
	err := row.Scan(&e.Sequence, &tsStr, &e.Type, &e.PrevHash, &dataStr, &e.Hash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
	json.Unmarshal([]byte(dataStr), &e.Data)
	// The stored text is the canonical JSON the hash was computed over.
	e.dataJSON = []byte(dataStr)
	return &e, nil
}

func scanEntryRows(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var tsStr, dataStr string
	err := rows.Scan(&e.Sequence, &tsStr, &e.Type, &e.PrevHash, &dataStr, &e.Hash)
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}

	e.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
	json.Unmarshal([]byte(dataStr), &e.Data)
	e.dataJSON = []byte(dataStr)
	return &e, nil
}
