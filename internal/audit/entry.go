// Package audit provides a tamper-evident journal of credential rotation
// activity. Entries are hash-chained so truncation or edits after the fact
// are detectable.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/seanpm2001/smoke-aws-credentials/internal/log"
)

// EntryType identifies the kind of journal entry.
type EntryType string

const (
	EntryProviderStart   EntryType = "provider_start"
	EntryRotation        EntryType = "rotation"
	EntryRotationFailure EntryType = "rotation_failure"
	EntryProviderStop    EntryType = "provider_stop"
	EntryStore           EntryType = "store"
	EntryErase           EntryType = "erase"
)

// FirstSequence is the sequence number of the first entry in a journal.
// Sequences are 1-indexed to distinguish "no previous entry" (seq=0) from the first entry.
const FirstSequence uint64 = 1

// The data structs keep their fields in alphabetical JSON-key order so an
// entry hashes identically whether the data is the original struct or the
// sorted-key map a JSON round-trip produces.

// ProviderStartData records a provider beginning to serve credentials.
type ProviderStartData struct {
	AccessKeyID string `json:"access_key_id"`
	Expiration  string `json:"expiration,omitempty"` // RFC3339; empty when never expiring
	Source      string `json:"source"`
}

// RotationData records a successful credential refresh.
type RotationData struct {
	AccessKeyID string `json:"access_key_id"`
	DurationMs  int64  `json:"duration_ms"`
	Expiration  string `json:"expiration,omitempty"`
	Source      string `json:"source"`
}

// RotationFailureData records a failed refresh attempt.
type RotationFailureData struct {
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
	Source     string `json:"source"`
}

// ProviderStopData records a provider shutting down.
type ProviderStopData struct {
	Error  string `json:"error,omitempty"` // teardown failure, if any
	Source string `json:"source"`
}

// StoreData records a credential document written to the keyring.
// The secret key itself is never journaled.
type StoreData struct {
	AccessKeyID string `json:"access_key_id"`
	Backend     string `json:"backend"`
	Profile     string `json:"profile"`
}

// EraseData records a credential document removed from the keyring.
type EraseData struct {
	Backend string `json:"backend"`
	Profile string `json:"profile"`
}

// Entry represents a single hash-chained journal entry.
type Entry struct {
	Sequence  uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Type      EntryType `json:"type"`
	PrevHash  string    `json:"prev"`
	// Data must be JSON-serializable. Non-serializable values (e.g., channels,
	// functions, cycles) will marshal as null, which may cause hash collisions.
	Data any    `json:"data"`
	Hash string `json:"hash"`
	// dataJSON stores the canonical JSON used for hashing. This ensures hash
	// verification works correctly after database round-trips, where Data
	// becomes map[string]any (which marshals with sorted keys, unlike structs).
	dataJSON []byte `json:"-"`
}

// NewEntry creates a new entry with computed hash.
func NewEntry(seq uint64, prevHash string, entryType EntryType, data any) *Entry {
	return newEntryWithTimestamp(seq, prevHash, entryType, data, time.Now().UTC())
}

// newEntryWithTimestamp creates an entry with a specific timestamp (for testing).
// Note: If data fails to marshal, it will be stored as null and logged as a warning.
// Journal.Append validates marshaling before calling this, so failures here are rare.
func newEntryWithTimestamp(seq uint64, prevHash string, entryType EntryType, data any, ts time.Time) *Entry {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.Warn("failed to marshal entry data", "type", entryType, "error", err)
		dataJSON = []byte("null")
	}
	e := &Entry{
		Sequence:  seq,
		Timestamp: ts,
		Type:      entryType,
		PrevHash:  prevHash,
		Data:      data,
		dataJSON:  dataJSON,
	}
	e.Hash = e.computeHash()
	return e
}

// computeHash calculates SHA-256(seq || ts || type || prev || data).
func (e *Entry) computeHash() string {
	h := sha256.New()

	// Sequence (8 bytes, big endian)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, e.Sequence)
	h.Write(seqBytes)

	// Timestamp (RFC3339)
	h.Write([]byte(e.Timestamp.Format(time.RFC3339Nano)))

	// Type
	h.Write([]byte(e.Type))

	// PrevHash
	h.Write([]byte(e.PrevHash))

	// Data (JSON encoded) - use stored dataJSON if available for consistency
	// after database round-trips where Data becomes map[string]any
	dataBytes := e.dataJSON
	if dataBytes == nil {
		var err error
		dataBytes, err = json.Marshal(e.Data)
		if err != nil {
			log.Warn("failed to marshal entry data for hash", "seq", e.Sequence, "error", err)
			dataBytes = []byte("null")
		}
	}
	h.Write(dataBytes)

	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks if the entry's hash is valid.
func (e *Entry) Verify() bool {
	return e.Hash == e.computeHash()
}

// UnmarshalJSON implements custom JSON unmarshaling to set dataJSON.
// This ensures hash verification works after JSON round-trips.
func (e *Entry) UnmarshalJSON(data []byte) error {
	// Use a type alias to avoid infinite recursion
	type Alias Entry
	aux := &struct {
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	// Set dataJSON from the unmarshaled Data for hash verification
	var err error
	e.dataJSON, err = json.Marshal(e.Data)
	if err != nil {
		log.Warn("failed to marshal entry data after unmarshal", "seq", e.Sequence, "error", err)
		e.dataJSON = []byte("null")
	}
	return nil
}
