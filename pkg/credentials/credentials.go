// Package credentials keeps a short-lived credential bundle fresh in memory.
//
// The core type is RotatingProvider: it holds an ExpiringCredentials snapshot
// obtained through a caller-supplied Retriever and replaces it from a single
// background goroutine before it expires. Readers call Credentials at any
// time and never block on a refresh; lifecycle control is explicit through
// Start, Shutdown, and WaitUntilStopped.
package credentials

import "time"

const (
	// RefreshBuffer is how long before expiration a refresh attempt begins.
	RefreshBuffer = 5 * time.Minute

	// ShortRetryInterval delays the next attempt after a failed refresh
	// while the served credentials are still valid.
	ShortRetryInterval = time.Minute

	// LongRetryInterval delays the next attempt after a failed refresh once
	// the served credentials have already expired.
	LongRetryInterval = time.Hour
)

// ExpiringCredentials is an immutable snapshot of a credential bundle.
// A zero Expiration means the credentials never expire. A refresh produces a
// new value; snapshots are never mutated in place.
type ExpiringCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// CanExpire reports whether the credentials carry an expiration.
func (c ExpiringCredentials) CanExpire() bool {
	return !c.Expiration.IsZero()
}

// Expired reports whether the credentials have expired as of the given time.
// Credentials without an expiration never expire.
func (c ExpiringCredentials) Expired(at time.Time) bool {
	return c.CanExpire() && !c.Expiration.After(at)
}

// A Provider serves the current credential snapshot. RotatingProvider is the
// rotating implementation; consumers that only read credentials should accept
// this interface.
type Provider interface {
	Credentials() ExpiringCredentials
}
