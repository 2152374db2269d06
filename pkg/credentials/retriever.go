package credentials

import "context"

// A Retriever fetches one credential snapshot per Retrieve call. It is the
// only thing a RotatingProvider knows about the issuing side: implementations
// wrap an STS call, a metadata endpoint, a secrets store, or anything else
// that can produce a bundle.
//
// Retrieve must be safe to call repeatedly and must not retry internally; the
// provider owns the retry policy. Close releases retriever-owned resources
// and must be idempotent. The provider imposes no deadline on Retrieve — a
// slow fetch stalls only the background refresh, never readers.
type Retriever interface {
	Retrieve(ctx context.Context) (ExpiringCredentials, error)
	Close() error
}

// StaticRetriever returns the same credentials on every call. When the value
// carries no expiration, a provider built on it never schedules a rotation.
type StaticRetriever struct {
	Credentials ExpiringCredentials
}

// Retrieve returns the fixed credentials.
func (s StaticRetriever) Retrieve(context.Context) (ExpiringCredentials, error) {
	return s.Credentials, nil
}

// Close is a no-op.
func (s StaticRetriever) Close() error { return nil }
