package audit

import (
	"context"
	"time"

	"github.com/seanpm2001/smoke-aws-credentials/internal/log"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

// WrapRetriever decorates a retriever so every fetch outcome is journaled.
// Journal failures are logged and swallowed: the journal records rotation,
// it never blocks it. The journal's own lifetime is the caller's; Close on
// the returned retriever closes only the wrapped one.
func (j *Journal) WrapRetriever(source string, r credentials.Retriever) credentials.Retriever {
	return &journaledRetriever{inner: r, journal: j, source: source}
}

type journaledRetriever struct {
	inner   credentials.Retriever
	journal *Journal
	source  string
}

func (r *journaledRetriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	start := time.Now()
	creds, err := r.inner.Retrieve(ctx)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if _, appendErr := r.journal.Append(EntryRotationFailure, RotationFailureData{
			Source:     r.source,
			Error:      err.Error(),
			DurationMs: elapsed,
		}); appendErr != nil {
			log.Warn("journaling rotation failure failed", "error", appendErr)
		}
		return credentials.ExpiringCredentials{}, err
	}

	data := RotationData{
		Source:      r.source,
		AccessKeyID: creds.AccessKeyID,
		DurationMs:  elapsed,
	}
	if creds.CanExpire() {
		data.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
	}
	if _, appendErr := r.journal.Append(EntryRotation, data); appendErr != nil {
		log.Warn("journaling rotation failed", "error", appendErr)
	}
	return creds, nil
}

func (r *journaledRetriever) Close() error {
	return r.inner.Close()
}
