// Package filecreds re-reads an AWS shared credentials file on a fixed
// cadence, picking up keys written by an external rotator such as an agent
// refreshing ~/.aws/credentials.
package filecreds

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/benbjohnson/clock"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const (
	retrieverName = "shared-credentials-file"

	sharedCredentialsFileEnvVar = "AWS_SHARED_CREDENTIALS_FILE"
)

// DefaultRotationInterval is the synthetic lifetime stamped on credentials
// read from the file. The file itself carries no expiration, so this is what
// drives re-reads.
const DefaultRotationInterval = 15 * time.Minute

// Retriever reads one profile from the shared credentials file on every
// Retrieve call.
type Retriever struct {
	files    []string
	profile  string
	interval time.Duration
	clock    clock.Clock
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithProfile selects the profile to read instead of the default one.
func WithProfile(profile string) Option {
	return func(r *Retriever) { r.profile = profile }
}

// WithRotationInterval overrides the synthetic lifetime. Zero disables
// stamping, yielding non-expiring credentials that are read exactly once.
func WithRotationInterval(interval time.Duration) Option {
	return func(r *Retriever) { r.interval = interval }
}

// WithClock substitutes the clock used to stamp synthetic expirations.
func WithClock(c clock.Clock) Option {
	return func(r *Retriever) { r.clock = c }
}

// New builds a retriever over the given credentials files. An empty list
// falls back to AWS_SHARED_CREDENTIALS_FILE and then the SDK default paths.
func New(files []string, opts ...Option) *Retriever {
	if len(files) == 0 {
		if f, ok := os.LookupEnv(sharedCredentialsFileEnvVar); ok {
			files = []string{f}
		} else {
			files = config.DefaultSharedCredentialsFiles
		}
	}
	r := &Retriever{
		files:    files,
		profile:  config.DefaultSharedConfigProfile,
		interval: DefaultRotationInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	return r
}

// Retrieve parses the credentials files and returns the selected profile's
// keys, stamped with a synthetic expiration of now+interval.
func (r *Retriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	shared, err := config.LoadSharedConfigProfile(ctx, r.profile, func(o *config.LoadSharedConfigOptions) {
		o.ConfigFiles = []string{}
		o.CredentialsFiles = r.files
	})
	if err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("loading profile %s: %w", r.profile, err))
	}
	if !shared.Credentials.HasKeys() {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("profile %s has no credentials in %v", r.profile, r.files))
	}

	creds := credentials.ExpiringCredentials{
		AccessKeyID:     shared.Credentials.AccessKeyID,
		SecretAccessKey: shared.Credentials.SecretAccessKey,
		SessionToken:    shared.Credentials.SessionToken,
	}
	if r.interval > 0 {
		creds.Expiration = r.clock.Now().Add(r.interval)
	}
	return creds, nil
}

// Close is a no-op; files are opened and closed within each Retrieve.
func (r *Retriever) Close() error { return nil }

func (r *Retriever) fail(cause error) error {
	return &credentials.RetrievalError{Source: retrieverName, Cause: cause}
}
