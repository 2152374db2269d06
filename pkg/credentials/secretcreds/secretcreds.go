// Package secretcreds retrieves credentials stored as a JSON document in AWS
// Secrets Manager, for deployments that rotate keys through a secret rather
// than STS.
package secretcreds

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/benbjohnson/clock"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const retrieverName = "secrets-manager"

// DefaultTTL is the synthetic lifetime stamped on secrets whose document
// carries no Expiration of its own. Rotation then re-reads the secret on that
// cadence and picks up values written by an external rotator.
const DefaultTTL = 15 * time.Minute

// SecretsManagerAPI is the slice of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Retriever reads one secret on every Retrieve call.
type Retriever struct {
	client   SecretsManagerAPI
	secretID string
	ttl      time.Duration
	clock    clock.Clock
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithTTL overrides the synthetic lifetime used when the secret document has
// no Expiration. Zero disables stamping, yielding non-expiring credentials.
func WithTTL(ttl time.Duration) Option {
	return func(r *Retriever) { r.ttl = ttl }
}

// WithClock substitutes the clock used to stamp synthetic expirations.
func WithClock(c clock.Clock) Option {
	return func(r *Retriever) { r.clock = c }
}

// New builds a retriever over an existing Secrets Manager client.
func New(client SecretsManagerAPI, secretID string, opts ...Option) (*Retriever, error) {
	if secretID == "" {
		return nil, fmt.Errorf("secret id is required")
	}
	r := &Retriever{client: client, secretID: secretID, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	return r, nil
}

// Config carries the optional client settings for NewFromConfig. Zero values
// fall back to the SDK's shared config resolution.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewFromConfig builds the Secrets Manager client from shared AWS config,
// applying any overrides, then wraps it in a retriever.
func NewFromConfig(ctx context.Context, secretID string, cfg Config, opts ...Option) (*Retriever, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awscredentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(client, secretID, opts...)
}

// secretDocument is the JSON shape stored in the secret. The spellings match
// the container credential document so the same secret can feed either path.
type secretDocument struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// Retrieve fetches the current secret value and decodes it. Documents without
// an Expiration get a synthetic one of now+TTL so rotation keeps polling.
func (r *Retriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.secretID),
	})
	if err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("reading secret %s: %w", r.secretID, err))
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		raw = out.SecretBinary
	default:
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("secret %s has no value", r.secretID))
	}

	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("decoding secret %s: %w", r.secretID, err))
	}
	if doc.AccessKeyID == "" || doc.SecretAccessKey == "" {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("secret %s missing key material", r.secretID))
	}

	token := doc.Token
	if token == "" {
		token = doc.SessionToken
	}
	creds := credentials.ExpiringCredentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    token,
	}

	switch {
	case doc.Expiration != "":
		exp, err := time.Parse(time.RFC3339, doc.Expiration)
		if err != nil {
			return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("parsing expiration %q: %w", doc.Expiration, err))
		}
		creds.Expiration = exp
	case r.ttl > 0:
		creds.Expiration = r.clock.Now().Add(r.ttl)
	}
	return creds, nil
}

// Close is a no-op; the underlying client holds no resources of its own.
func (r *Retriever) Close() error { return nil }

func (r *Retriever) fail(cause error) error {
	return &credentials.RetrievalError{Source: retrieverName, Cause: cause}
}
