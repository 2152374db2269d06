// Package stscreds retrieves temporary credentials by assuming an IAM role
// through STS. Each Retrieve performs one AssumeRole call; pair the retriever
// with a RotatingProvider to keep the session fresh.
package stscreds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const (
	// DefaultSessionDuration is requested when no duration is configured.
	DefaultSessionDuration = time.Hour

	// MinSessionDuration is the smallest session duration STS accepts.
	MinSessionDuration = 15 * time.Minute

	retrieverName = "sts-assume-role"
)

// AssumeRoleAPI is the single STS operation the retriever depends on.
// Tests substitute a fake.
type AssumeRoleAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Retriever assumes an IAM role and maps the STS response to an
// ExpiringCredentials snapshot.
type Retriever struct {
	client      AssumeRoleAPI
	roleARN     string
	sessionName string
	duration    time.Duration
	externalID  string
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithSessionName sets the RoleSessionName sent to STS. Defaults to
// "awscreds-<unix time>".
func WithSessionName(name string) Option {
	return func(r *Retriever) { r.sessionName = name }
}

// WithDuration sets the requested session duration. Values below the STS
// minimum are raised to it.
func WithDuration(d time.Duration) Option {
	return func(r *Retriever) { r.duration = d }
}

// WithExternalID sets the ExternalId condition value for the AssumeRole call.
func WithExternalID(id string) Option {
	return func(r *Retriever) { r.externalID = id }
}

// New builds a retriever around an existing STS client.
func New(client AssumeRoleAPI, roleARN string, opts ...Option) (*Retriever, error) {
	if err := ValidateRoleARN(roleARN); err != nil {
		return nil, err
	}
	r := &Retriever{
		client:   client,
		roleARN:  roleARN,
		duration: DefaultSessionDuration,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sessionName == "" {
		r.sessionName = fmt.Sprintf("awscreds-%d", time.Now().Unix())
	}
	if r.duration < MinSessionDuration {
		r.duration = MinSessionDuration
	}
	return r, nil
}

// NewFromConfig loads the default AWS configuration and builds a retriever
// with a real STS client. The ambient credentials (environment, shared
// config, instance profile) authorize the AssumeRole calls.
func NewFromConfig(ctx context.Context, roleARN, region string, opts ...Option) (*Retriever, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return New(sts.NewFromConfig(cfg), roleARN, opts...)
}

// Retrieve performs one AssumeRole call and returns the resulting session
// credentials.
func (r *Retriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(r.roleARN),
		RoleSessionName: aws.String(r.sessionName),
		DurationSeconds: aws.Int32(int32(r.duration.Seconds())),
	}
	if r.externalID != "" {
		input.ExternalId = aws.String(r.externalID)
	}

	out, err := r.client.AssumeRole(ctx, input)
	if err != nil {
		return credentials.ExpiringCredentials{}, &credentials.RetrievalError{
			Source: retrieverName,
			Cause:  fmt.Errorf("assuming role %s: %w", r.roleARN, err),
		}
	}
	if out.Credentials == nil {
		return credentials.ExpiringCredentials{}, &credentials.RetrievalError{
			Source: retrieverName,
			Cause:  fmt.Errorf("assuming role %s: empty credentials in response", r.roleARN),
		}
	}

	return credentials.ExpiringCredentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// Close is a no-op; the retriever holds no connections of its own.
func (r *Retriever) Close() error { return nil }

// ValidateRoleARN checks an IAM role ARN.
// Format: arn:PARTITION:iam::ACCOUNT_ID:role/ROLE_NAME
// Supported partitions: aws, aws-cn, aws-us-gov.
func ValidateRoleARN(arn string) error {
	if arn == "" {
		return fmt.Errorf("role ARN is required")
	}

	parts := strings.Split(arn, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid ARN format: expected 6 colon-separated parts, got %d", len(parts))
	}

	prefix, partition, service, _, account, resource := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5]

	if prefix != "arn" {
		return fmt.Errorf("invalid ARN: must start with 'arn:'")
	}

	switch partition {
	case "aws", "aws-cn", "aws-us-gov":
	default:
		return fmt.Errorf("invalid ARN partition: %s (expected aws, aws-cn, or aws-us-gov)", partition)
	}

	if service != "iam" {
		return fmt.Errorf("invalid ARN: must be an IAM ARN (got %s)", service)
	}

	if account == "" {
		return fmt.Errorf("invalid ARN: account ID is required")
	}

	if !strings.HasPrefix(resource, "role/") {
		return fmt.Errorf("invalid ARN: must be a role ARN (got %s)", resource)
	}
	if strings.TrimPrefix(resource, "role/") == "" {
		return fmt.Errorf("invalid ARN: role name is required")
	}

	return nil
}
