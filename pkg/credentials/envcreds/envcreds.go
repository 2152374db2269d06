// Package envcreds assembles a credential retriever from the standard AWS
// environment variables, following the SDK's source precedence: container
// endpoint first, then static keys.
package envcreds

import (
	"context"
	"errors"
	"os"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/endpointcreds"
)

const (
	accessKeyEnvVar    = "AWS_ACCESS_KEY_ID"
	secretKeyEnvVar    = "AWS_SECRET_ACCESS_KEY"
	sessionTokenEnvVar = "AWS_SESSION_TOKEN"

	relativeURIEnvVar = "AWS_CONTAINER_CREDENTIALS_RELATIVE_URI"
	fullURIEnvVar     = "AWS_CONTAINER_CREDENTIALS_FULL_URI"
	authTokenEnvVar   = "AWS_CONTAINER_AUTHORIZATION_TOKEN"

	// containerCredentialsBase is the fixed host serving relative URIs
	// inside ECS tasks.
	containerCredentialsBase = "http://169.254.170.2"
)

// ErrNotConfigured is returned when none of the recognized environment
// variables select a credential source.
var ErrNotConfigured = errors.New("no credential source configured in environment")

// NewRetriever builds a retriever from the environment.
//
// AWS_CONTAINER_CREDENTIALS_RELATIVE_URI takes precedence, resolved against
// the ECS metadata host; AWS_CONTAINER_CREDENTIALS_FULL_URI is used verbatim.
// AWS_CONTAINER_AUTHORIZATION_TOKEN, when present, is sent with every fetch.
// With no container endpoint configured, AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY yield a static, non-expiring retriever.
func NewRetriever() (credentials.Retriever, error) {
	var endpointOpts []endpointcreds.Option
	if token := os.Getenv(authTokenEnvVar); token != "" {
		endpointOpts = append(endpointOpts, endpointcreds.WithAuthToken(token))
	}

	if relative := os.Getenv(relativeURIEnvVar); relative != "" {
		return endpointcreds.New(containerCredentialsBase+relative, endpointOpts...), nil
	}
	if full := os.Getenv(fullURIEnvVar); full != "" {
		return endpointcreds.New(full, endpointOpts...), nil
	}

	accessKey := os.Getenv(accessKeyEnvVar)
	secretKey := os.Getenv(secretKeyEnvVar)
	if accessKey != "" && secretKey != "" {
		return credentials.StaticRetriever{
			Credentials: credentials.ExpiringCredentials{
				AccessKeyID:     accessKey,
				SecretAccessKey: secretKey,
				SessionToken:    os.Getenv(sessionTokenEnvVar),
			},
		}, nil
	}

	return nil, ErrNotConfigured
}

// NewProvider builds a rotating provider over the environment-selected
// retriever, fetching the initial snapshot before returning.
func NewProvider(ctx context.Context, opts ...credentials.Option) (*credentials.RotatingProvider, error) {
	retriever, err := NewRetriever()
	if err != nil {
		return nil, err
	}
	provider, err := credentials.NewRotatingProvider(ctx, retriever, opts...)
	if err != nil {
		retriever.Close()
		return nil, err
	}
	return provider, nil
}
