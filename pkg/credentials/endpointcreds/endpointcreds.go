// Package endpointcreds retrieves credentials from an HTTP endpoint speaking
// the container credential document format used by ECS and compatible
// metadata services.
package endpointcreds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const retrieverName = "credential-endpoint"

// Retriever fetches a credential document over HTTP on every Retrieve call.
type Retriever struct {
	client    *http.Client
	endpoint  string
	authToken string
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithHTTPClient substitutes the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Retriever) { r.client = c }
}

// WithAuthToken sets the Authorization header value sent verbatim with every
// request, matching how AWS_CONTAINER_AUTHORIZATION_TOKEN is used.
func WithAuthToken(token string) Option {
	return func(r *Retriever) { r.authToken = token }
}

// New builds a retriever for the given endpoint URL.
func New(endpoint string, opts ...Option) *Retriever {
	r := &Retriever{endpoint: endpoint}
	for _, opt := range opts {
		opt(r)
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 10 * time.Second}
	}
	return r
}

// credentialDocument is the wire shape served by container endpoints. Token
// is the container-endpoint spelling of the session token, SessionToken the
// credential_process one; both are accepted.
type credentialDocument struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

// Endpoint reports the URL the retriever fetches from.
func (r *Retriever) Endpoint() string {
	return r.endpoint
}

// Retrieve performs one GET against the endpoint and decodes the credential
// document. A document without an Expiration yields credentials that never
// expire.
func (r *Retriever) Retrieve(ctx context.Context) (credentials.ExpiringCredentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("fetching %s: %w", r.endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return credentials.ExpiringCredentials{}, r.fail(
			fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var doc credentialDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return credentials.ExpiringCredentials{}, r.fail(fmt.Errorf("decoding credential document: %w", err))
	}

	creds, err := doc.expiringCredentials()
	if err != nil {
		return credentials.ExpiringCredentials{}, r.fail(err)
	}
	return creds, nil
}

// Close drops idle connections held by the HTTP client.
func (r *Retriever) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *Retriever) fail(cause error) error {
	return &credentials.RetrievalError{Source: retrieverName, Cause: cause}
}

func (d credentialDocument) expiringCredentials() (credentials.ExpiringCredentials, error) {
	if d.AccessKeyID == "" || d.SecretAccessKey == "" {
		return credentials.ExpiringCredentials{}, fmt.Errorf("credential document missing key material")
	}

	token := d.Token
	if token == "" {
		token = d.SessionToken
	}

	creds := credentials.ExpiringCredentials{
		AccessKeyID:     d.AccessKeyID,
		SecretAccessKey: d.SecretAccessKey,
		SessionToken:    token,
	}
	if d.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, d.Expiration)
		if err != nil {
			return credentials.ExpiringCredentials{}, fmt.Errorf("parsing expiration %q: %w", d.Expiration, err)
		}
		creds.Expiration = exp
	}
	return creds, nil
}
