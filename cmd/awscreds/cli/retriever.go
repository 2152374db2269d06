package cli

import (
	"context"
	"fmt"

	"github.com/seanpm2001/smoke-aws-credentials/internal/config"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/endpointcreds"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/envcreds"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/filecreds"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/keyringcreds"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/secretcreds"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/stscreds"
)

// buildRetriever maps a profile to its credential source and returns the
// retriever together with the source label used in metrics and audit
// entries. With no config file and no profile selected, the process
// environment decides.
func buildRetriever(ctx context.Context, cfg *config.Config, name string) (credentials.Retriever, string, error) {
	if cfg == nil {
		if name != "" {
			return nil, "", fmt.Errorf("profile %q selected but no config file found in %s", name, config.GlobalConfigDir())
		}
		r, err := envcreds.NewRetriever()
		if err != nil {
			return nil, "", err
		}
		return r, config.SourceEnv, nil
	}

	p, err := cfg.Profile(name)
	if err != nil {
		return nil, "", err
	}

	switch p.Source {
	case config.SourceSTS:
		var opts []stscreds.Option
		if p.SessionName != "" {
			opts = append(opts, stscreds.WithSessionName(p.SessionName))
		}
		if p.ExternalID != "" {
			opts = append(opts, stscreds.WithExternalID(p.ExternalID))
		}
		if d, _ := p.SessionDuration(); d > 0 {
			opts = append(opts, stscreds.WithDuration(d))
		}
		r, err := stscreds.NewFromConfig(ctx, p.RoleARN, p.Region, opts...)
		if err != nil {
			return nil, "", err
		}
		return r, p.Source, nil

	case config.SourceEndpoint:
		var opts []endpointcreds.Option
		if p.AuthToken != "" {
			opts = append(opts, endpointcreds.WithAuthToken(p.AuthToken))
		}
		return endpointcreds.New(p.URL, opts...), p.Source, nil

	case config.SourceSecretsManager:
		var opts []secretcreds.Option
		if ttl, _ := p.SecretTTL(); ttl > 0 {
			opts = append(opts, secretcreds.WithTTL(ttl))
		}
		r, err := secretcreds.NewFromConfig(ctx, p.SecretID, secretcreds.Config{
			Region:   p.Region,
			Endpoint: p.URL,
		}, opts...)
		if err != nil {
			return nil, "", err
		}
		return r, p.Source, nil

	case config.SourceFile:
		var files []string
		if p.CredentialsFile != "" {
			files = []string{p.CredentialsFile}
		}
		var opts []filecreds.Option
		if p.FileProfile != "" {
			opts = append(opts, filecreds.WithProfile(p.FileProfile))
		}
		if ttl, _ := p.SecretTTL(); ttl > 0 {
			opts = append(opts, filecreds.WithRotationInterval(ttl))
		}
		return filecreds.New(files, opts...), p.Source, nil

	case config.SourceKeyring:
		backend, err := keyringBackend(p.Backend)
		if err != nil {
			return nil, "", err
		}
		store := keyringcreds.NewStore(backend)
		return keyringcreds.NewRetriever(store, cfg.ResolveProfileName(name)), p.Source, nil

	case config.SourceEnv:
		r, err := envcreds.NewRetriever()
		if err != nil {
			return nil, "", err
		}
		return r, p.Source, nil

	default:
		// Load validation rejects unknown sources, so this is unreachable
		// for configs that came through loadConfig.
		return nil, "", fmt.Errorf("profile %q: unknown source %q", name, p.Source)
	}
}

// keyringBackend maps a profile's backend field (or a --backend flag) to a
// keyring backend. An empty kind selects the system keyring.
func keyringBackend(kind string) (keyringcreds.Backend, error) {
	switch kind {
	case "", "system":
		return keyringcreds.NewSystemBackend(), nil
	case "file":
		dir, err := keyringcreds.DefaultFileDir()
		if err != nil {
			return nil, err
		}
		return keyringcreds.NewFileBackend(dir), nil
	default:
		return nil, fmt.Errorf("unknown keyring backend %q (valid: system, file)", kind)
	}
}
