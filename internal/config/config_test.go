package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
default_profile: deploy

profiles:
  deploy:
    source: sts
    role_arn: arn:aws:iam::123456789012:role/DeployRole
    session_name: deploy-rotation
    duration: 30m
    region: eu-west-1
  metadata:
    source: endpoint
    url: http://127.0.0.1:9911/
    auth_token: local-token
  rotated:
    source: secretsmanager
    secret_id: prod/aws/rotating
    ttl: 10m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "deploy", cfg.DefaultProfile)
	assert.Len(t, cfg.Profiles, 3)

	deploy := cfg.Profiles["deploy"]
	assert.Equal(t, SourceSTS, deploy.Source)
	assert.Equal(t, "arn:aws:iam::123456789012:role/DeployRole", deploy.RoleARN)
	assert.Equal(t, "eu-west-1", deploy.Region)

	d, err := deploy.SessionDuration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	ttl, err := cfg.Profiles["rotated"].SecretTTL()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)
}

func TestLoadConfigNotFound(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load should not error for missing config: %v", err)
	}
	if cfg != nil {
		t.Error("Expected nil config when config.yaml doesn't exist")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIn  string
	}{
		{
			name: "sts without role_arn",
			content: `
profiles:
  broken:
    source: sts
`,
			wantIn: "'role_arn' is required",
		},
		{
			name: "endpoint without url",
			content: `
profiles:
  broken:
    source: endpoint
`,
			wantIn: "'url' is required",
		},
		{
			name: "secretsmanager without secret_id",
			content: `
profiles:
  broken:
    source: secretsmanager
`,
			wantIn: "'secret_id' is required",
		},
		{
			name: "missing source",
			content: `
profiles:
  broken:
    role_arn: arn:aws:iam::123456789012:role/MyRole
`,
			wantIn: "'source' is required",
		},
		{
			name: "unknown source",
			content: `
profiles:
  broken:
    source: vault
`,
			wantIn: `invalid source "vault"`,
		},
		{
			name: "bad duration",
			content: `
profiles:
  broken:
    source: sts
    role_arn: arn:aws:iam::123456789012:role/MyRole
    duration: thirty minutes
`,
			wantIn: "invalid duration",
		},
		{
			name: "bad ttl",
			content: `
profiles:
  broken:
    source: secretsmanager
    secret_id: some/secret
    ttl: soonish
`,
			wantIn: "invalid ttl",
		},
		{
			name: "keyring with unknown backend",
			content: `
profiles:
  broken:
    source: keyring
    backend: vault
`,
			wantIn: `invalid backend "vault"`,
		},
		{
			name: "dangling default_profile",
			content: `
default_profile: missing
profiles:
  present:
    source: keyring
`,
			wantIn: `default_profile "missing"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantIn)
		})
	}
}

func TestProfileResolution(t *testing.T) {
	cfg := &Config{
		DefaultProfile: "deploy",
		Profiles: map[string]Profile{
			"deploy":  {Source: SourceSTS, RoleARN: "arn:aws:iam::123456789012:role/DeployRole"},
			"default": {Source: SourceKeyring},
		},
	}

	p, err := cfg.Profile("")
	require.NoError(t, err)
	assert.Equal(t, SourceSTS, p.Source, "empty name should resolve default_profile")

	p, err = cfg.Profile("default")
	require.NoError(t, err)
	assert.Equal(t, SourceKeyring, p.Source)

	_, err = cfg.Profile("nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default, deploy", "error should list available profiles")
}

func TestProfileResolutionFallsBackToDefaultName(t *testing.T) {
	cfg := &Config{
		Profiles: map[string]Profile{
			"default": {Source: SourceEnv},
		},
	}

	p, err := cfg.Profile("")
	require.NoError(t, err)
	assert.Equal(t, SourceEnv, p.Source)
}

func TestProfileResolutionNoDefault(t *testing.T) {
	cfg := &Config{
		Profiles: map[string]Profile{
			"only": {Source: SourceEnv},
		},
	}

	_, err := cfg.Profile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no profile selected")
}

func TestResolveProfileName(t *testing.T) {
	withDefault := &Config{DefaultProfile: "deploy"}
	assert.Equal(t, "explicit", withDefault.ResolveProfileName("explicit"))
	assert.Equal(t, "deploy", withDefault.ResolveProfileName(""))

	noDefault := &Config{}
	assert.Equal(t, "default", noDefault.ResolveProfileName(""))
}

func TestProfileSummary(t *testing.T) {
	tests := []struct {
		profile Profile
		want    string
	}{
		{Profile{Source: SourceSTS, RoleARN: "arn:aws:iam::123456789012:role/X"}, "sts arn:aws:iam::123456789012:role/X"},
		{Profile{Source: SourceEndpoint, URL: "http://localhost:9911/"}, "endpoint http://localhost:9911/"},
		{Profile{Source: SourceSecretsManager, SecretID: "prod/key"}, "secretsmanager prod/key"},
		{Profile{Source: SourceFile}, "file ~/.aws/credentials"},
		{Profile{Source: SourceKeyring}, "keyring"},
	}
	for _, tt := range tests {
		if got := tt.profile.Summary(); got != tt.want {
			t.Errorf("Summary = %q, want %q", got, tt.want)
		}
	}
}

func TestGlobalConfigDir(t *testing.T) {
	t.Setenv("AWSCREDS_CONFIG_DIR", "/tmp/awscreds-test")
	assert.Equal(t, "/tmp/awscreds-test", GlobalConfigDir())

	t.Setenv("AWSCREDS_CONFIG_DIR", "")
	dir := GlobalConfigDir()
	if !strings.HasSuffix(dir, ".awscreds") {
		t.Errorf("GlobalConfigDir = %q, want a .awscreds path", dir)
	}
}
