// Package config handles config.yaml profile parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential sources a profile can name.
const (
	SourceSTS            = "sts"
	SourceEndpoint       = "endpoint"
	SourceSecretsManager = "secretsmanager"
	SourceFile           = "file"
	SourceKeyring        = "keyring"
	SourceEnv            = "env"
)

var validSources = []string{
	SourceSTS, SourceEndpoint, SourceSecretsManager, SourceFile, SourceKeyring, SourceEnv,
}

// Config represents a config.yaml profile manifest.
type Config struct {
	// DefaultProfile names the profile used when none is selected.
	DefaultProfile string `yaml:"default_profile,omitempty"`

	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile describes one credential source. Which fields apply depends on
// Source; Validate rejects combinations that make no sense.
type Profile struct {
	Source string `yaml:"source"`

	// sts
	RoleARN     string `yaml:"role_arn,omitempty"`
	SessionName string `yaml:"session_name,omitempty"`
	Duration    string `yaml:"duration,omitempty"` // Go duration string, e.g. "1h"
	Region      string `yaml:"region,omitempty"`
	ExternalID  string `yaml:"external_id,omitempty"`

	// endpoint (fetch URL); also the optional endpoint override for
	// secretsmanager
	URL       string `yaml:"url,omitempty"`
	AuthToken string `yaml:"auth_token,omitempty"`

	// secretsmanager
	SecretID string `yaml:"secret_id,omitempty"`
	TTL      string `yaml:"ttl,omitempty"` // synthetic lifetime for secretsmanager/file, e.g. "15m"

	// file
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	FileProfile     string `yaml:"file_profile,omitempty"`

	// keyring
	Backend string `yaml:"backend,omitempty"` // "system" (default) or "file"
}

// SessionDuration parses the profile's duration field. Zero means "use the
// source's default".
func (p Profile) SessionDuration() (time.Duration, error) {
	if p.Duration == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Duration)
}

// SecretTTL parses the profile's ttl field. Zero means "use the source's
// default".
func (p Profile) SecretTTL() (time.Duration, error) {
	if p.TTL == "" {
		return 0, nil
	}
	return time.ParseDuration(p.TTL)
}

// Summary returns a one-line description of the profile for listings.
func (p Profile) Summary() string {
	switch p.Source {
	case SourceSTS:
		return fmt.Sprintf("%s %s", p.Source, p.RoleARN)
	case SourceEndpoint:
		return fmt.Sprintf("%s %s", p.Source, p.URL)
	case SourceSecretsManager:
		return fmt.Sprintf("%s %s", p.Source, p.SecretID)
	case SourceFile:
		file := p.CredentialsFile
		if file == "" {
			file = "~/.aws/credentials"
		}
		return fmt.Sprintf("%s %s", p.Source, file)
	default:
		return p.Source
	}
}

// Load reads a config file from the given path.
// Returns nil, nil if the file doesn't exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault reads config.yaml from the global config directory.
func LoadDefault() (*Config, error) {
	return Load(filepath.Join(GlobalConfigDir(), "config.yaml"))
}

// GlobalConfigDir returns the directory holding config.yaml, journals, and
// debug logs. AWSCREDS_CONFIG_DIR overrides the default ~/.awscreds.
func GlobalConfigDir() string {
	if dir := os.Getenv("AWSCREDS_CONFIG_DIR"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".awscreds")
	}
	return filepath.Join(homeDir, ".awscreds")
}

// ResolveProfileName returns the profile name a selection resolves to: the
// given name, else DefaultProfile, else "default". It does not check that
// the resolved profile exists.
func (c *Config) ResolveProfileName(name string) string {
	if name != "" {
		return name
	}
	if c.DefaultProfile != "" {
		return c.DefaultProfile
	}
	return "default"
}

// Profile resolves a profile by name. An empty name falls back to
// DefaultProfile, then to "default" when such a profile exists.
func (c *Config) Profile(name string) (Profile, error) {
	if name == "" && c.DefaultProfile == "" {
		if _, ok := c.Profiles["default"]; !ok {
			return Profile{}, fmt.Errorf("no profile selected and no default_profile configured\n\nSelect one with --profile, or add to config.yaml:\n  default_profile: <name>")
		}
	}
	name = c.ResolveProfileName(name)
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found (available: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames returns the configured profile names, sorted.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every profile and the default_profile reference.
func (c *Config) Validate() error {
	for name, p := range c.Profiles {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	if c.DefaultProfile != "" {
		if _, ok := c.Profiles[c.DefaultProfile]; !ok {
			return fmt.Errorf("default_profile %q is not a configured profile (available: %s)",
				c.DefaultProfile, strings.Join(c.ProfileNames(), ", "))
		}
	}
	return nil
}

func (p Profile) validate(name string) error {
	switch p.Source {
	case SourceSTS:
		if p.RoleARN == "" {
			return fmt.Errorf("profiles.%s: 'role_arn' is required for sts source\n\n  profiles:\n    %s:\n      source: sts\n      role_arn: arn:aws:iam::123456789012:role/MyRole", name, name)
		}
	case SourceEndpoint:
		if p.URL == "" {
			return fmt.Errorf("profiles.%s: 'url' is required for endpoint source", name)
		}
	case SourceSecretsManager:
		if p.SecretID == "" {
			return fmt.Errorf("profiles.%s: 'secret_id' is required for secretsmanager source", name)
		}
	case SourceKeyring:
		switch p.Backend {
		case "", "system", "file":
		default:
			return fmt.Errorf("profiles.%s: invalid backend %q (must be 'system' or 'file')", name, p.Backend)
		}
	case SourceFile, SourceEnv:
		// No required fields
	case "":
		return fmt.Errorf("profiles.%s: 'source' is required (must be one of: %s)", name, strings.Join(validSources, ", "))
	default:
		return fmt.Errorf("profiles.%s: invalid source %q (must be one of: %s)", name, p.Source, strings.Join(validSources, ", "))
	}

	if _, err := p.SessionDuration(); err != nil {
		return fmt.Errorf("profiles.%s: invalid duration %q: %v (expected a Go duration like '1h' or '30m')", name, p.Duration, err)
	}
	if _, err := p.SecretTTL(); err != nil {
		return fmt.Errorf("profiles.%s: invalid ttl %q: %v (expected a Go duration like '15m')", name, p.TTL, err)
	}
	return nil
}
