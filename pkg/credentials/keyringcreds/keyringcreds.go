// Package keyringcreds stores credential documents in the operating system
// keyring, one entry per profile.
//
// Platform requirements:
//   - macOS: Keychain via the Security framework (works out of the box)
//   - Linux: libsecret (GNOME), kwallet (KDE), or pass (CLI)
//   - Windows: Windows Credential Manager (works out of the box)
//   - Headless/CI: file-based storage with restricted permissions (0600)
//
// The file backend refuses to read entries from files with overly permissive
// permissions. If permissions have been changed, the stored keys may have
// been exposed and should be rotated.
package keyringcreds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

const (
	// ServiceName is the default keyring service identifier. Can be
	// overridden with AWSCREDS_KEYRING_SERVICE for test isolation.
	ServiceName = "awscreds"

	serviceEnvVar = "AWSCREDS_KEYRING_SERVICE"

	retrieverName = "keyring"
)

// ErrNotFound is returned when no credentials are stored for a profile.
var ErrNotFound = errors.New("no credentials stored for profile")

// ErrInsecurePermissions is returned when a credential file is readable by
// other users.
var ErrInsecurePermissions = errors.New("credential file has insecure permissions")

// ErrNoHomeDirectory is returned when the home directory cannot be determined
// for file-based storage.
var ErrNoHomeDirectory = errors.New("could not determine home directory for credential storage")

func serviceName() string {
	if name := os.Getenv(serviceEnvVar); name != "" {
		return name
	}
	return ServiceName
}

// Backend is the storage interface behind a Store. Accounts are profile
// names.
type Backend interface {
	Get(account string) (string, error)
	Set(account, value string) error
	Delete(account string) error
	Name() string
}

// systemBackend stores entries in the OS keyring.
type systemBackend struct{}

// NewSystemBackend returns a backend over the OS keyring.
func NewSystemBackend() Backend {
	return &systemBackend{}
}

func (s *systemBackend) Get(account string) (string, error) {
	value, err := keyring.Get(serviceName(), account)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return value, nil
}

func (s *systemBackend) Set(account, value string) error {
	if err := keyring.Set(serviceName(), account, value); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (s *systemBackend) Delete(account string) error {
	err := keyring.Delete(serviceName(), account)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

func (s *systemBackend) Name() string {
	return "system keyring"
}

// fileBackend stores entries as 0600 JSON files in a directory.
type fileBackend struct {
	dir string
}

// NewFileBackend returns a backend storing entries under dir.
func NewFileBackend(dir string) Backend {
	return &fileBackend{dir: dir}
}

// DefaultFileDir returns the directory for file-based credential storage.
// Temp directories are never used: they may be world-readable or shared.
func DefaultFileDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		if envHome := os.Getenv("HOME"); envHome != "" {
			return filepath.Join(envHome, "."+serviceName()), nil
		}
		return "", fmt.Errorf("%w: set $HOME or ensure user home is configured", ErrNoHomeDirectory)
	}
	return filepath.Join(home, "."+serviceName()), nil
}

func (f *fileBackend) entryPath(account string) (string, error) {
	if account == "" || strings.ContainsAny(account, `/\`) {
		return "", fmt.Errorf("invalid account name %q", account)
	}
	return filepath.Join(f.dir, account+".json"), nil
}

func (f *fileBackend) Get(account string) (string, error) {
	path, err := f.entryPath(account)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return "", fmt.Errorf("%w: %s has permissions %04o (expected 0600), chmod 600 it and rotate the stored keys",
			ErrInsecurePermissions, path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading credential file: %w", err)
	}
	return string(data), nil
}

func (f *fileBackend) Set(account, value string) error {
	path, err := f.entryPath(account)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating credential directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		return fmt.Errorf("writing credential file: %w", err)
	}
	return nil
}

func (f *fileBackend) Delete(account string) error {
	path, err := f.entryPath(account)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting credential file: %w", err)
	}
	return nil
}

func (f *fileBackend) Name() string {
	return "file (" + f.dir + ")"
}

// storedCredentials is the JSON shape persisted in the backend. Spellings
// match the container credential document.
type storedCredentials struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken,omitempty"`
	Expiration      string `json:"Expiration,omitempty"`
}

// Store persists credential documents through a Backend.
type Store struct {
	backend Backend
}

// NewStore builds a store over the given backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Backend reports the underlying backend, for log and status output.
func (s *Store) Backend() Backend {
	return s.backend
}

// Store writes the credentials for a profile, replacing any previous entry.
func (s *Store) Store(profile string, creds credentials.ExpiringCredentials) error {
	doc := storedCredentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}
	if creds.CanExpire() {
		doc.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := s.backend.Set(profile, string(data)); err != nil {
		return fmt.Errorf("storing credentials for %s: %w", profile, err)
	}
	return nil
}

// Load reads the credentials stored for a profile. Returns an error wrapping
// ErrNotFound when no entry exists.
func (s *Store) Load(profile string) (credentials.ExpiringCredentials, error) {
	value, err := s.backend.Get(profile)
	if err != nil {
		return credentials.ExpiringCredentials{}, err
	}

	var doc storedCredentials
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		return credentials.ExpiringCredentials{}, fmt.Errorf("decoding credentials for %s: %w", profile, err)
	}
	creds := credentials.ExpiringCredentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    doc.SessionToken,
	}
	if doc.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, doc.Expiration)
		if err != nil {
			return credentials.ExpiringCredentials{}, fmt.Errorf("parsing expiration for %s: %w", profile, err)
		}
		creds.Expiration = exp
	}
	return creds, nil
}

// Erase removes the entry for a profile. Erasing a missing entry is not an
// error.
func (s *Store) Erase(profile string) error {
	if err := s.backend.Delete(profile); err != nil {
		return fmt.Errorf("erasing credentials for %s: %w", profile, err)
	}
	return nil
}

// Retriever reads a profile's entry from the store on every Retrieve call,
// picking up entries rewritten by an external process.
type Retriever struct {
	store   *Store
	profile string
}

// NewRetriever builds a retriever for one profile.
func NewRetriever(store *Store, profile string) *Retriever {
	return &Retriever{store: store, profile: profile}
}

// Retrieve loads the current entry for the profile.
func (r *Retriever) Retrieve(_ context.Context) (credentials.ExpiringCredentials, error) {
	creds, err := r.store.Load(r.profile)
	if err != nil {
		return credentials.ExpiringCredentials{}, &credentials.RetrievalError{Source: retrieverName, Cause: err}
	}
	return creds, nil
}

// Close is a no-op; the backend holds no open resources between calls.
func (r *Retriever) Close() error { return nil }
