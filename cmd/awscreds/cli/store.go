package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/seanpm2001/smoke-aws-credentials/internal/audit"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/keyringcreds"
)

var (
	storeBackend    string
	storeAuditDB    string
	storeAccessKey  string
	storeSecretKey  string
	storeToken      string
	storeExpiration string
)

var storeCmd = &cobra.Command{
	Use:   "store [profile]",
	Short: "Store a credential bundle in the OS keyring",
	Long: `Store a credential bundle under a profile name so a profile with
source: keyring can serve it.

Without flags the command reads a container credential document from stdin,
so rotations can be piped in:

  awscreds print --profile upstream | awscreds store deploy

With --access-key-id the remaining fields come from flags; the secret is
prompted for when --secret-access-key is omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStore,
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.Flags().StringVar(&storeBackend, "backend", "", "keyring backend: system or file (default: system)")
	storeCmd.Flags().StringVar(&storeAuditDB, "audit-db", "", "record the store in this hash-chained journal")
	storeCmd.Flags().StringVar(&storeAccessKey, "access-key-id", "", "access key ID to store")
	storeCmd.Flags().StringVar(&storeSecretKey, "secret-access-key", "", "secret access key (prompted for when omitted)")
	storeCmd.Flags().StringVar(&storeToken, "session-token", "", "session token to store")
	storeCmd.Flags().StringVar(&storeExpiration, "expiration", "", "expiration (RFC3339; omit for non-expiring credentials)")
}

func runStore(cmd *cobra.Command, args []string) error {
	profileName := keyringProfileName(args)

	var creds credentials.ExpiringCredentials
	var err error
	if storeAccessKey != "" {
		creds, err = credsFromStoreFlags()
	} else {
		creds, err = readCredentialDocument(os.Stdin)
	}
	if err != nil {
		return err
	}

	backend, err := keyringBackend(storeBackend)
	if err != nil {
		return err
	}
	if err := keyringcreds.NewStore(backend).Store(profileName, creds); err != nil {
		return err
	}

	if storeAuditDB != "" {
		if err := appendAuditEntry(storeAuditDB, audit.EntryStore, audit.StoreData{
			AccessKeyID: creds.AccessKeyID,
			Backend:     backend.Name(),
			Profile:     profileName,
		}); err != nil {
			return fmt.Errorf("recording store in audit journal: %w", err)
		}
	}

	fmt.Printf("Credentials for profile %q stored in %s\n", profileName, backend.Name())
	return nil
}

// keyringProfileName resolves the keyring account: positional argument,
// then the --profile selection, then "default".
func keyringProfileName(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if profile != "" {
		return profile
	}
	return "default"
}

func credsFromStoreFlags() (credentials.ExpiringCredentials, error) {
	secret := storeSecretKey
	if secret == "" {
		s, err := readSecret("Secret access key: ")
		if err != nil {
			return credentials.ExpiringCredentials{}, err
		}
		secret = s
	}
	if secret == "" {
		return credentials.ExpiringCredentials{}, fmt.Errorf("a secret access key is required")
	}

	creds := credentials.ExpiringCredentials{
		AccessKeyID:     storeAccessKey,
		SecretAccessKey: secret,
		SessionToken:    storeToken,
	}
	if storeExpiration != "" {
		exp, err := time.Parse(time.RFC3339, storeExpiration)
		if err != nil {
			return credentials.ExpiringCredentials{}, fmt.Errorf("invalid expiration %q: %w (expected RFC3339, e.g. 2026-01-02T15:04:05Z)", storeExpiration, err)
		}
		creds.Expiration = exp
	}
	return creds, nil
}

// credentialInput mirrors the container credential document, so the output
// of print (or of a credential endpoint) pipes straight in. Both Token and
// SessionToken spellings are accepted.
type credentialInput struct {
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	Token           string `json:"Token"`
	SessionToken    string `json:"SessionToken"`
	Expiration      string `json:"Expiration"`
}

func readCredentialDocument(r io.Reader) (credentials.ExpiringCredentials, error) {
	var doc credentialInput
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return credentials.ExpiringCredentials{}, fmt.Errorf("decoding credential document from stdin: %w", err)
	}
	if doc.AccessKeyID == "" || doc.SecretAccessKey == "" {
		return credentials.ExpiringCredentials{}, fmt.Errorf("credential document is missing AccessKeyId or SecretAccessKey")
	}

	creds := credentials.ExpiringCredentials{
		AccessKeyID:     doc.AccessKeyID,
		SecretAccessKey: doc.SecretAccessKey,
		SessionToken:    doc.Token,
	}
	if creds.SessionToken == "" {
		creds.SessionToken = doc.SessionToken
	}
	if doc.Expiration != "" {
		exp, err := time.Parse(time.RFC3339, doc.Expiration)
		if err != nil {
			return credentials.ExpiringCredentials{}, fmt.Errorf("invalid Expiration %q: %w", doc.Expiration, err)
		}
		creds.Expiration = exp
	}
	return creds, nil
}

// readSecret reads a secret from stdin, without echoing when stdin is a
// terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		defer fmt.Fprintln(os.Stderr)
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
	// Not a terminal, read normally (for piped input)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// appendAuditEntry opens the journal just long enough to record one entry.
func appendAuditEntry(dbPath string, entryType audit.EntryType, data any) error {
	journal, err := audit.Open(dbPath)
	if err != nil {
		return err
	}
	defer journal.Close()
	_, err = journal.Append(entryType, data)
	return err
}
