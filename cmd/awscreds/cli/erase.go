package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seanpm2001/smoke-aws-credentials/internal/audit"
	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials/keyringcreds"
)

var (
	eraseBackend string
	eraseAuditDB string
)

var eraseCmd = &cobra.Command{
	Use:   "erase [profile]",
	Short: "Remove a profile's credentials from the OS keyring",
	Long: `Remove the credential bundle stored under a profile name.

Erasing a profile that has nothing stored is not an error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runErase,
}

func init() {
	rootCmd.AddCommand(eraseCmd)
	eraseCmd.Flags().StringVar(&eraseBackend, "backend", "", "keyring backend: system or file (default: system)")
	eraseCmd.Flags().StringVar(&eraseAuditDB, "audit-db", "", "record the erase in this hash-chained journal")
}

func runErase(cmd *cobra.Command, args []string) error {
	profileName := keyringProfileName(args)

	backend, err := keyringBackend(eraseBackend)
	if err != nil {
		return err
	}
	if err := keyringcreds.NewStore(backend).Erase(profileName); err != nil {
		return err
	}

	if eraseAuditDB != "" {
		if err := appendAuditEntry(eraseAuditDB, audit.EntryErase, audit.EraseData{
			Backend: backend.Name(),
			Profile: profileName,
		}); err != nil {
			return fmt.Errorf("recording erase in audit journal: %w", err)
		}
	}

	fmt.Printf("Credentials for profile %q erased from %s\n", profileName, backend.Name())
	return nil
}
