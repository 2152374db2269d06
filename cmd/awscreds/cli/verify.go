package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seanpm2001/smoke-aws-credentials/internal/audit"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <journal>",
	Short: "Verify the integrity of a rotation audit journal",
	Long: `Verify the hash chain of an audit journal written with --audit-db.

Checks:
  - Sequence numbers are contiguous from the first entry
  - Every entry's hash matches its content
  - Every entry links to its predecessor's hash

Example:
  awscreds verify ~/.awscreds/audit.db`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

// verifyResult is the --json output of verify.
type verifyResult struct {
	Entries uint64 `json:"entries"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	dbPath := args[0]

	// Open creates a fresh journal when the file is missing; a typo'd path
	// must not verify as an intact empty chain.
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("audit journal %s: %w", dbPath, err)
	}

	journal, err := audit.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening audit journal: %w", err)
	}
	defer journal.Close()

	count := journal.Count()
	verifyErr := journal.Verify()

	if jsonOut {
		result := verifyResult{Entries: count, Valid: verifyErr == nil}
		if verifyErr != nil {
			result.Error = verifyErr.Error()
		}
		if encErr := json.NewEncoder(os.Stdout).Encode(result); encErr != nil {
			return encErr
		}
		if verifyErr != nil {
			return fmt.Errorf("tampering detected")
		}
		return nil
	}

	fmt.Printf("Verifying %s\n", dbPath)
	if verifyErr != nil {
		fmt.Printf("  [FAIL] Hash chain: %v\n", verifyErr)
		fmt.Println("VERDICT: [FAIL] TAMPERED")
		// Return error so Cobra exits with code 1
		return fmt.Errorf("tampering detected")
	}

	fmt.Printf("  [ok] Hash chain: %d entries, no gaps, all hashes valid\n", count)
	fmt.Println("VERDICT: [ok] INTACT - No tampering detected")
	return nil
}
