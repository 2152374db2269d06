package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seanpm2001/smoke-aws-credentials/pkg/credentials"
)

// printTimeout bounds the single fetch. credential_process callers block on
// us, and a hung STS call should fail the profile rather than the shell.
const printTimeout = 30 * time.Second

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Fetch credentials once and print a credential_process document",
	Long: `Fetch the selected profile's credentials and print them on stdout in
the AWS credential_process format.

Wire it into ~/.aws/config:

  [profile deploy]
  credential_process = awscreds print --profile deploy

The AWS CLI and SDKs re-invoke the helper when the printed credentials
approach expiration.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{machineOutput: "true"},
	RunE:        runPrint,
}

func init() {
	rootCmd.AddCommand(printCmd)
}

func runPrint(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), printTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	retriever, _, err := buildRetriever(ctx, cfg, profile)
	if err != nil {
		return err
	}
	defer retriever.Close()

	creds, err := retriever.Retrieve(ctx)
	if err != nil {
		return err
	}
	return writeProcessDocument(os.Stdout, creds)
}

// processDocument is the credential_process output contract.
// See: https://docs.aws.amazon.com/cli/latest/userguide/cli-configure-sourcing-external.html
type processDocument struct {
	Version         int    `json:"Version"`
	AccessKeyID     string `json:"AccessKeyId"`
	SecretAccessKey string `json:"SecretAccessKey"`
	SessionToken    string `json:"SessionToken,omitempty"`
	Expiration      string `json:"Expiration,omitempty"`
}

// writeProcessDocument emits creds as a Version 1 credential_process
// document. Expiration is omitted for credentials that never expire, which
// consumers treat as long-lived.
func writeProcessDocument(w io.Writer, creds credentials.ExpiringCredentials) error {
	doc := processDocument{
		Version:         1,
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}
	if creds.CanExpire() {
		doc.Expiration = creds.Expiration.UTC().Format(time.RFC3339)
	}
	return json.NewEncoder(w).Encode(doc)
}
