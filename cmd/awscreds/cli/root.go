// Package cli implements the awscreds command-line interface using Cobra.
// It provides commands for printing, serving, storing, and auditing
// rotating AWS credentials.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/seanpm2001/smoke-aws-credentials/internal/config"
	"github.com/seanpm2001/smoke-aws-credentials/internal/log"
)

// logRetentionDays bounds the debug log directory. A week of rotation
// history covers a post-incident look without growing unbounded.
const logRetentionDays = 7

// machineOutput marks commands whose stdout is consumed by another program
// (credential_process, shell pipelines). Their stderr stays quiet when
// stdout is not a terminal.
const machineOutput = "machine-output"

var (
	verbose    bool
	jsonOut    bool
	configPath string
	profile    string
)

var rootCmd = &cobra.Command{
	Use:   "awscreds",
	Short: "Awscreds - rotating AWS credentials for long-lived processes",
	Long: `Awscreds keeps a short-lived AWS credential bundle fresh.

A profile in config.yaml names where credentials come from: an STS role,
a credential endpoint, Secrets Manager, a shared credentials file, the OS
keyring, or the process environment. Commands either fetch once (print)
or keep rotating in the background (serve).

With no config file at all, awscreds falls back to the standard AWS
environment variables, so it works out of the box inside ECS tasks and
CI jobs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Resolve profile: --profile flag > AWSCREDS_PROFILE env var
		if profile == "" {
			profile = os.Getenv("AWSCREDS_PROFILE")
		}

		// Keep stderr quiet for machine-consumed output unless the user
		// asked for verbosity or is watching a terminal.
		quiet := false
		if cmd.Annotations[machineOutput] == "true" {
			quiet = !verbose && !stdoutIsTerminal()
		}

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			Quiet:         quiet,
			LogDir:        filepath.Join(config.GlobalConfigDir(), "logs"),
			RetentionDays: logRetentionDays,
		}); err != nil {
			// Log init failure is non-fatal - fall back to the default logger
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	defer log.Close()
	return rootCmd.Execute()
}

func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// loadConfig reads the profile manifest. An explicitly passed --config path
// must exist; the default location may be absent (environment-only usage),
// in which case loadConfig returns nil.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return cfg, nil
	}
	return config.LoadDefault()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: ~/.awscreds/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "credential profile to use (env: AWSCREDS_PROFILE)")
}
