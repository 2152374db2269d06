package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seanpm2001/smoke-aws-credentials/internal/config"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List configured credential profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfiles,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg == nil || len(cfg.Profiles) == 0 {
		fmt.Printf("No profiles configured. Create %s to define some.\n",
			filepath.Join(config.GlobalConfigDir(), "config.yaml"))
		return nil
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(cfg.Profiles)
	}

	defaultName := cfg.ResolveProfileName("")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROFILE\tSOURCE")
	for _, name := range cfg.ProfileNames() {
		marker := ""
		if name == defaultName {
			marker = " (default)"
		}
		fmt.Fprintf(w, "%s%s\t%s\n", name, marker, cfg.Profiles[name].Summary())
	}
	return w.Flush()
}
