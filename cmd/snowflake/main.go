// Command snowflake is a deliberately thin CLI over the action-execution
// engine: it does not parse build files or evaluate action graphs (that
// is left to external collaborators), it only exposes enough surface to
// run one action descriptor and to inspect/preflight the state
// directory around it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	stateDir   string
	configPath string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "snowflake",
		Short:         "hermetic action-execution engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&stateDir, "state-dir", ".snowflake", "state directory (scratches/, cached-outputs/, index.db)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "INI config file (default <state-dir>/snowflake.ini)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newDoctorCmd())
	return root
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return stateDir + "/snowflake.ini"
}
