// Package commands implements the sshhub CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCmd builds the command tree. Each call returns independent flag
// state.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "sshhub",
		Short: "sshhub - multi-client SSH broadcast server",
		Long: `sshhub accepts SSH connections, echoes what each client types and
relays it to every other connected client. It also answers remote port
forward requests with a greeting channel and shuts itself down after a
configurable time.

All configuration options can be overridden with environment variables:
SSHHUB_<SECTION>_<KEY>, e.g. SSHHUB_SERVER_LISTEN=127.0.0.1:2222.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")

	root.AddCommand(newStartCmd(&cfgFile))
	root.AddCommand(newInitCmd(&cfgFile))
	root.AddCommand(newConnectCmd())
	root.AddCommand(newVersionCmd())
	root.CompletionOptions.DisableDefaultCmd = true

	return root
}
