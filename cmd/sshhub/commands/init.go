package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/sshhub/config"
	"github.com/cyberinferno/sshhub/sshserver"
)

const defaultConfigPath = "sshhub.yaml"

func newInitCmd(cfgFile *string) *cobra.Command {
	var (
		force   bool
		hostKey string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write the default configuration as YAML to --config (or ./sshhub.yaml).
With --host-key an Ed25519 host key is generated at that path too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := *cfgFile
			if path == "" {
				path = defaultConfigPath
			}

			if err := config.WriteDefault(path, force); err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", path)

			if hostKey != "" {
				if err := sshserver.WriteHostKey(hostKey); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Host key created at: %s\n", hostKey)
				fmt.Fprintf(cmd.OutOrStdout(), "Add it to ssh.host_keys in %s\n", path)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Start the server with: sshhub start --config %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&hostKey, "host-key", "", "also generate an Ed25519 host key at this path")

	return cmd
}
