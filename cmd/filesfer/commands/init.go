package commands

import (
	"fmt"

	"github.com/cyberinferno/filesfer/config"
	"github.com/spf13/cobra"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write a default filesfer configuration file.

By default, the file is created at $XDG_CONFIG_HOME/filesfer/config.yaml.
Use --config to choose another path.

Examples:
  # Initialize with default location
  filesfer init

  # Force overwrite existing config
  filesfer init --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.InitConfig(root.configFile, force)
			if err != nil {
				return fmt.Errorf("failed to initialize config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration file created at: %s\n", path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Edit server.shared_dir and server.port")
			fmt.Fprintln(out, "  2. Start the server with: filesfer serve")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Force overwrite existing config file")
	return cmd
}
