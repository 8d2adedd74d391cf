// Package commands implements the filesfer command line.
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

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	configFile string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "filesfer",
		Short: "Filesfer - share a directory over a simple TCP protocol",
		Long: `Filesfer serves the files of one directory to any number of concurrent
TCP clients. Clients list, upload and download files with a line-based
control protocol carrying raw binary payloads.

Use "filesfer [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/filesfer/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newInitCmd(opts),
		newListCmd(opts),
		newPutCmd(opts),
		newGetCmd(opts),
		newVersionCmd(),
	)
	root.CompletionOptions.DisableDefaultCmd = true

	return root
}

// Execute runs the command line. It is called by main.main.
func Execute() error {
	return NewRootCmd().Execute()
}
