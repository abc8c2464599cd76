// Package cmd defines the tracksync command line: a long-running HTTP service
// and a one-shot batch run over a single track list.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/tracksync/internal/config"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configPath string
	cfg        config.Config
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tracksync",
		Short: "Sync track lists into a local audio library.",
		Long: `tracksync reads track lists (CSV exports or Spotify playlists), searches
for each entry, downloads the audio, and remembers what it already has so
reruns only fetch new tracks. Run it once from the shell, or serve the HTTP
API to submit and watch runs remotely.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json, or toml)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	return cmd
}

// Execute runs the CLI and exits with the command's status.
func Execute() {
	os.Exit(run(newRootCmd(), os.Args[1:]))
}

func run(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		if exit.msg != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), exit.msg)
		}
		return exit.code
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	return 1
}
