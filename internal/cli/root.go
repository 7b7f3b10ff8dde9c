// Package cli is the relaybot command line.
//
// Usage:
//
//	relaybot run -c config.yaml     # start the bot
//	relaybot check -c config.yaml   # validate config, open and migrate storage
//	relaybot version
package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"relaybot/internal/config"
)

// Version information, set at build time via ldflags:
//
//	go build -ldflags "-X relaybot/internal/cli.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relaybot",
		Short: "Relay X posts and YouTube uploads into Discord channels",
		Long: `relaybot polls tracked X accounts and YouTube channels on a fixed
grid and posts new items into each server's configured channels.

Credentials can come from the config file or the environment
(DISCORD_TOKEN, TWITTER_BEARER_TOKEN, YOUTUBE_API_KEY, ...). A .env file
in the working directory is loaded first.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadEnvFiles(opts.envFiles...)
			if err != nil {
				return fmt.Errorf("env file: %w", err)
			}
			for _, f := range loaded {
				fmt.Fprintf(cmd.ErrOrStderr(), "loaded env from %s\n", f)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to a JSON or YAML config file (empty: environment only)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil,
		"env files to load (default .env)")

	root.AddCommand(newRunCommand(opts), newCheckCommand(opts), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "relaybot %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", commit)
	fmt.Fprintf(w, "  built:  %s\n", date)
}
