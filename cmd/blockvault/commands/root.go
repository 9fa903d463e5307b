// Package commands implements blockvault's CLI, laid out the way dittofs's
// cmd/dittofs/commands package is: one cobra command per file, a package
// global rootCmd, an Execute entry point called by main.
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time via ldflags.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "blockvault",
	Short: "blockvault restores deduplicated, encrypted backup data",
	Long: `blockvault is a content-addressed, deduplicating backup restore tool.

It resolves a backup's catalog of files and blocks, fetches and decrypts the
remote volumes those blocks live in, decompresses each block, and reassembles
the original files byte-for-byte.

Use "blockvault [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/blockvault/config.yaml)")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("blockvault %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

// Exit prints an error to stderr and exits with code 1. main does not call
// it; it reports Execute's error and exits with code 1 on its own.
func Exit(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
	os.Exit(1)
}
