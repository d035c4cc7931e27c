// Package cmd implements the livefs command line.
package cmd

import (
	"fmt"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose int

// Root is the main livefs command
var Root = &cobra.Command{
	Use:   "livefs",
	Short: "Serve a database from a backup while it restores in place.",
	Long: `livefs drives a live restore: the destination directory is usable
immediately while a background migration copies the remaining bytes
out of the read-only source directory.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case verbose >= 2:
			logrus.SetLevel(logrus.DebugLevel)
		case verbose == 1:
			logrus.SetLevel(logrus.InfoLevel)
		default:
			logrus.SetLevel(logrus.WarnLevel)
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	Root.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
}

// expandPath expands a leading ~ in a user-supplied path. Other paths,
// relative ones included, are returned unchanged.
func expandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand %q: %w", path, err)
	}
	return expanded, nil
}

// Main runs the root command and exits non zero on failure.
func Main() {
	if err := Root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "livefs: %v\n", err)
		os.Exit(1)
	}
}
