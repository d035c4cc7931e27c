package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/livefs/livefs/liverestore"
)

var (
	migrateSource   string
	migrateThreads  int
	migrateReadSize int64
	migrateLogPath  string
	migrateSuffix   string
)

var migrateCommand = &cobra.Command{
	Use:   "migrate DEST",
	Short: "Run a live restore into DEST until it completes.",
	Long: `Mount DEST as a live restore of --source, copy the log files, then
run the background migration to completion. Safe to interrupt: the
restore resumes from its persisted state on the next run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dest, err := expandPath(args[0])
		if err != nil {
			return err
		}
		source, err := expandPath(migrateSource)
		if err != nil {
			return err
		}

		start := time.Now()
		f, err := liverestore.New(ctx, dest, liverestore.Options{
			SourcePath: source,
			ThreadsMax: migrateThreads,
			ReadSize:   migrateReadSize,
			LogPath:    migrateLogPath,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Terminate(ctx)
		}()

		if f.State() == liverestore.StateLogCopy {
			if err := f.CopyLogFiles(ctx); err != nil {
				return fmt.Errorf("log copy failed: %w", err)
			}
		}
		catalog := liverestore.NewSuffixCatalog(f, dest, migrateSuffix)
		if err := liverestore.NewServer(f, catalog).Run(ctx); err != nil {
			return fmt.Errorf("background migration failed: %w", err)
		}
		fmt.Printf("migration %v after %v\n", f.State(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func addMigrateFlags(flags *pflag.FlagSet) {
	flags.StringVar(&migrateSource, "source", "", "Directory to restore from (required)")
	flags.IntVar(&migrateThreads, "threads", 0, "Background worker count (0 for the default)")
	flags.Int64Var(&migrateReadSize, "read-size", 0, "Copy chunk size in bytes, must be a power of two (0 for the default)")
	flags.StringVar(&migrateLogPath, "log-path", "", "Log subdirectory inside the destination, relative")
	flags.StringVar(&migrateSuffix, "suffix", ".wt", "Suffix of the data files to migrate")
}

func init() {
	addMigrateFlags(migrateCommand.Flags())
	_ = migrateCommand.MarkFlagRequired("source")
	Root.AddCommand(migrateCommand)
}
