package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/docmirror/internal/backup"
	"github.com/roach88/docmirror/internal/model"
)

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	DryRun      bool
	Concurrency int
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Copy new and modified documents to the backup drive",
		Long: `Lists the primary store, compares each object with its sync record and
uploads new or modified documents to the backup drive.

Per-file failures are reported and do not stop the run; the command exits
non-zero when any file failed.

Example:
  docmirror backup
  docmirror backup --dry-run --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "detect changes without uploading")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "files uploaded in parallel (default from config)")

	return cmd
}

func runBackup(cmd *cobra.Command, opts *BackupOptions) error {
	return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
		concurrency := opts.Concurrency
		if concurrency <= 0 && d.Config != nil {
			concurrency = d.Config.BackupRun.Concurrency
		}
		out.VerboseLog("starting backup (dry run: %t, concurrency: %d)", opts.DryRun, concurrency)

		res, err := d.Orchestrator().PerformBackup(ctx, backup.Options{
			DryRun:      opts.DryRun,
			Concurrency: concurrency,
		})
		if err != nil {
			return report(out, err)
		}

		if err := out.Emit(res, func(w io.Writer) { writeBackupResult(w, res) }); err != nil {
			return err
		}
		if !res.Success {
			return WrapExitError(ExitFailure, CodeBackupErrors,
				errReported{fmt.Errorf("%d file(s) failed", len(res.Errors))})
		}
		return nil
	})
}

func writeBackupResult(w io.Writer, res *backup.Result) {
	fmt.Fprintln(w, res.Message)
	if !res.DryRun && res.BytesUploaded > 0 {
		fmt.Fprintf(w, "uploaded %s in %s\n",
			humanize.Bytes(uint64(res.BytesUploaded)),
			res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	}
	for _, fe := range res.Errors {
		fmt.Fprintf(w, "  FAILED %s: %s\n", fe.Key, fe.Message)
	}
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether a backup is needed",
		Long: `Runs change detection only. Nothing is uploaded and no record is changed.

Example:
  docmirror check
  docmirror check --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, rootOpts, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				sum, err := d.Orchestrator().CheckIfBackupNeeded(ctx)
				if err != nil {
					return report(out, err)
				}
				return out.Emit(sum, func(w io.Writer) { writeNeedSummary(w, sum, out.Verbose) })
			})
		},
	}
}

func writeNeedSummary(w io.Writer, sum *backup.NeedSummary, verbose bool) {
	if sum.NeedsBackup {
		fmt.Fprintf(w, "backup needed: %d new, %d modified, %d unchanged of %d\n",
			sum.NewFilesCount, sum.ModifiedFilesCount, sum.UnchangedFilesCount, sum.TotalFiles)
	} else {
		fmt.Fprintf(w, "up to date: %d files\n", sum.TotalFiles)
	}
	for _, c := range sum.Changes {
		if c.Type == model.ChangeUnchanged && !verbose {
			continue
		}
		fmt.Fprintf(w, "  %-9s %s (%s, modified %s)\n",
			c.Type, c.Key, humanize.Bytes(uint64(c.Size)), humanize.Time(c.LastModified))
	}
}
