package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit     int
	Operation string
	Subject   string
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "log",
		Short:   "Show the sync audit log, newest first",
		Example: `  docmirror log --limit 20
  docmirror log --operation session.acquire --subject sop/123.xlsx`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				entries, err := d.Store.ListLog(ctx, store.LogFilter{
					Operation: opts.Operation,
					Subject:   opts.Subject,
					Limit:     opts.Limit,
				})
				if err != nil {
					return report(out, fmt.Errorf("%w: %w", errDatabase, err))
				}
				if entries == nil {
					entries = []model.SyncLogEntry{}
				}
				return out.Emit(entries, func(w io.Writer) { writeLog(w, entries, out.Verbose) })
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries (0 for all)")
	cmd.Flags().StringVar(&opts.Operation, "operation", "", "only entries for this operation")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "only entries for this subject")

	return cmd
}

func writeLog(w io.Writer, entries []model.SyncLogEntry, verbose bool) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s  %-7s %-20s %s  %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Status, e.Operation, e.Subject, e.Message)
		if verbose && e.Details != "" {
			fmt.Fprintf(w, "    %s\n", e.Details)
		}
	}
}

// recordsSummary is the payload of the records command.
type recordsSummary struct {
	Counts  map[model.SyncStatus]int `json:"counts"`
	Records []model.SyncRecord       `json:"records"`
}

// NewRecordsCommand creates the records command.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "records",
		Short:         "Show the backup state of every known object",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, rootOpts, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				counts, err := d.Store.CountSyncRecords(ctx)
				if err != nil {
					return report(out, fmt.Errorf("%w: %w", errDatabase, err))
				}
				records, err := d.Store.ListSyncRecords(ctx)
				if err != nil {
					return report(out, fmt.Errorf("%w: %w", errDatabase, err))
				}
				if records == nil {
					records = []model.SyncRecord{}
				}
				sum := recordsSummary{Counts: counts, Records: records}
				return out.Emit(sum, func(w io.Writer) { writeRecords(w, sum) })
			})
		},
	}
}

func writeRecords(w io.Writer, sum recordsSummary) {
	statuses := make([]string, 0, len(sum.Counts))
	for s := range sum.Counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintf(w, "%d records", len(sum.Records))
	for _, s := range statuses {
		fmt.Fprintf(w, ", %d %s", sum.Counts[model.SyncStatus(s)], s)
	}
	fmt.Fprintln(w)

	for _, r := range sum.Records {
		line := fmt.Sprintf("  %-7s %s  %s", r.Status, r.PrimaryKey, humanize.Bytes(uint64(r.Size)))
		if r.LastError != "" {
			line += "  " + r.LastError
		}
		fmt.Fprintln(w, line)
	}
}
