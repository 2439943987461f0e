package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/docmirror/internal/editfolder"
)

// EditFolderOptions holds flags for the edit-folder commands.
type EditFolderOptions struct {
	*RootOptions
	User        string
	DocumentID  string
	Force       bool
	Concurrency int
}

// NewEditFolderCommand creates the edit command group.
func NewEditFolderCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit documents through the synced edit folder",
		Long: `checkout locks an object and places a copy in the edit folder on the backup
drive. collect writes finished edits back to the primary store and releases
their sessions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newCheckoutCommand(&EditFolderOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newCollectCommand(&EditFolderOptions{RootOptions: rootOpts}))

	return cmd
}

func newCheckoutCommand(opts *EditFolderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "checkout <object-key>",
		Short:         "Lock an object and copy it to the edit folder",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				res, err := d.EditFolders().Checkout(ctx, editfolder.CheckoutRequest{
					ObjectKey:  args[0],
					DocumentID: opts.DocumentID,
					UserID:     opts.User,
				})
				if err != nil {
					return report(out, err)
				}
				return out.Emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "checked out %s as %s (session %s)\n", res.Session.ObjectKey, res.Item.Name, res.Session.ID)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user editing the document (required)")
	cmd.Flags().StringVar(&opts.DocumentID, "document", "", "application document id")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newCollectCommand(opts *EditFolderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Write finished edits back to the primary store",
		Long: `Walks the edit folder. Each copy is validated against its session: unchanged
copies release the lock, edited copies are written to the primary store, and
copies whose primary object changed in the meantime are left in place unless
--force is given.

Exits non-zero when any item failed or conflicted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				concurrency := opts.Concurrency
				if concurrency <= 0 && d.Config != nil {
					concurrency = d.Config.BackupRun.Concurrency
				}
				res, err := d.EditFolders().Collect(ctx, editfolder.CollectOptions{
					Force:       opts.Force,
					Concurrency: concurrency,
				})
				if err != nil {
					return report(out, err)
				}
				if err := out.Emit(res, func(w io.Writer) { writeCollectResult(w, res) }); err != nil {
					return err
				}
				if res.Failed > 0 || res.Conflicts > 0 {
					return WrapExitError(ExitFailure, "collect incomplete",
						errReported{fmt.Errorf("%d failed, %d conflicts", res.Failed, res.Conflicts)})
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "write edits back even when the primary object changed")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "items processed in parallel (default from config)")

	return cmd
}

func writeCollectResult(w io.Writer, res *editfolder.CollectResult) {
	fmt.Fprintf(w, "%d applied, %d released, %d conflicts, %d skipped, %d failed\n",
		res.Applied, res.Released, res.Conflicts, res.Skipped, res.Failed)
	for _, it := range res.Items {
		if it.Message == "" {
			fmt.Fprintf(w, "  %-8s %s\n", it.Action, it.Name)
			continue
		}
		fmt.Fprintf(w, "  %-8s %s: %s\n", it.Action, it.Name, it.Message)
	}
}
