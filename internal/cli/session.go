package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/session"
	"github.com/roach88/docmirror/internal/storage"
)

// SessionOptions holds flags shared by the session subcommands.
type SessionOptions struct {
	*RootOptions
	User       string
	DocumentID string
	Hash       string
	File       string
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage exclusive edit sessions",
		Long: `Edit sessions lock one primary object for one user. The content hash taken
at acquire time is compared with the primary store before changes are written
back, so edits made elsewhere in the meantime are detected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSessionAcquireCommand(&SessionOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newSessionValidateCommand(&SessionOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newSessionCompleteCommand(&SessionOptions{RootOptions: rootOpts}))
	cmd.AddCommand(newSessionLastEditorCommand(rootOpts))
	cmd.AddCommand(newSessionStatusCommand(rootOpts))

	return cmd
}

func newSessionAcquireCommand(opts *SessionOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "acquire <object-key>",
		Short:   "Lock an object for editing",
		Example: `  docmirror session acquire sop/123.xlsx --user alice
  docmirror session acquire sop/123.xlsx --user alice --document 123`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				sess, err := d.Sessions().Acquire(ctx, session.AcquireRequest{
					ObjectKey:  args[0],
					DocumentID: opts.DocumentID,
					UserID:     opts.User,
				})
				if err != nil {
					return report(out, err)
				}
				return out.Emit(sess, func(w io.Writer) {
					fmt.Fprintf(w, "session %s acquired on %s by %s\n", sess.ID, sess.ObjectKey, sess.UserID)
					fmt.Fprintf(w, "original hash: %s\n", sess.OriginalHash)
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user taking the lock (required)")
	cmd.Flags().StringVar(&opts.DocumentID, "document", "", "application document id")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newSessionValidateCommand(opts *SessionOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Check a session is still usable and the object is unchanged",
		Long: `Checks ownership and expiry of the session and compares the primary object's
current hash with the hash taken at acquire time. Without --hash the current
object is read from the primary store.

Exits non-zero when a conflict is detected.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				mgr := d.Sessions()
				current := opts.Hash
				if current == "" {
					sess, err := mgr.Session(ctx, args[0])
					if err != nil {
						return report(out, err)
					}
					current, err = primaryHash(ctx, d, sess.ObjectKey)
					if err != nil {
						return report(out, err)
					}
				}

				v, err := mgr.Validate(ctx, args[0], opts.User, current)
				if err != nil {
					return report(out, err)
				}
				if v.Conflict != nil {
					return report(out, session.NewConflictError(v.Session, v.Conflict))
				}
				return out.Emit(v, func(w io.Writer) {
					fmt.Fprintf(w, "session %s is valid; %s unchanged since %s\n",
						v.Session.ID, v.Session.ObjectKey, humanize.Time(v.Session.LockedAt))
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user holding the session (required)")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "current primary hash (read from the primary store if omitted)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newSessionCompleteCommand(opts *SessionOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "complete <session-id>",
		Short:   "Release a session, recording the final content hash",
		Example: `  docmirror session complete 0192f0c4-... --user alice --hash 9f86d08...
  docmirror session complete 0192f0c4-... --user alice --file ./123.xlsx`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, opts.RootOptions, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				final, err := finalHash(opts)
				if err != nil {
					return report(out, err)
				}
				c, err := d.Sessions().Complete(ctx, args[0], opts.User, final)
				if err != nil {
					return report(out, err)
				}
				return out.Emit(c, func(w io.Writer) {
					switch {
					case c.Redundant:
						fmt.Fprintf(w, "session %s was already completed\n", c.Session.ID)
					case c.Changed:
						fmt.Fprintf(w, "session %s completed; %s changed\n", c.Session.ID, c.Session.ObjectKey)
					default:
						fmt.Fprintf(w, "session %s completed; %s unchanged\n", c.Session.ID, c.Session.ObjectKey)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user holding the session (required)")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "final content hash")
	cmd.Flags().StringVar(&opts.File, "file", "", "file whose content hash is the final hash")
	_ = cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("hash", "file")
	cmd.MarkFlagsOneRequired("hash", "file")

	return cmd
}

func newSessionLastEditorCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "last-editor <object-key>",
		Short:         "Show who last completed a session on an object",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, rootOpts, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				user, ok, err := d.Sessions().LastEditor(ctx, args[0])
				if err != nil {
					return report(out, fmt.Errorf("%w: %w", errDatabase, err))
				}
				data := map[string]interface{}{"object_key": args[0], "found": ok}
				if ok {
					data["user_id"] = user
				}
				return out.Emit(data, func(w io.Writer) {
					if !ok {
						fmt.Fprintf(w, "%s has never been edited\n", args[0])
						return
					}
					fmt.Fprintln(w, user)
				})
			})
		},
	}
}

func newSessionStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status [object-key]",
		Short:         "Show the active session on an object, or all active sessions",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd, rootOpts, func(ctx context.Context, d *Deps, out *OutputFormatter) error {
				mgr := d.Sessions()
				if len(args) == 1 {
					sess, err := mgr.ActiveSession(ctx, args[0])
					if err != nil {
						return report(out, err)
					}
					return out.Emit(sess, func(w io.Writer) { writeSessions(w, []model.EditSession{*sess}, d.Now(), mgr.MaxLockDuration()) })
				}

				sessions, err := d.Store.ListActiveSessions(ctx)
				if err != nil {
					return report(out, fmt.Errorf("%w: %w", errDatabase, err))
				}
				if sessions == nil {
					sessions = []model.EditSession{}
				}
				return out.Emit(sessions, func(w io.Writer) { writeSessions(w, sessions, d.Now(), mgr.MaxLockDuration()) })
			})
		},
	}
}

func writeSessions(w io.Writer, sessions []model.EditSession, now time.Time, maxLock time.Duration) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no active sessions")
		return
	}
	for _, s := range sessions {
		state := "locked " + humanize.RelTime(s.LockedAt, now, "ago", "from now")
		if s.ExpiredAt(now, maxLock) {
			state = "expired"
		}
		fmt.Fprintf(w, "%s  %s  %s  %s\n", s.ID, s.ObjectKey, s.UserID, state)
	}
}

// primaryHash reads key from the primary store and hashes it.
func primaryHash(ctx context.Context, d *Deps, key string) (string, error) {
	if d.Primary == nil {
		return "", fmt.Errorf("primary store: %w", storage.ErrNotConfigured)
	}
	data, err := retry.Value(ctx, d.Retry, "primary.get", func(ctx context.Context) ([]byte, error) {
		return d.Primary.Get(ctx, key)
	}, retry.WithRefresher(retry.RefresherOf(d.Primary)))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return hasher.Sum(data), nil
}

func finalHash(opts *SessionOptions) (string, error) {
	if opts.File == "" {
		return opts.Hash, nil
	}
	f, err := os.Open(opts.File)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return hasher.SumReader(f)
}
