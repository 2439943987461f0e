package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/docmirror/internal/backup"
	"github.com/roach88/docmirror/internal/config"
	"github.com/roach88/docmirror/internal/editfolder"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/session"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/storage/minio"
	"github.com/roach88/docmirror/internal/storage/onedrive"
	"github.com/roach88/docmirror/internal/storage/s3"
	"github.com/roach88/docmirror/internal/store"
	"github.com/roach88/docmirror/internal/synclog"
)

// Deps are the runtime dependencies shared by commands. Adapters whose
// configuration is incomplete are left nil; operations needing them fail
// with storage.ErrNotConfigured.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *store.Store
	Log        *synclog.Log
	Retry      *retry.Executor
	Primary    storage.Primary
	Backup     storage.Backup
	EditFolder storage.EditFolder

	Now func() time.Time
	IDs session.IDGenerator
}

// OpenDeps loads configuration, opens the database and builds adapters.
func OpenDeps(cmd *cobra.Command, opts *RootOptions) (*Deps, error) {
	var (
		cfg *config.Config
		err error
	)
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOrDefault(opts.ConfigPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, opts.Verbose)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errDatabase, err)
	}

	d := &Deps{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Now:    time.Now,
		Retry: retry.New(
			retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
			retry.WithBackoff(cfg.Retry.BaseBackoff.D(), cfg.Retry.MaxBackoff.D()),
			retry.WithMaxElapsed(cfg.Retry.MaxElapsed.D()),
			retry.WithAttemptTimeout(cfg.Retry.AttemptTimeout.D()),
			retry.WithLogger(logger),
		),
	}
	d.Log = synclog.New(st, synclog.WithLogger(logger))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.openPrimary(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := d.openBackup(); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) openPrimary(ctx context.Context) error {
	p := d.Config.Primary
	var (
		primary storage.Primary
		err     error
	)
	switch p.Backend {
	case "s3":
		var st *s3.Store
		st, err = s3.New(ctx, s3.Config{
			Endpoint:  p.Endpoint,
			Region:    p.Region,
			Bucket:    p.Bucket,
			AccessKey: p.AccessKey,
			SecretKey: p.SecretKey,
		})
		if err == nil {
			primary = st
		}
	default:
		var st *minio.Store
		st, err = minio.New(minio.Config{
			Endpoint:  p.Endpoint,
			Region:    p.Region,
			Bucket:    p.Bucket,
			AccessKey: p.AccessKey,
			SecretKey: p.SecretKey,
			UseSSL:    p.UseSSL,
		})
		if err == nil {
			primary = st
		}
	}
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		d.Logger.Debug("primary store not configured", "backend", p.Backend)
	case err != nil:
		return fmt.Errorf("%w: primary store: %w", errConfig, err)
	default:
		d.Primary = primary
	}
	return nil
}

func (d *Deps) openBackup() error {
	b := d.Config.Backup
	client, err := onedrive.New(onedrive.Config{
		GraphURL:     b.GraphURL,
		TokenURL:     b.TokenURL,
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		RefreshToken: b.RefreshToken,
		DriveID:      b.DriveID,
		Folder:       b.Folder,
		EditFolder:   b.EditFolder,
		HTTPClient:   &http.Client{},
	})
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		d.Logger.Debug("backup drive not configured", "backend", b.Backend)
		return nil
	case err != nil:
		return fmt.Errorf("%w: backup drive: %w", errConfig, err)
	}
	d.Backup = client
	if ef := client.EditFolder(); ef != nil {
		d.EditFolder = ef
	}
	return nil
}

// Close releases the database.
func (d *Deps) Close() error {
	if d.Store == nil {
		return nil
	}
	return d.Store.Close()
}

func (d *Deps) prefix() string {
	if d.Config == nil {
		return ""
	}
	return d.Config.Primary.Prefix
}

// Orchestrator builds the backup orchestrator.
func (d *Deps) Orchestrator() *backup.Orchestrator {
	return backup.New(d.Primary, d.Backup, d.Store, d.Log,
		backup.WithRetry(d.Retry),
		backup.WithClock(d.Now),
		backup.WithLogger(d.Logger),
		backup.WithPrefix(d.prefix()),
	)
}

// Sessions builds the edit-session manager.
func (d *Deps) Sessions() *session.Manager {
	opts := []session.Option{
		session.WithRetry(d.Retry),
		session.WithClock(d.Now),
		session.WithLogger(d.Logger),
	}
	if d.Config != nil {
		opts = append(opts, session.WithMaxLockDuration(d.Config.Sessions.MaxLockDuration.D()))
	}
	if d.IDs != nil {
		opts = append(opts, session.WithIDGenerator(d.IDs))
	}
	return session.New(d.Store, d.Primary, d.Log, opts...)
}

// EditFolders builds the edit-folder service.
func (d *Deps) EditFolders() *editfolder.Service {
	return editfolder.New(d.Primary, d.EditFolder, d.Sessions(), d.Log,
		editfolder.WithRetry(d.Retry),
		editfolder.WithLogger(d.Logger),
		editfolder.WithPrefix(d.prefix()),
	)
}

// newLogger builds the operational logger: debug with --verbose, otherwise
// the configured level.
func newLogger(w io.Writer, level string, verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// withDeps opens dependencies, runs fn and closes them. Failures to open
// are reported through the formatter.
func withDeps(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, d *Deps, out *OutputFormatter) error) error {
	out := opts.formatter(cmd)
	d, err := opts.open(cmd)
	if err != nil {
		return report(out, err)
	}
	defer func() {
		if cerr := d.Close(); cerr != nil && d.Logger != nil {
			d.Logger.Error("error closing database", "error", cerr)
		}
	}()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, d, out)
}
