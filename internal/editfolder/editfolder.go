// Package editfolder implements the desktop-sync editing flow.
//
// Checkout locks a primary object and places a copy in a drive folder that
// users edit through their desktop sync client. Collect walks that folder,
// validates each copy against its session and writes accepted edits back to
// the primary store.
package editfolder

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/model"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/session"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/synclog"
)

// DefaultConcurrency bounds in-flight items during Collect.
const DefaultConcurrency = 3

// Collect outcomes per item.
const (
	ActionApplied  = "applied"  // edit written to primary, session completed
	ActionReleased = "released" // content unchanged, session completed
	ActionConflict = "conflict" // primary changed under the session, left in place
	ActionSkipped  = "skipped"  // no usable session metadata
	ActionFailed   = "failed"
)

// Service runs checkout and collect against one edit folder.
type Service struct {
	primary  storage.Primary
	folder   storage.EditFolder
	sessions *session.Manager
	retry    *retry.Executor
	log      *synclog.Log
	logger   *slog.Logger
	prefix   string
}

// Option configures a Service.
type Option func(*Service)

// WithRetry sets the executor wrapping every remote call.
func WithRetry(e *retry.Executor) Option { return func(s *Service) { s.retry = e } }

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithPrefix sets the primary prefix used to derive keys for items whose
// metadata lacks one.
func WithPrefix(prefix string) Option { return func(s *Service) { s.prefix = prefix } }

// New creates a Service. folder may be nil when not configured.
func New(primary storage.Primary, folder storage.EditFolder, sessions *session.Manager, log *synclog.Log, opts ...Option) *Service {
	s := &Service{primary: primary, folder: folder, sessions: sessions, log: log}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.retry == nil {
		s.retry = retry.New(retry.WithLogger(s.logger))
	}
	return s
}

// CheckoutRequest names the object to check out and who edits it.
type CheckoutRequest struct {
	ObjectKey  string
	DocumentID string
	UserID     string
}

// CheckoutResult is the session and the edit-folder copy created for it.
type CheckoutResult struct {
	Session *model.EditSession  `json:"session"`
	Item    *storage.RemoteItem `json:"item"`
}

// Checkout acquires a session on req.ObjectKey and uploads the current
// content to the edit folder. If the upload fails the session is released
// without counting as an edit.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if s.folder == nil {
		return nil, fmt.Errorf("checkout %s: edit folder: %w", req.ObjectKey, storage.ErrNotConfigured)
	}

	sess, data, err := s.sessions.AcquireContent(ctx, session.AcquireRequest{
		ObjectKey:  req.ObjectKey,
		DocumentID: req.DocumentID,
		UserID:     req.UserID,
	})
	if err != nil {
		return nil, err
	}

	desc := Metadata{
		PrimaryKey: sess.ObjectKey,
		SessionID:  sess.ID,
		DocumentID: sess.DocumentID,
		UserID:     sess.UserID,
	}.Serialize()

	item, err := retry.Value(ctx, s.retry, "editfolder.upload", func(ctx context.Context) (*storage.RemoteItem, error) {
		return s.folder.Upload(ctx, data, path.Base(sess.ObjectKey), desc)
	}, retry.WithRefresher(retry.RefresherOf(s.folder)))
	if err != nil {
		err = fmt.Errorf("checkout %s: upload: %w", req.ObjectKey, err)
		if rerr := s.sessions.Release(ctx, sess.ID); rerr != nil {
			s.logger.Error("failed to release session after checkout failure", "session_id", sess.ID, "error", rerr)
		}
		s.log.Failure(ctx, synclog.OpEditFolderCheckout, req.ObjectKey, err.Error(), model.Details{"session_id": sess.ID})
		return nil, err
	}

	s.log.Success(ctx, synclog.OpEditFolderCheckout, req.ObjectKey, "checked out for editing", model.Details{
		"session_id": sess.ID,
		"item_id":    item.ID,
		"user_id":    sess.UserID,
	})
	return &CheckoutResult{Session: sess, Item: item}, nil
}

// CollectOptions controls one Collect pass.
type CollectOptions struct {
	// Force writes edits back even when the primary changed under the session.
	Force       bool
	Concurrency int
}

// ItemResult is the outcome for one edit-folder item.
type ItemResult struct {
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	PrimaryKey   string `json:"primary_key"`
	SessionID    string `json:"session_id,omitempty"`
	Action       string `json:"action"`
	Message      string `json:"message,omitempty"`
	OriginalHash string `json:"original_hash,omitempty"`
	CurrentHash  string `json:"current_hash,omitempty"`
	EditedHash   string `json:"edited_hash,omitempty"`
}

// CollectResult summarises a Collect pass.
type CollectResult struct {
	Items     []ItemResult `json:"items"`
	Applied   int          `json:"applied"`
	Released  int          `json:"released"`
	Conflicts int          `json:"conflicts"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
}

// Collect processes every item in the edit folder. Per-item failures are
// isolated and reported; only a failure to list the folder is returned.
func (s *Service) Collect(ctx context.Context, opts CollectOptions) (*CollectResult, error) {
	if s.folder == nil {
		return nil, fmt.Errorf("collect: edit folder: %w", storage.ErrNotConfigured)
	}
	if s.primary == nil {
		return nil, fmt.Errorf("collect: primary store: %w", storage.ErrNotConfigured)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	items, err := retry.Value(ctx, s.retry, "editfolder.list", s.folder.List,
		retry.WithRefresher(retry.RefresherOf(s.folder)))
	if err != nil {
		return nil, fmt.Errorf("collect: list edit folder: %w", err)
	}

	// Only the first copy of a session is written back; later copies (a sync
	// client's conflict duplicates) would race it to the primary.
	results := make([]ItemResult, len(items))
	claimed := make(map[string]string, len(items))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, item := range items {
		md, mdErr := ParseMetadata(item.Description, s.fallbackKey(item.Name))
		if mdErr == nil {
			if first, ok := claimed[md.SessionID]; ok {
				results[i] = s.duplicateItem(ctx, item, md, first)
				continue
			}
			claimed[md.SessionID] = item.Name
		}
		g.Go(func() error {
			results[i] = s.collectItem(ctx, item, md, mdErr, opts.Force)
			return nil
		})
	}
	_ = g.Wait()

	res := &CollectResult{Items: results}
	for _, r := range results {
		switch r.Action {
		case ActionApplied:
			res.Applied++
		case ActionReleased:
			res.Released++
		case ActionConflict:
			res.Conflicts++
		case ActionSkipped:
			res.Skipped++
		default:
			res.Failed++
		}
	}
	return res, nil
}

// duplicateItem reports a second copy of a session already being collected.
// It stays in the folder for a person to reconcile.
func (s *Service) duplicateItem(ctx context.Context, item storage.RemoteItem, md Metadata, first string) ItemResult {
	r := ItemResult{
		ItemID:     item.ID,
		Name:       item.Name,
		PrimaryKey: md.PrimaryKey,
		SessionID:  md.SessionID,
		Action:     ActionConflict,
		Message:    fmt.Sprintf("session %s is already collected from %s", md.SessionID, first),
	}
	s.log.Failure(ctx, synclog.OpEditFolderCollect, r.PrimaryKey, r.Message, model.Details{
		"item_id":    r.ItemID,
		"session_id": r.SessionID,
		"action":     r.Action,
	})
	return r
}

func (s *Service) collectItem(ctx context.Context, item storage.RemoteItem, md Metadata, mdErr error, force bool) ItemResult {
	r := ItemResult{ItemID: item.ID, Name: item.Name, PrimaryKey: md.PrimaryKey, SessionID: md.SessionID}
	if mdErr != nil {
		r.Action = ActionSkipped
		r.Message = mdErr.Error()
		s.logger.Debug("skipping edit folder item", "item", item.Name, "error", mdErr)
		return r
	}

	finish := func(action string, err error) ItemResult {
		r.Action = action
		details := model.Details{
			"item_id":       r.ItemID,
			"session_id":    r.SessionID,
			"action":        action,
			"original_hash": r.OriginalHash,
			"current_hash":  r.CurrentHash,
			"edited_hash":   r.EditedHash,
		}
		for k, v := range details {
			if v == "" {
				delete(details, k)
			}
		}
		if err != nil {
			r.Message = err.Error()
			s.log.Failure(ctx, synclog.OpEditFolderCollect, r.PrimaryKey, r.Message, details)
		} else {
			s.log.Success(ctx, synclog.OpEditFolderCollect, r.PrimaryKey, "edit "+action, details)
		}
		return r
	}

	sess, err := s.sessions.Session(ctx, md.SessionID)
	if err != nil {
		if session.IsNotFound(err) {
			r.Action = ActionSkipped
			r.Message = err.Error()
			return r
		}
		return finish(ActionFailed, err)
	}
	r.OriginalHash = sess.OriginalHash
	user := md.UserID
	if user == "" {
		user = sess.UserID
	}
	if md.PrimaryKey != sess.ObjectKey {
		r.PrimaryKey = sess.ObjectKey
	}

	edited, err := retry.Value(ctx, s.retry, "editfolder.download", func(ctx context.Context) ([]byte, error) {
		return s.folder.Download(ctx, item.ID)
	}, retry.WithRefresher(retry.RefresherOf(s.folder)))
	if err != nil {
		return finish(ActionFailed, fmt.Errorf("download: %w", err))
	}
	r.EditedHash = hasher.Sum(edited)

	current, err := retry.Value(ctx, s.retry, "primary.get", func(ctx context.Context) ([]byte, error) {
		return s.primary.Get(ctx, sess.ObjectKey)
	}, retry.WithRefresher(retry.RefresherOf(s.primary)))
	if err != nil {
		return finish(ActionFailed, fmt.Errorf("read primary: %w", err))
	}
	r.CurrentHash = hasher.Sum(current)

	v, err := s.sessions.Validate(ctx, sess.ID, user, r.CurrentHash)
	if err != nil {
		return finish(ActionFailed, err)
	}
	if v.Conflict != nil && !force {
		return finish(ActionConflict, session.NewConflictError(sess, v.Conflict))
	}

	action := ActionReleased
	finalHash := sess.OriginalHash
	if !hasher.Equal(r.EditedHash, sess.OriginalHash) {
		action = ActionApplied
		finalHash = r.EditedHash
		contentType := mimetype.Detect(edited).String()
		err := s.retry.Do(ctx, "primary.put", func(ctx context.Context) error {
			return s.primary.Put(ctx, sess.ObjectKey, edited, contentType)
		}, retry.WithRefresher(retry.RefresherOf(s.primary)))
		if err != nil {
			return finish(ActionFailed, fmt.Errorf("write primary: %w", err))
		}
	}

	if _, err := s.sessions.Complete(ctx, sess.ID, user, finalHash); err != nil {
		return finish(ActionFailed, err)
	}

	err = s.retry.Do(ctx, "editfolder.delete", func(ctx context.Context) error {
		return s.folder.Delete(ctx, item.ID)
	}, retry.WithRefresher(retry.RefresherOf(s.folder)))
	if err != nil && !storage.IsNotFound(err) {
		s.logger.Warn("edit folder copy not removed", "item", item.ID, "error", err)
		r.Message = "remote copy not removed: " + err.Error()
	}
	return finish(action, nil)
}

// fallbackKey derives a primary key from an item name under the prefix.
func (s *Service) fallbackKey(name string) string {
	if name == "" {
		return ""
	}
	if s.prefix == "" {
		return name
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + name
}
