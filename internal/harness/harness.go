package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/docmirror/internal/backup"
	"github.com/roach88/docmirror/internal/editfolder"
	"github.com/roach88/docmirror/internal/hasher"
	"github.com/roach88/docmirror/internal/retry"
	"github.com/roach88/docmirror/internal/session"
	"github.com/roach88/docmirror/internal/storage"
	"github.com/roach88/docmirror/internal/store"
	"github.com/roach88/docmirror/internal/synclog"
	"github.com/roach88/docmirror/internal/testutil"
)

// DefaultObjectAge is how old seeded objects are when Age is unset.
const DefaultObjectAge = time.Hour

// Harness holds the services one scenario runs against.
type Harness struct {
	store    *store.Store
	clock    *testutil.FakeClock
	primary  *testutil.MemoryPrimary
	backup   *testutil.MemoryBackup
	folder   *testutil.MemoryEditFolder
	backups  *backup.Orchestrator
	sessions *session.Manager
	edits    *editfolder.Service
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database. Step failures are
// recorded as outcomes, not returned; the error is only for harness setup
// problems.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st)
	for _, obj := range scenario.Objects {
		age := DefaultObjectAge
		if obj.Age != "" {
			if age, err = time.ParseDuration(obj.Age); err != nil {
				return nil, fmt.Errorf("object %s: invalid age: %w", obj.Key, err)
			}
		}
		h.primary.SetObject(obj.Key, []byte(obj.Content), h.clock.Peek().Add(-age))
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Flow {
		ev := h.execute(ctx, step)
		result.AddTrace(ev)

		want := OutcomeOK
		if step.Expect != nil && step.Expect.Outcome != "" {
			want = step.Expect.Outcome
		}
		if ev.Outcome != want {
			msg := fmt.Sprintf("flow[%d] %s: expected outcome %s, got %s", i, step.Action, want, ev.Outcome)
			if ev.Message != "" {
				msg += ": " + ev.Message
			}
			result.AddError(msg)
			continue
		}
		if step.Expect != nil {
			for _, key := range sortedKeys(step.Expect.Result) {
				expected := step.Expect.Result[key]
				actual, ok := ev.Result[key]
				if !ok || !valuesEqual(actual, expected) {
					result.AddError(fmt.Sprintf("flow[%d] %s: result %q = %v, expected %v", i, step.Action, key, actual, expected))
				}
			}
		}

		h.logger.Debug("flow step completed", "step", i, "action", step.Action, "outcome", ev.Outcome)
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(st *store.Store) *Harness {
	clock := testutil.NewFakeClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := retry.New(
		retry.WithMaxAttempts(3),
		retry.WithBackoff(time.Millisecond, time.Millisecond),
		retry.WithLogger(logger),
	)
	log := synclog.New(st, synclog.WithClock(clock.Now), synclog.WithLogger(logger))

	h := &Harness{
		store:   st,
		clock:   clock,
		primary: testutil.NewMemoryPrimary(clock.Now),
		backup:  testutil.NewMemoryBackup(clock.Now),
		folder:  testutil.NewMemoryEditFolder(clock.Now),
		logger:  logger,
	}
	h.backups = backup.New(h.primary, h.backup, st, log,
		backup.WithRetry(exec),
		backup.WithClock(clock.Now),
		backup.WithLogger(logger),
	)
	h.sessions = session.New(st, h.primary, log,
		session.WithRetry(exec),
		session.WithClock(clock.Now),
		session.WithIDGenerator(session.NewSequenceGenerator("s")),
		session.WithLogger(logger),
	)
	h.edits = editfolder.New(h.primary, h.folder, h.sessions, log,
		editfolder.WithRetry(exec),
		editfolder.WithLogger(logger),
	)
	return h
}

// execute runs one step and records its outcome.
func (h *Harness) execute(ctx context.Context, step FlowStep) TraceEvent {
	ev := TraceEvent{Action: step.Action, Args: step.Args}
	a := args(step.Args)

	var (
		res map[string]interface{}
		err error
	)
	switch step.Action {
	case ActionPut:
		res, err = h.put(a)
	case ActionAdvance:
		res, err = h.advance(a)
	case ActionBackup:
		res, err = h.runBackup(ctx, a)
	case ActionCheck:
		res, err = h.check(ctx)
	case ActionAcquire:
		res, err = h.acquire(ctx, a)
	case ActionValidate:
		res, err = h.validate(ctx, a)
	case ActionComplete:
		res, err = h.complete(ctx, a)
	case ActionLastEditor:
		res, err = h.lastEditor(ctx, a)
	case ActionCheckout:
		res, err = h.checkout(ctx, a)
	case ActionEdit:
		res, err = h.edit(a)
	case ActionCollect:
		res, err = h.collect(ctx, a)
	case ActionFail:
		err = h.fail(a)
	case ActionHeal:
		err = h.heal(a)
	default:
		err = fmt.Errorf("unknown action %q", step.Action)
	}

	ev.Result = res
	ev.Outcome = OutcomeOf(err)
	if err != nil {
		ev.Message = err.Error()
	}
	return ev
}

// OutcomeOf maps a step error to its outcome code.
func OutcomeOf(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := session.CodeOf(err); code != "" {
		return string(code)
	}
	var re *storage.RemoteError
	switch {
	case errors.Is(err, storage.ErrNotConfigured):
		return OutcomeNotConfigured
	case errors.Is(err, retry.ErrRetryExhausted):
		return OutcomeRetryExhausted
	case errors.As(err, &re):
		return OutcomeRemoteError
	}
	return OutcomeError
}

func (h *Harness) put(a args) (map[string]interface{}, error) {
	key, err := a.required("key")
	if err != nil {
		return nil, err
	}
	data := []byte(a.str("content"))
	h.primary.SetObject(key, data, h.clock.Peek())
	return map[string]interface{}{"hash": hasher.Sum(data)}, nil
}

func (h *Harness) advance(a args) (map[string]interface{}, error) {
	d, err := time.ParseDuration(a.str("duration"))
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	h.clock.Advance(d)
	return map[string]interface{}{"now": h.clock.Peek().Format(time.RFC3339)}, nil
}

func (h *Harness) runBackup(ctx context.Context, a args) (map[string]interface{}, error) {
	res, err := h.backups.PerformBackup(ctx, backup.Options{DryRun: a.boolean("dry_run"), Concurrency: 1})
	if err != nil {
		return nil, err
	}
	failed := make([]interface{}, len(res.Errors))
	for i, fe := range res.Errors {
		failed[i] = fe.Key
	}
	return map[string]interface{}{
		"success":        res.Success,
		"total_checked":  res.TotalChecked,
		"new":            res.NewFilesBackedUp,
		"modified":       res.ModifiedFilesBackedUp,
		"skipped":        res.SkippedFiles,
		"new_detected":   res.NewDetected,
		"bytes_uploaded": res.BytesUploaded,
		"failed":         failed,
	}, nil
}

func (h *Harness) check(ctx context.Context) (map[string]interface{}, error) {
	sum, err := h.backups.CheckIfBackupNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"needs_backup": sum.NeedsBackup,
		"total":        sum.TotalFiles,
		"new":          sum.NewFilesCount,
		"modified":     sum.ModifiedFilesCount,
		"unchanged":    sum.UnchangedFilesCount,
	}, nil
}

func (h *Harness) acquire(ctx context.Context, a args) (map[string]interface{}, error) {
	sess, err := h.sessions.Acquire(ctx, session.AcquireRequest{
		ObjectKey:  a.str("key"),
		DocumentID: a.str("document"),
		UserID:     a.str("user"),
	})
	if err != nil {
		return holder(err), err
	}
	return map[string]interface{}{
		"session":       sess.ID,
		"user":          sess.UserID,
		"original_hash": sess.OriginalHash,
	}, nil
}

// validate compares against the hash of "content" when given, otherwise
// the current primary object.
func (h *Harness) validate(ctx context.Context, a args) (map[string]interface{}, error) {
	id := a.str("session")
	current := a.str("hash")
	if c, ok := a["content"]; ok {
		current = hasher.Sum([]byte(fmt.Sprint(c)))
	}
	if current == "" {
		sess, err := h.sessions.Session(ctx, id)
		if err != nil {
			return nil, err
		}
		data, ok := h.primary.Content(sess.ObjectKey)
		if !ok {
			return nil, fmt.Errorf("validate: %s missing from primary", sess.ObjectKey)
		}
		current = hasher.Sum(data)
	}

	v, err := h.sessions.Validate(ctx, id, a.str("user"), current)
	if err != nil {
		return nil, err
	}
	res := map[string]interface{}{"conflict": v.Conflict != nil, "current_hash": current}
	if v.Conflict != nil {
		res["original_hash"] = v.Conflict.OriginalHash
	}
	return res, nil
}

func (h *Harness) complete(ctx context.Context, a args) (map[string]interface{}, error) {
	final := a.str("hash")
	if c, ok := a["content"]; ok {
		final = hasher.Sum([]byte(fmt.Sprint(c)))
	}
	c, err := h.sessions.Complete(ctx, a.str("session"), a.str("user"), final)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"changed":    c.Changed,
		"redundant":  c.Redundant,
		"final_hash": c.Session.FinalHash,
	}, nil
}

func (h *Harness) lastEditor(ctx context.Context, a args) (map[string]interface{}, error) {
	user, ok, err := h.sessions.LastEditor(ctx, a.str("key"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"found": ok, "user": user}, nil
}

func (h *Harness) checkout(ctx context.Context, a args) (map[string]interface{}, error) {
	res, err := h.edits.Checkout(ctx, editfolder.CheckoutRequest{
		ObjectKey:  a.str("key"),
		DocumentID: a.str("document"),
		UserID:     a.str("user"),
	})
	if err != nil {
		return holder(err), err
	}
	return map[string]interface{}{
		"session": res.Session.ID,
		"item":    res.Item.Name,
	}, nil
}

// edit replaces the content of the edit-folder copy called name.
func (h *Harness) edit(a args) (map[string]interface{}, error) {
	name, err := a.required("name")
	if err != nil {
		return nil, err
	}
	items, err := h.folder.List(context.Background())
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Name == name {
			data := []byte(a.str("content"))
			if err := h.folder.Replace(it.ID, data); err != nil {
				return nil, err
			}
			return map[string]interface{}{"hash": hasher.Sum(data)}, nil
		}
	}
	return nil, fmt.Errorf("edit: no edit-folder item named %q", name)
}

func (h *Harness) collect(ctx context.Context, a args) (map[string]interface{}, error) {
	res, err := h.edits.Collect(ctx, editfolder.CollectOptions{Force: a.boolean("force"), Concurrency: 1})
	if err != nil {
		return nil, err
	}
	actions := map[string]interface{}{}
	for _, it := range res.Items {
		actions[it.Name] = it.Action
	}
	return map[string]interface{}{
		"applied":   res.Applied,
		"released":  res.Released,
		"conflicts": res.Conflicts,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
		"items":     actions,
	}, nil
}

// faulter is implemented by the in-memory stores.
type faulter interface {
	FailTimes(op, subject string, err error, n int)
	Heal(op, subject string)
}

func (h *Harness) target(name string) (faulter, string, error) {
	switch name {
	case "primary":
		return h.primary, "memory-primary", nil
	case "backup":
		return h.backup, "memory-backup", nil
	case "edit_folder":
		return h.folder, "memory-edit", nil
	}
	return nil, "", fmt.Errorf("unknown fault target %q", name)
}

// fail injects a remote error with the given HTTP status on target.op for
// subject, for "times" calls (all calls when unset).
func (h *Harness) fail(a args) error {
	f, backend, err := h.target(a.str("target"))
	if err != nil {
		return err
	}
	op, err := a.required("op")
	if err != nil {
		return err
	}
	status := a.integer("status", 503)
	times := a.integer("times", -1)
	subject := a.str("subject")
	f.FailTimes(op, subject, storage.NewRemoteError(backend, op, subject, status, fmt.Errorf("injected status %d", status)), times)
	return nil
}

func (h *Harness) heal(a args) error {
	f, _, err := h.target(a.str("target"))
	if err != nil {
		return err
	}
	f.Heal(a.str("op"), a.str("subject"))
	return nil
}

// holder reports the lock holder of a LOCK_HELD failure.
func holder(err error) map[string]interface{} {
	var se *session.Error
	if errors.As(err, &se) && se.Holder != "" {
		return map[string]interface{}{"holder": se.Holder}
	}
	return nil
}

// args reads typed values from YAML step arguments.
type args map[string]interface{}

func (a args) str(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func (a args) required(key string) (string, error) {
	s := a.str(key)
	if s == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return s, nil
}

func (a args) boolean(key string) bool {
	b, _ := a[key].(bool)
	return b
}

func (a args) integer(key string, def int) int {
	if n, ok := asInt64(a[key]); ok {
		return int(n)
	}
	return def
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
