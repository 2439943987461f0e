package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError lists every constraint the configuration violates.
type ValidationError struct {
	Problems []string // "path: message"
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks c against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c.view()))
	err := v.Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	verr := &ValidationError{}
	seen := map[string]bool{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		p := strings.Join(e.Path(), ".") + ": " + fmt.Sprintf(format, args...)
		if !seen[p] {
			seen[p] = true
			verr.Problems = append(verr.Problems, p)
		}
	}
	return verr
}

// view is the validated projection of c.
func (c *Config) view() map[string]any {
	ms := func(d Duration) int64 { return d.D().Milliseconds() }
	return map[string]any{
		"database":  c.Database,
		"log_level": c.LogLevel,
		"primary": map[string]any{
			"backend":  c.Primary.Backend,
			"endpoint": c.Primary.Endpoint,
			"region":   c.Primary.Region,
			"bucket":   c.Primary.Bucket,
			"prefix":   c.Primary.Prefix,
			"use_ssl":  c.Primary.UseSSL,
		},
		"backup": map[string]any{
			"backend":     c.Backup.Backend,
			"graph_url":   c.Backup.GraphURL,
			"token_url":   c.Backup.TokenURL,
			"drive_id":    c.Backup.DriveID,
			"folder":      c.Backup.Folder,
			"edit_folder": c.Backup.EditFolder,
		},
		"backup_run": map[string]any{
			"concurrency": c.BackupRun.Concurrency,
		},
		"retry": map[string]any{
			"max_attempts":       c.Retry.MaxAttempts,
			"base_backoff_ms":    ms(c.Retry.BaseBackoff),
			"max_backoff_ms":     ms(c.Retry.MaxBackoff),
			"max_elapsed_ms":     ms(c.Retry.MaxElapsed),
			"attempt_timeout_ms": ms(c.Retry.AttemptTimeout),
		},
		"sessions": map[string]any{
			"max_lock_duration_ms": ms(c.Sessions.MaxLockDuration),
		},
	}
}
