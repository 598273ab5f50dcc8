// Package cleanup sweeps every client-side persistence layer that may retain
// user-identifying data when a tab logs out.
//
// Each step is best-effort: a failing (or panicking) step is logged and
// recorded in the Report, and the routine moves on to the next one. Run
// never fails as a whole.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clinicportal/internal/embeddb"
	"clinicportal/internal/storage"
)

// Key and name fragments that mark data as belonging to the logged-in user.
// Matching is a plain case-sensitive substring test, so unrelated keys that
// happen to contain a fragment are removed as well.
var (
	LocalStorageFragments = []string{"user", "session", "auth", "token", "clinic", "app"}
	DatabaseFragments     = []string{"user", "session", "auth", "clinic"}
	WorkerScopeFragments  = []string{"user", "auth", "session"}
)

const DefaultReloadDelay = 100 * time.Millisecond

type Options struct {
	IncludeCacheStorage      bool
	IncludeEmbeddedDatabases bool
	IncludeCrossTabSignal    bool
	ForceReload              bool
	ReloadDelay              time.Duration
}

func DefaultOptions() Options {
	return Options{
		IncludeCacheStorage:      true,
		IncludeEmbeddedDatabases: true,
		IncludeCrossTabSignal:    true,
		ReloadDelay:              DefaultReloadDelay,
	}
}

type CacheStorage interface {
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

type DatabaseRegistry interface {
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}

type WorkerRegistry interface {
	Scopes(ctx context.Context) ([]string, error)
	Unregister(ctx context.Context, scope string) error
}

type Broadcaster interface {
	BroadcastLogout(ctx context.Context) error
}

type Reloader interface {
	Reload()
}

// Platform lists the persistence layers available to a tab. A nil field
// means the platform does not expose that API and the matching step is
// skipped.
type Platform struct {
	Local     storage.Medium
	Session   storage.Medium
	Caches    CacheStorage
	Databases DatabaseRegistry
	Signal    Broadcaster
	Workers   WorkerRegistry
	Reloader  Reloader
}

type Step string

const (
	StepLocalStorage      Step = "local_storage"
	StepSessionStorage    Step = "session_storage"
	StepCacheStorage      Step = "cache_storage"
	StepEmbeddedDatabases Step = "embedded_databases"
	StepCrossTabSignal    Step = "cross_tab_signal"
	StepBackgroundWorkers Step = "background_workers"
	StepReload            Step = "reload"
)

type StepResult struct {
	Step    Step
	Skipped bool
	Removed int
	Err     error
}

type Report struct {
	Steps []StepResult
}

// Failed reports whether the named step ran and returned an error.
func (r Report) Failed(step Step) bool {
	for _, res := range r.Steps {
		if res.Step == step {
			return res.Err != nil
		}
	}
	return false
}

// Err joins every step error, or returns nil when all steps succeeded.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Steps {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Step, res.Err))
		}
	}
	return errors.Join(errs...)
}

type Routine struct {
	platform Platform
	log      zerolog.Logger

	mu      sync.Mutex
	reload  *time.Timer
	stopped bool
}

func New(platform Platform, log zerolog.Logger) *Routine {
	return &Routine{
		platform: platform,
		log:      log.With().Str("component", "cleanup").Logger(),
	}
}

func (r *Routine) Run(ctx context.Context, opts Options) Report {
	p := r.platform
	steps := []struct {
		step    Step
		enabled bool
		fn      func(context.Context) (int, error)
	}{
		{StepLocalStorage, p.Local != nil, r.clearLocalStorage},
		{StepSessionStorage, p.Session != nil, r.clearSessionStorage},
		{StepCacheStorage, opts.IncludeCacheStorage && p.Caches != nil, r.clearCacheStorage},
		{StepEmbeddedDatabases, opts.IncludeEmbeddedDatabases && p.Databases != nil, r.clearDatabases},
		{StepCrossTabSignal, opts.IncludeCrossTabSignal && p.Signal != nil, r.signalOtherTabs},
		{StepBackgroundWorkers, p.Workers != nil, r.unregisterWorkers},
		{StepReload, opts.ForceReload && p.Reloader != nil, func(context.Context) (int, error) {
			return r.scheduleReload(opts.ReloadDelay)
		}},
	}

	report := Report{Steps: make([]StepResult, 0, len(steps))}
	for _, s := range steps {
		if !s.enabled {
			report.Steps = append(report.Steps, StepResult{Step: s.step, Skipped: true})
			continue
		}

		removed, err := runStep(ctx, s.fn)
		if err != nil {
			r.log.Warn().Err(err).Str("step", string(s.step)).Msg("cleanup step failed")
		} else {
			r.log.Debug().Str("step", string(s.step)).Int("removed", removed).Msg("cleanup step done")
		}
		report.Steps = append(report.Steps, StepResult{Step: s.step, Removed: removed, Err: err})
	}
	return report
}

func runStep(ctx context.Context, fn func(context.Context) (int, error)) (removed int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (r *Routine) clearLocalStorage(ctx context.Context) (int, error) {
	keys, err := r.platform.Local.Keys(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, key := range keys {
		if !containsAny(key, LocalStorageFragments) {
			continue
		}
		if err := r.platform.Local.Remove(ctx, key); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (r *Routine) clearSessionStorage(ctx context.Context) (int, error) {
	// The count is informational; clearing does not depend on it.
	keys, _ := r.platform.Session.Keys(ctx)
	if err := r.platform.Session.Clear(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *Routine) clearCacheStorage(ctx context.Context) (int, error) {
	names, err := r.platform.Caches.Names(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, name := range names {
		deleted, err := r.platform.Caches.Delete(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache %s: %w", name, err))
			continue
		}
		if deleted {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Routine) clearDatabases(ctx context.Context) (int, error) {
	names, err := r.platform.Databases.Names(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, name := range names {
		if !containsAny(name, DatabaseFragments) {
			continue
		}
		err := r.platform.Databases.Delete(ctx, name)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, embeddb.ErrDeleteBlocked):
			r.log.Debug().Str("database", name).Msg("database deletion blocked, left pending")
			removed++
		default:
			errs = append(errs, fmt.Errorf("database %s: %w", name, err))
		}
	}
	return removed, errors.Join(errs...)
}

func (r *Routine) signalOtherTabs(ctx context.Context) (int, error) {
	if err := r.platform.Signal.BroadcastLogout(ctx); err != nil {
		return 0, err
	}
	return 0, nil
}

func (r *Routine) unregisterWorkers(ctx context.Context) (int, error) {
	scopes, err := r.platform.Workers.Scopes(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, scope := range scopes {
		if !containsAny(scope, WorkerScopeFragments) {
			continue
		}
		if err := r.platform.Workers.Unregister(ctx, scope); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", scope, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (r *Routine) scheduleReload(delay time.Duration) (int, error) {
	if delay <= 0 {
		delay = DefaultReloadDelay
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, errors.New("routine stopped")
	}
	if r.reload != nil {
		r.reload.Stop()
	}
	r.reload = time.AfterFunc(delay, r.platform.Reloader.Reload)
	return 0, nil
}

// Stop cancels a pending reload. Later runs no longer schedule one.
func (r *Routine) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.reload != nil {
		r.reload.Stop()
		r.reload = nil
	}
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
