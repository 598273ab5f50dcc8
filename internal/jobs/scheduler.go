package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Registration is one background worker bound to a scope, e.g.
// "/user/heartbeat".
type Registration struct {
	Scope   string
	Spec    string
	EntryID cron.EntryID
}

// Scheduler runs a tab's background workers. Workers are registered and
// unregistered by scope.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	regs map[string]Registration
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log,
		regs: make(map[string]Registration),
	}
}

// Register installs fn under scope. An existing registration for the same
// scope is replaced.
func (s *Scheduler) Register(scope string, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("error", r).Str("scope", scope).Msg("worker panicked")
			}
		}()
		fn()
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", scope, err)
	}

	if prev, ok := s.regs[scope]; ok {
		s.cron.Remove(prev.EntryID)
	}
	s.regs[scope] = Registration{Scope: scope, Spec: spec, EntryID: id}
	return nil
}

func (s *Scheduler) Registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Registration, 0, len(s.regs))
	for _, reg := range s.regs {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

func (s *Scheduler) Scopes(_ context.Context) ([]string, error) {
	regs := s.Registrations()
	scopes := make([]string, 0, len(regs))
	for _, reg := range regs {
		scopes = append(scopes, reg.Scope)
	}
	return scopes, nil
}

// Unregister removes the worker for scope. Unknown scopes are ignored.
func (s *Scheduler) Unregister(_ context.Context, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.regs[scope]
	if !ok {
		return nil
	}
	s.cron.Remove(reg.EntryID)
	delete(s.regs, scope)
	s.log.Debug().Str("scope", scope).Msg("worker unregistered")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and returns a context that is done once running
// workers have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
