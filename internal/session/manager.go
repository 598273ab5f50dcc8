// Package session owns the logged-in state of one portal tab.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"clinicportal/internal/backend"
	"clinicportal/internal/broadcast"
	"clinicportal/internal/cleanup"
	"clinicportal/internal/metrics"
	"clinicportal/internal/models"
	"clinicportal/internal/storage"
)

type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

const LoginPath = "/login"

const (
	triggerLocal  = "local"
	triggerSignal = "signal"
)

// ErrInvalidCredentials is the only login failure callers see. Network
// errors, rejected credentials and malformed payloads are not told apart.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Backend interface {
	Login(ctx context.Context, email string, password string) (backend.LoginResponse, error)
	Logout(ctx context.Context) error
}

type Cleaner interface {
	Run(ctx context.Context, opts cleanup.Options) cleanup.Report
}

type Navigator interface {
	Navigate(path string)
}

// UserView is the read-only user model exposed to the UI.
type UserView struct {
	ID    int64       `json:"id"`
	Email string      `json:"email"`
	Name  string      `json:"name"`
	Role  models.Role `json:"role"`
}

type Deps struct {
	Bridge    *storage.Bridge
	Session   storage.Medium
	Backend   Backend
	Cleaner   Cleaner
	Channel   broadcast.Channel
	Navigator Navigator
	Cleanup   cleanup.Options
	Metrics   *metrics.Session
	Log       zerolog.Logger
}

type Manager struct {
	deps Deps
	log  zerolog.Logger

	// op serializes Initialize, Login and Logout, including logouts
	// triggered by the cross-tab signal.
	op sync.Mutex

	mu      sync.RWMutex
	status  Status
	current *models.Session

	unsubscribe func()
}

// NewManager builds a manager in the loading state and subscribes it to the
// cross-tab channel. A nil channel behaves like broadcast.NopChannel.
func NewManager(ctx context.Context, deps Deps) (*Manager, error) {
	if deps.Bridge == nil {
		return nil, errors.New("session: bridge is required")
	}
	if deps.Channel == nil {
		deps.Channel = broadcast.NopChannel{}
	}

	m := &Manager{
		deps:   deps,
		log:    deps.Log.With().Str("component", "session").Logger(),
		status: StatusLoading,
	}

	unsubscribe, err := deps.Channel.Subscribe(ctx, m.onForceLogout)
	if err != nil {
		return nil, fmt.Errorf("subscribe to logout signal: %w", err)
	}
	m.unsubscribe = unsubscribe
	return m, nil
}

// Close stops listening for cross-tab signals.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// User returns nil unless the tab is authenticated.
func (m *Manager) User() *UserView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	return &UserView{
		ID:    m.current.UserID,
		Email: m.current.Email,
		Name:  m.current.DisplayName,
		Role:  m.current.Role,
	}
}

// Initialize restores the session persisted by an earlier login, possibly
// made in another tab.
func (m *Manager) Initialize(ctx context.Context) Status {
	m.op.Lock()
	defer m.op.Unlock()

	m.setState(StatusLoading, nil)

	sess, err := m.deps.Bridge.Load(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("discarding persisted session")
	}
	if sess == nil {
		m.deps.Bridge.ClearCookies()
		m.setState(StatusUnauthenticated, nil)
		return StatusUnauthenticated
	}

	m.deps.Bridge.MirrorCookies(*sess)
	m.setState(StatusAuthenticated, sess)
	m.log.Info().Int64("user_id", sess.UserID).Str("role", string(sess.Role)).Msg("session restored")
	return StatusAuthenticated
}

// Login authenticates against the backend and persists the session. On any
// failure the state is left unchanged and ErrInvalidCredentials is returned.
func (m *Manager) Login(ctx context.Context, email string, password string) error {
	m.op.Lock()
	defer m.op.Unlock()

	sess, err := m.login(ctx, email, password)
	if err != nil {
		m.log.Warn().Err(err).Str("email", email).Msg("login failed")
		m.deps.Metrics.Login(false)
		return ErrInvalidCredentials
	}

	m.setState(StatusAuthenticated, sess)
	m.deps.Metrics.Login(true)
	m.log.Info().Int64("user_id", sess.UserID).Str("role", string(sess.Role)).Msg("logged in")
	return nil
}

func (m *Manager) login(ctx context.Context, email string, password string) (*models.Session, error) {
	if m.deps.Backend == nil {
		return nil, errors.New("no backend configured")
	}
	resp, err := m.deps.Backend.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, errors.New("login response without user")
	}

	sess := &models.Session{
		UserID:      resp.User.ID,
		Email:       resp.User.Email,
		DisplayName: resp.User.Name,
		Role:        models.NormalizeRole(resp.User.Role),
		IsLoggedIn:  true,
	}
	if err := m.deps.Bridge.Save(ctx, *sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return sess, nil
}

// Logout always ends in the unauthenticated state on the login view, no
// matter which cleanup steps fail. Calling it while logged out re-runs the
// cleanup only.
func (m *Manager) Logout(ctx context.Context) {
	m.logout(ctx, triggerLocal)
}

func (m *Manager) onForceLogout() {
	m.log.Info().Msg("logout signal received from another tab")
	m.logout(context.Background(), triggerSignal)
}

func (m *Manager) logout(ctx context.Context, trigger string) {
	m.op.Lock()
	defer m.op.Unlock()

	wasAuthenticated := m.Status() == StatusAuthenticated

	if trigger == triggerLocal && wasAuthenticated && m.deps.Backend != nil {
		if err := m.deps.Backend.Logout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("backend logout failed")
		}
	}

	m.runCleanup(ctx)

	if err := m.deps.Bridge.Clear(ctx); err != nil {
		m.log.Warn().Err(err).Msg("clear persisted session failed")
	}

	m.setState(StatusUnauthenticated, nil)
	m.deps.Metrics.Logout(trigger)

	// Other tabs already know when the logout came from the signal.
	if trigger == triggerLocal && m.deps.Cleanup.IncludeCrossTabSignal {
		if err := m.deps.Channel.BroadcastLogout(ctx); err != nil {
			m.log.Warn().Err(err).Msg("broadcast logout failed")
		}
	}

	if m.deps.Navigator != nil {
		m.deps.Navigator.Navigate(LoginPath)
	}
	m.log.Info().Str("trigger", trigger).Bool("was_authenticated", wasAuthenticated).Msg("logged out")
}

// runCleanup runs the sweep without its own signal step, the manager
// broadcasts once the in-memory state is already cleared. If the sweep
// panics or cannot clear the storages, both are cleared directly.
func (m *Manager) runCleanup(ctx context.Context) {
	opts := m.deps.Cleanup
	opts.IncludeCrossTabSignal = false

	if m.deps.Cleaner == nil {
		m.clearStoragesDirectly(ctx)
		return
	}

	report, ok := m.safeRun(ctx, opts)
	if !ok {
		m.clearStoragesDirectly(ctx)
		return
	}
	for _, res := range report.Steps {
		if res.Err != nil {
			m.deps.Metrics.CleanupFailure(string(res.Step))
		}
	}
	if report.Failed(cleanup.StepLocalStorage) || report.Failed(cleanup.StepSessionStorage) {
		m.clearStoragesDirectly(ctx)
	}
}

func (m *Manager) safeRun(ctx context.Context, opts cleanup.Options) (report cleanup.Report, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().Interface("panic", rec).Msg("cleanup aborted")
			ok = false
		}
	}()
	return m.deps.Cleaner.Run(ctx, opts), true
}

func (m *Manager) clearStoragesDirectly(ctx context.Context) {
	m.log.Warn().Msg("falling back to clearing local and session storage")
	if err := m.deps.Bridge.Local().Clear(ctx); err != nil {
		m.log.Error().Err(err).Msg("clear local storage failed")
	}
	if m.deps.Session != nil {
		if err := m.deps.Session.Clear(ctx); err != nil {
			m.log.Error().Err(err).Msg("clear session storage failed")
		}
	}
}

func (m *Manager) setState(status Status, sess *models.Session) {
	m.mu.Lock()
	m.status = status
	m.current = sess
	m.mu.Unlock()
}
