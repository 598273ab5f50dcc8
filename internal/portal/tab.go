// Package portal assembles one portal tab: the session manager and every
// persistence layer it sweeps on logout.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicportal/internal/backend"
	"clinicportal/internal/broadcast"
	"clinicportal/internal/cache"
	"clinicportal/internal/cleanup"
	"clinicportal/internal/config"
	"clinicportal/internal/embeddb"
	"clinicportal/internal/ids"
	"clinicportal/internal/jobs"
	"clinicportal/internal/metrics"
	"clinicportal/internal/session"
	"clinicportal/internal/storage"
)

const (
	HeartbeatScope = "/user/heartbeat"
	profileCache   = "clinic-profile"
)

// Tab is one running portal tab. Several tabs sharing a profile directory
// (or Redis database) and channel behave like tabs of one origin.
type Tab struct {
	ID      string
	Manager *session.Manager

	cfg       *config.PortalConfig
	log       zerolog.Logger
	client    *backend.Client
	bridge    *storage.Bridge
	session   *storage.TabMedium
	databases *embeddb.Registry
	workers   *jobs.Scheduler
	objects   *storage.ObjectCache

	mu     sync.Mutex
	route  string
	onNav  []func(route string)
	closes []func() error
	closed atomic.Bool
}

// Open builds a tab from cfg. reg may be nil.
func Open(ctx context.Context, cfg *config.PortalConfig, reg prometheus.Registerer, log zerolog.Logger) (*Tab, error) {
	t := &Tab{
		ID:  ids.New(),
		cfg: cfg,
	}
	t.log = log.With().Str("tab_id", t.ID).Str("profile", cfg.Profile.Name).Logger()

	if err := t.open(ctx, reg); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tab) open(ctx context.Context, reg prometheus.Registerer) error {
	cfg := t.cfg
	profileDir := filepath.Join(cfg.Profile.Dir, cfg.Profile.Name)

	var redisClient *redis.Client
	if cfg.Profile.Driver == "redis" || cfg.Channel.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		switch {
		case err == nil:
			redisClient = client
			t.closes = append(t.closes, client.Close)
		case cfg.Profile.Driver == "redis":
			return err
		default:
			t.log.Warn().Err(err).Msg("redis unavailable, cross-tab logout disabled")
		}
	}

	local, err := t.openLocal(ctx, profileDir, redisClient)
	if err != nil {
		return err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	t.client, err = backend.New(cfg.Backend.BaseURL, jar, cfg.Backend.Timeout)
	if err != nil {
		return err
	}
	t.bridge = storage.NewBridge(local, jar, t.client.BaseURL(), t.log)
	t.session = storage.NewTabMedium()

	t.databases, err = embeddb.NewRegistry(filepath.Join(profileDir, "databases"), t.log)
	if err != nil {
		return err
	}

	t.workers = jobs.NewScheduler(t.log)
	t.workers.Start()
	t.closes = append(t.closes, func() error {
		<-t.workers.Stop().Done()
		return nil
	})

	var channel broadcast.Channel = broadcast.NopChannel{}
	if cfg.Channel.Enabled && redisClient != nil {
		channel = broadcast.NewRedisChannel(redisClient, cfg.Channel.Name, t.ID, t.log)
	}

	// No Signal: the manager broadcasts the logout itself, after the sweep.
	platform := cleanup.Platform{
		Local:     local,
		Session:   t.session,
		Databases: t.databases,
		Workers:   t.workers,
		Reloader:  reloader{t},
	}
	if cfg.ObjectCache.Enabled {
		t.objects, err = storage.NewObjectCache(cfg.ObjectCache, cfg.Profile.Name)
		if err != nil {
			return err
		}
		if err := t.objects.EnsureBucket(ctx); err != nil {
			t.log.Warn().Err(err).Msg("object cache unavailable")
			t.objects = nil
		} else {
			platform.Caches = t.objects
		}
	}

	var sessionMetrics *metrics.Session
	if reg != nil {
		sessionMetrics = metrics.NewSession(reg)
	}

	cleaner := cleanup.New(platform, t.log)
	t.Manager, err = session.NewManager(ctx, session.Deps{
		Bridge:    t.bridge,
		Session:   t.session,
		Backend:   t.client,
		Cleaner:   cleaner,
		Channel:   channel,
		Navigator: navigator{t},
		Cleanup:   cleanupOptions(cfg.Cleanup),
		Metrics:   sessionMetrics,
		Log:       t.log,
	})
	if err != nil {
		return err
	}
	t.closes = append(t.closes, func() error {
		t.Manager.Close()
		return nil
	}, func() error {
		cleaner.Stop()
		return nil
	})
	return nil
}

func (t *Tab) openLocal(ctx context.Context, profileDir string, redisClient *redis.Client) (storage.Medium, error) {
	switch t.cfg.Profile.Driver {
	case "redis":
		return storage.NewRedisMedium(redisClient, t.cfg.Profile.Name), nil
	case "sqlite", "":
		if err := os.MkdirAll(profileDir, 0o700); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		medium, err := storage.OpenSQLiteMedium(ctx, filepath.Join(profileDir, "local_storage.db"))
		if err != nil {
			return nil, err
		}
		t.closes = append(t.closes, medium.Close)
		return medium, nil
	default:
		return nil, fmt.Errorf("unknown profile driver %q", t.cfg.Profile.Driver)
	}
}

func cleanupOptions(cfg config.CleanupConfig) cleanup.Options {
	return cleanup.Options{
		IncludeCacheStorage:      cfg.IncludeCacheStorage,
		IncludeEmbeddedDatabases: cfg.IncludeEmbeddedDatabases,
		IncludeCrossTabSignal:    cfg.IncludeCrossTabSignal,
		ForceReload:              cfg.ForceReload,
		ReloadDelay:              cfg.ReloadDelay,
	}
}

// Initialize restores a persisted session and, when authenticated, starts
// the tab's user workers.
func (t *Tab) Initialize(ctx context.Context) session.Status {
	status := t.Manager.Initialize(ctx)
	if status == session.StatusAuthenticated {
		t.startUserWorkers(ctx)
	}
	return status
}

func (t *Tab) Login(ctx context.Context, email string, password string) error {
	if err := t.Manager.Login(ctx, email, password); err != nil {
		return err
	}
	t.startUserWorkers(ctx)
	return nil
}

func (t *Tab) Logout(ctx context.Context) {
	t.Manager.Logout(ctx)
}

// Route is the view the tab last navigated to.
func (t *Tab) Route() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.route
}

// OnNavigate registers fn to run on every navigation.
func (t *Tab) OnNavigate(fn func(route string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onNav = append(t.onNav, fn)
}

// startUserWorkers registers the heartbeat and seeds the per-user stores
// that logout is expected to sweep.
func (t *Tab) startUserWorkers(ctx context.Context) {
	user := t.Manager.User()
	if user == nil {
		return
	}

	if err := t.workers.Register(HeartbeatScope, t.cfg.Workers.HeartbeatSpec, t.heartbeat); err != nil {
		t.log.Warn().Err(err).Msg("register heartbeat failed")
	}

	if err := t.openUserDatabase(ctx, user.ID); err != nil {
		t.log.Warn().Err(err).Msg("prepare user database failed")
	}

	if t.objects != nil {
		payload, _ := json.Marshal(user)
		if err := t.objects.Put(ctx, profileCache, "me.json", payload, "application/json"); err != nil {
			t.log.Warn().Err(err).Msg("cache profile failed")
		}
	}
}

func userDatabaseName(userID int64) string {
	return "clinic_user_" + strconv.FormatInt(userID, 10) + "_drafts"
}

func (t *Tab) openUserDatabase(ctx context.Context, userID int64) error {
	name := userDatabaseName(userID)
	db, err := t.databases.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.databases.Release(name); err != nil {
			t.log.Warn().Err(err).Str("database", name).Msg("release database failed")
		}
	}()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS appointment_drafts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doctor_id INTEGER,
		slot TEXT,
		note TEXT
	)`)
	return err
}

// heartbeat checks the session against the backend. A rejected session
// logs the tab out.
func (t *Tab) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Backend.Timeout)
	_, err := t.client.Me(ctx)
	cancel()
	if err == nil {
		return
	}

	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
		t.log.Info().Int("status", statusErr.Code).Msg("backend rejected session")
		// The check may have used up most of its deadline.
		logoutCtx, cancel := context.WithTimeout(context.Background(), t.cfg.Backend.Timeout)
		defer cancel()
		t.Manager.Logout(logoutCtx)
		return
	}
	t.log.Warn().Err(err).Msg("heartbeat failed")
}

// Close releases every resource in reverse order of acquisition.
func (t *Tab) Close() error {
	t.closed.Store(true)
	var errs []error
	for i := len(t.closes) - 1; i >= 0; i-- {
		if err := t.closes[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closes = nil
	return errors.Join(errs...)
}

type navigator struct{ t *Tab }

func (n navigator) Navigate(route string) {
	n.t.mu.Lock()
	n.t.route = route
	hooks := append([]func(string){}, n.t.onNav...)
	n.t.mu.Unlock()

	n.t.log.Debug().Str("route", route).Msg("navigate")
	for _, fn := range hooks {
		fn(route)
	}
}

// reloader re-runs initialization, the way a page reload would.
type reloader struct{ t *Tab }

func (r reloader) Reload() {
	if r.t.closed.Load() {
		return
	}
	r.t.log.Debug().Msg("reload")
	r.t.Initialize(context.Background())
}
