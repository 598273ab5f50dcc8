// Package embeddb manages the named SQLite databases a tab keeps in its
// profile directory, in the manner of a browser's embedded database API.
package embeddb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const fileExt = ".db"

var (
	// ErrDeleteBlocked is returned when a database is deleted while handles
	// are still open. The file is removed once the last handle is released.
	ErrDeleteBlocked = errors.New("database deletion blocked by open connections")
	ErrInvalidName   = errors.New("invalid database name")
)

type handle struct {
	db   *sql.DB
	refs int
}

type Registry struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	open    map[string]*handle
	pending map[string]struct{}
}

func NewRegistry(dir string, log zerolog.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return &Registry{
		dir:     dir,
		log:     log,
		open:    make(map[string]*handle),
		pending: make(map[string]struct{}),
	}, nil
}

// Open returns a shared handle for the named database, creating it on first
// use. Every Open must be paired with a Release.
func (r *Registry) Open(ctx context.Context, name string) (*sql.DB, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.open[name]; ok {
		h.refs++
		return h.db, nil
	}

	db, err := sql.Open("sqlite", "file:"+r.path(name)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", name, err)
	}

	delete(r.pending, name)
	r.open[name] = &handle{db: db, refs: 1}
	return db, nil
}

// Release drops one reference. The last release closes the handle and
// completes a blocked deletion.
func (r *Registry) Release(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.open[name]
	if !ok {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}

	delete(r.open, name)
	err := h.db.Close()

	if _, ok := r.pending[name]; ok {
		delete(r.pending, name)
		if rmErr := r.removeFiles(name); rmErr != nil {
			return rmErr
		}
		r.log.Debug().Str("database", name).Msg("blocked deletion completed")
	}
	return err
}

// Names lists the databases present on disk.
func (r *Registry) Names(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read database dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

func (r *Registry) Delete(_ context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[name]; ok {
		r.pending[name] = struct{}{}
		return ErrDeleteBlocked
	}
	return r.removeFiles(name)
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+fileExt)
}

func (r *Registry) removeFiles(name string) error {
	base := r.path(name)
	for _, p := range []string{base, base + "-wal", base + "-shm", base + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
