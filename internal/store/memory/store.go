// Package memory provides an in-process Store used when no database is
// configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/modhost/internal/store"
)

// Store keeps records in maps guarded by a mutex.
type Store struct {
	mu       sync.RWMutex
	modules  map[string]store.InstalledModule
	cleanups map[string]store.PendingCleanup
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		modules:  make(map[string]store.InstalledModule),
		cleanups: make(map[string]store.PendingCleanup),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetInstalledModule returns the record for id.
func (s *Store) GetInstalledModule(ctx context.Context, id string) (store.InstalledModule, error) {
	if err := ctx.Err(); err != nil {
		return store.InstalledModule{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.modules[id]
	if !ok {
		return store.InstalledModule{}, fmt.Errorf("module %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// UpsertInstalledModule inserts or replaces a record. InstalledAt is kept
// from the existing record.
func (s *Store) UpsertInstalledModule(ctx context.Context, record store.InstalledModule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("module id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.modules[record.ID]; ok {
		record.InstalledAt = existing.InstalledAt
	} else if record.InstalledAt.IsZero() {
		record.InstalledAt = now
	}
	record.UpdatedAt = now
	s.modules[record.ID] = record
	return nil
}

// DeleteInstalledModule removes a record.
func (s *Store) DeleteInstalledModule(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modules[id]; !ok {
		return fmt.Errorf("module %s: %w", id, store.ErrNotFound)
	}
	delete(s.modules, id)
	return nil
}

// UpdateModuleEnabledState sets the enabled flag.
func (s *Store) UpdateModuleEnabledState(ctx context.Context, id string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.modules[id]
	if !ok {
		return fmt.Errorf("module %s: %w", id, store.ErrNotFound)
	}
	rec.Enabled = enabled
	rec.UpdatedAt = s.now()
	s.modules[id] = rec
	return nil
}

// ListInstalledModules returns records ordered by id.
func (s *Store) ListInstalledModules(ctx context.Context) ([]store.InstalledModule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.InstalledModule, 0, len(s.modules))
	for _, rec := range s.modules {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListPendingCleanups returns pending records ordered by path.
func (s *Store) ListPendingCleanups(ctx context.Context) ([]store.PendingCleanup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.PendingCleanup, 0, len(s.cleanups))
	for _, rec := range s.cleanups {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// UpsertPendingCleanup inserts or replaces a pending record keyed by path.
func (s *Store) UpsertPendingCleanup(ctx context.Context, record store.PendingCleanup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(record.Path) == "" {
		return fmt.Errorf("cleanup path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cleanups[record.Path]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.cleanups[record.Path] = record
	return nil
}

// DeletePendingCleanup removes the record for path.
func (s *Store) DeletePendingCleanup(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cleanups[path]; !ok {
		return fmt.Errorf("cleanup %s: %w", path, store.ErrNotFound)
	}
	delete(s.cleanups, path)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
