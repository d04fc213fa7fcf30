// Package store defines the persistence contracts the module host uses for
// installed-module records and the pending cleanup queue.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// InstalledModule is the durable record of one installed module.
type InstalledModule struct {
	ID          string
	Version     string
	Path        string
	IsSystem    bool
	Enabled     bool
	InstalledAt time.Time
	UpdatedAt   time.Time
}

// PendingCleanup is a module directory whose deletion failed and will be retried.
type PendingCleanup struct {
	Path          string
	ModuleID      string // Optional owning module
	RetryCount    int
	LastAttemptAt time.Time
	CreatedAt     time.Time
}

// ModuleRecords persists installed-module records.
type ModuleRecords interface {
	GetInstalledModule(ctx context.Context, id string) (InstalledModule, error)
	UpsertInstalledModule(ctx context.Context, record InstalledModule) error
	DeleteInstalledModule(ctx context.Context, id string) error
	UpdateModuleEnabledState(ctx context.Context, id string, enabled bool) error
	ListInstalledModules(ctx context.Context) ([]InstalledModule, error)
}

// CleanupQueue persists pending directory deletions.
type CleanupQueue interface {
	ListPendingCleanups(ctx context.Context) ([]PendingCleanup, error)
	UpsertPendingCleanup(ctx context.Context, record PendingCleanup) error
	DeletePendingCleanup(ctx context.Context, path string) error
}

// Store is a complete persistence backend.
type Store interface {
	ModuleRecords
	CleanupQueue
	Close() error
}
