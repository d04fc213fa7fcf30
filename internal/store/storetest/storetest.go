// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/store"
)

// Run exercises open against the store contract. open must return a fresh,
// empty store for each call.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("module records", func(t *testing.T) {
		t.Parallel()
		testModuleRecords(t, open(t))
	})
	t.Run("enabled state", func(t *testing.T) {
		t.Parallel()
		testEnabledState(t, open(t))
	})
	t.Run("cleanup queue", func(t *testing.T) {
		t.Parallel()
		testCleanupQueue(t, open(t))
	})
	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		testCancelled(t, open(t))
	})
}

func testModuleRecords(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetInstalledModule(ctx, "echo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetInstalledModule() missing error = %v, want ErrNotFound", err)
	}

	installed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := store.InstalledModule{ID: "echo", Version: "1.0.0", Path: "/mods/echo", Enabled: true, InstalledAt: installed}
	if err := s.UpsertInstalledModule(ctx, rec); err != nil {
		t.Fatalf("UpsertInstalledModule() error = %v", err)
	}
	if err := s.UpsertInstalledModule(ctx, store.InstalledModule{ID: "alpha", Version: "0.1.0", Path: "/mods/alpha", IsSystem: true}); err != nil {
		t.Fatalf("UpsertInstalledModule() error = %v", err)
	}

	got, err := s.GetInstalledModule(ctx, "echo")
	if err != nil {
		t.Fatalf("GetInstalledModule() error = %v", err)
	}
	if got.Version != "1.0.0" || got.Path != "/mods/echo" || !got.Enabled || got.IsSystem {
		t.Errorf("GetInstalledModule() = %+v", got)
	}
	if !got.InstalledAt.Equal(installed) {
		t.Errorf("InstalledAt = %v, want %v", got.InstalledAt, installed)
	}

	// Upsert replaces fields but keeps InstalledAt
	rec.Version = "1.1.0"
	rec.InstalledAt = time.Time{}
	if err := s.UpsertInstalledModule(ctx, rec); err != nil {
		t.Fatalf("UpsertInstalledModule() update error = %v", err)
	}
	got, err = s.GetInstalledModule(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != "1.1.0" {
		t.Errorf("Version = %q, want 1.1.0", got.Version)
	}
	if !got.InstalledAt.Equal(installed) {
		t.Errorf("InstalledAt changed on update: %v", got.InstalledAt)
	}

	list, err := s.ListInstalledModules(ctx)
	if err != nil {
		t.Fatalf("ListInstalledModules() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "alpha" || list[1].ID != "echo" {
		t.Errorf("ListInstalledModules() = %+v", list)
	}
	if !list[0].IsSystem {
		t.Error("IsSystem not persisted")
	}

	if err := s.DeleteInstalledModule(ctx, "echo"); err != nil {
		t.Fatalf("DeleteInstalledModule() error = %v", err)
	}
	if err := s.DeleteInstalledModule(ctx, "echo"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeleteInstalledModule() twice error = %v, want ErrNotFound", err)
	}

	if err := s.UpsertInstalledModule(ctx, store.InstalledModule{ID: "  "}); err == nil {
		t.Error("UpsertInstalledModule() should reject empty id")
	}
}

func testEnabledState(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.UpdateModuleEnabledState(ctx, "ghost", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateModuleEnabledState() missing error = %v, want ErrNotFound", err)
	}

	if err := s.UpsertInstalledModule(ctx, store.InstalledModule{ID: "m", Version: "1.0.0", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateModuleEnabledState(ctx, "m", false); err != nil {
		t.Fatalf("UpdateModuleEnabledState() error = %v", err)
	}
	got, err := s.GetInstalledModule(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("Enabled = true after disabling")
	}
}

func testCleanupQueue(t *testing.T, s store.Store) {
	ctx := context.Background()

	list, err := s.ListPendingCleanups(ctx)
	if err != nil {
		t.Fatalf("ListPendingCleanups() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("ListPendingCleanups() = %v, want empty", list)
	}

	attempt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	records := []store.PendingCleanup{
		{Path: "/mods/b", ModuleID: "b"},
		{Path: "/mods/a", RetryCount: 2, LastAttemptAt: attempt},
	}
	for _, rec := range records {
		if err := s.UpsertPendingCleanup(ctx, rec); err != nil {
			t.Fatalf("UpsertPendingCleanup() error = %v", err)
		}
	}

	list, err = s.ListPendingCleanups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Path != "/mods/a" || list[1].Path != "/mods/b" {
		t.Fatalf("ListPendingCleanups() = %+v", list)
	}
	if list[0].RetryCount != 2 || !list[0].LastAttemptAt.Equal(attempt) {
		t.Errorf("record a = %+v", list[0])
	}
	if !list[1].LastAttemptAt.IsZero() || list[1].ModuleID != "b" {
		t.Errorf("record b = %+v", list[1])
	}
	if list[1].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	// Upsert bumps retry state in place
	bumped := list[1]
	bumped.RetryCount = 1
	bumped.LastAttemptAt = attempt
	if err := s.UpsertPendingCleanup(ctx, bumped); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListPendingCleanups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[1].RetryCount != 1 {
		t.Errorf("after bump = %+v", list)
	}

	if err := s.DeletePendingCleanup(ctx, "/mods/a"); err != nil {
		t.Fatalf("DeletePendingCleanup() error = %v", err)
	}
	if err := s.DeletePendingCleanup(ctx, "/mods/a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("DeletePendingCleanup() twice error = %v, want ErrNotFound", err)
	}
	if err := s.UpsertPendingCleanup(ctx, store.PendingCleanup{}); err == nil {
		t.Error("UpsertPendingCleanup() should reject empty path")
	}
}

func testCancelled(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ListInstalledModules(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ListInstalledModules() error = %v, want context.Canceled", err)
	}
	if err := s.UpsertPendingCleanup(ctx, store.PendingCleanup{Path: "/x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("UpsertPendingCleanup() error = %v, want context.Canceled", err)
	}
}
