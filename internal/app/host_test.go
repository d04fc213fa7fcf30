package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/config"
	"github.com/dshills/modhost/internal/discovery"
	"github.com/dshills/modhost/internal/module"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
	"github.com/dshills/modhost/internal/store/memory"
)

// greeterCode exposes a "greeter" service built from host services.
const greeterCode = `
local sdk = require("host.sdk")

sdk.define("Greeter", {
  configure_services = function(self, services)
    services:add_singleton("greeter", function(provider)
      local name = provider:resolve("host.name")
      local suffix = provider:resolve("test.suffix")
      return {
        greet = function(_, who) return name .. " greets " .. who .. suffix end,
      }
    end)
  end,
})
`

func writeTestModule(t *testing.T, parent, id, code string) string {
	t.Helper()
	return writeModuleDoc(t, parent, id, code, nil)
}

// writeModuleDoc writes a module whose manifest fields are overridden by extra.
func writeModuleDoc(t *testing.T, parent, id, code string, extra map[string]any) string {
	t.Helper()
	dir := filepath.Join(parent, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := map[string]any{
		"manifestVersion": 1,
		"id":              id,
		"version":         "1.0.0",
		"supportedHosts":  []string{"testhost"},
		"coreCodeUnits":   []string{"init.lua"},
	}
	for k, v := range extra {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func testConfig(t *testing.T, roots ...string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Host.Name = "testhost"
	cfg.Host.Version = "3.1.0"
	cfg.Modules.Roots = roots
	cfg.Cleanup.Interval = config.Duration(time.Hour)
	return cfg
}

func newTestHost(cfg *config.Config, opts ...Option) *Host {
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHostServices(func(c *services.Collection) {
			c.AddInstance("test.suffix", "!")
		}),
	}
	return New(cfg, append(base, opts...)...)
}

func invokeGreeter(t *testing.T, h *module.RuntimeModuleHandle) string {
	t.Helper()
	ctx := context.Background()
	sp, err := h.Services()
	if err != nil {
		t.Fatalf("Services() error = %v", err)
	}
	greeter, err := services.Resolve[*module.LuaService](ctx, sp, "greeter")
	if err != nil {
		t.Fatalf("Resolve(greeter) error = %v", err)
	}
	out, err := greeter.Invoke(ctx, "greet", "you")
	if err != nil {
		t.Fatalf("Invoke(greet) error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Invoke(greet) = %v", out)
	}
	s, _ := out[0].(string)
	return s
}

func TestHostStartLoadsModules(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "Greeter", greeterCode)

	h := newTestHost(testConfig(t, root))
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !h.Running() {
		t.Error("Running() = false after Start")
	}

	handle, err := h.Module(ctx, "Greeter")
	if err != nil {
		t.Fatalf("Module() error = %v", err)
	}
	if handle.State() != module.StateActive {
		t.Errorf("State() = %v, want active", handle.State())
	}
	if got, want := invokeGreeter(t, handle), "testhost greets you!"; got != want {
		t.Errorf("greet = %q, want %q", got, want)
	}

	rec, err := h.Store().GetInstalledModule(ctx, "Greeter")
	if err != nil {
		t.Fatalf("GetInstalledModule() error = %v", err)
	}
	if !rec.Enabled || rec.Path != handle.Module().Root {
		t.Errorf("record = %+v", rec)
	}

	if _, err := h.Module(ctx, "Missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Module(Missing) error = %v, want ErrModuleNotFound", err)
	}

	if err := h.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !handle.Released() {
		t.Error("module not released on shutdown")
	}
	if _, err := h.Module(ctx, "Greeter"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Module() after Shutdown error = %v, want ErrNotRunning", err)
	}
	if err := h.Shutdown(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Shutdown() error = %v, want ErrNotRunning", err)
	}
}

func TestHostLazy(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "Greeter", greeterCode)

	cfg := testConfig(t, root)
	cfg.Modules.Lazy = true
	h := newTestHost(cfg)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	if n := h.Loader().Registry().Len(); n != 0 {
		t.Errorf("Registry().Len() = %d before first use, want 0", n)
	}
	if known := h.Lazy().Known(); len(known) != 1 || known[0] != "Greeter" {
		t.Errorf("Known() = %v, want [Greeter]", known)
	}

	handle, err := h.Module(ctx, "Greeter")
	if err != nil {
		t.Fatalf("Module() error = %v", err)
	}
	if got := invokeGreeter(t, handle); got != "testhost greets you!" {
		t.Errorf("greet = %q", got)
	}
}

func TestHostSystemRootsTakePrecedence(t *testing.T) {
	system, user := t.TempDir(), t.TempDir()
	writeTestModule(t, system, "Greeter", greeterCode)
	writeTestModule(t, user, "Greeter", greeterCode)

	cfg := testConfig(t, user)
	cfg.Modules.SystemRoots = []string{system}
	h := newTestHost(cfg)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	handle, err := h.Module(ctx, "Greeter")
	if err != nil {
		t.Fatalf("Module() error = %v", err)
	}
	if !handle.Module().IsSystem {
		t.Error("IsSystem = false, want the system copy")
	}
	if want := filepath.Join(system, "Greeter"); handle.Module().Root != want {
		t.Errorf("Root = %q, want %q", handle.Module().Root, want)
	}
}

func TestHostStartFailures(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*config.Config)
		component string
	}{
		{
			name:      "invalid config",
			mutate:    func(c *config.Config) { c.Host.Name = "" },
			component: "config",
		},
		{
			name:      "bad public key",
			mutate:    func(c *config.Config) { c.Signature.PublicKeys = []string{"not-base64!"} },
			component: "loader",
		},
		{
			name:      "malformed shared constraint",
			mutate:    func(c *config.Config) { c.Modules.Shared = []string{"host.sdk@bogus"} },
			component: "shared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, t.TempDir())
			tt.mutate(cfg)
			h := newTestHost(cfg)

			err := h.Start(context.Background())
			var ie *InitError
			if !errors.As(err, &ie) {
				t.Fatalf("Start() error = %v, want InitError", err)
			}
			if ie.Component != tt.component {
				t.Errorf("Component = %q, want %q", ie.Component, tt.component)
			}
			if h.Running() {
				t.Error("Running() = true after failed Start")
			}
		})
	}
}

func TestHostSQLiteStorePersists(t *testing.T) {
	root := t.TempDir()
	writeTestModule(t, root, "Greeter", greeterCode)
	cfg := testConfig(t, root)
	cfg.Store.Path = filepath.Join(t.TempDir(), "modhost.db")
	ctx := context.Background()

	first := newTestHost(cfg)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := first.Loader().Disable(ctx, "Greeter"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	second := newTestHost(cfg)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	if _, err := second.Module(ctx, "Greeter"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("disabled module loaded after restart: %v", err)
	}
	rec, err := second.Store().GetInstalledModule(ctx, "Greeter")
	if err != nil {
		t.Fatalf("GetInstalledModule() error = %v", err)
	}
	if rec.Enabled {
		t.Error("Enabled = true, want the persisted false")
	}
}

func TestHostWithStoreIsNotClosed(t *testing.T) {
	s := memory.New()
	h := newTestHost(testConfig(t, t.TempDir()), WithStore(s))
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if h.Store() != s {
		t.Error("Store() is not the supplied store")
	}
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := s.ListInstalledModules(ctx); err != nil {
		t.Errorf("supplied store unusable after Shutdown: %v", err)
	}
}

// wordCode exposes a "word" instance with the given text.
func wordCode(word string) string {
	return `
local sdk = require("host.sdk")

sdk.define("Words", {
  configure_services = function(self, services)
    services:add_instance("word", "` + word + `")
  end,
})
`
}

// speakerCode exposes a "greeter" that speaks the word from its dependency.
const speakerCode = `
local sdk = require("host.sdk")

sdk.define("Speaker", {
  configure_services = function(self, services)
    services:add_singleton("greeter", function(provider)
      local word = provider:resolve("word")
      return {
        greet = function(_, who) return word .. " " .. who end,
      }
    end)
  end,
})
`

func TestHostApplyChanges(t *testing.T) {
	root := t.TempDir()
	h := newTestHost(testConfig(t, root))
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	added := func(dir string) discovery.Change {
		return discovery.Change{Candidate: discovery.Candidate{Path: dir}, Op: discovery.ChangeAdded}
	}

	t.Run("rejected manifest", func(t *testing.T) {
		dir := writeModuleDoc(t, root, "Foreign", greeterCode, map[string]any{"supportedHosts": []string{"otherhost"}})
		if err := h.apply(ctx, added(dir)); err != nil {
			t.Fatalf("apply() error = %v", err)
		}
		if _, err := h.Module(ctx, "Foreign"); !errors.Is(err, ErrModuleNotFound) {
			t.Errorf("Module() error = %v, want ErrModuleNotFound", err)
		}
	})

	t.Run("added module activates", func(t *testing.T) {
		dir := writeTestModule(t, root, "Greeter", greeterCode)
		if err := h.apply(ctx, added(dir)); err != nil {
			t.Fatalf("apply() error = %v", err)
		}
		handle, err := h.Module(ctx, "Greeter")
		if err != nil {
			t.Fatalf("Module() error = %v", err)
		}
		if handle.State() != module.StateActive {
			t.Errorf("State() = %v, want active", handle.State())
		}
	})

	t.Run("modified dependency reloads dependents", func(t *testing.T) {
		words := writeModuleDoc(t, root, "Words", wordCode("hello"), nil)
		speaker := writeModuleDoc(t, root, "Speaker", speakerCode, map[string]any{"dependsOn": []string{"Words"}})
		if err := h.apply(ctx, added(words)); err != nil {
			t.Fatal(err)
		}
		if err := h.apply(ctx, added(speaker)); err != nil {
			t.Fatal(err)
		}
		before, err := h.Module(ctx, "Speaker")
		if err != nil {
			t.Fatal(err)
		}
		if got := invokeGreeter(t, before); got != "hello you" {
			t.Fatalf("greet = %q, want %q", got, "hello you")
		}

		if err := os.WriteFile(filepath.Join(words, "init.lua"), []byte(wordCode("howdy")), 0o644); err != nil {
			t.Fatal(err)
		}
		modified := discovery.Change{Candidate: discovery.Candidate{Path: words}, Op: discovery.ChangeModified}
		if err := h.apply(ctx, modified); err != nil {
			t.Fatalf("apply() error = %v", err)
		}

		after, err := h.Module(ctx, "Speaker")
		if err != nil {
			t.Fatalf("Module() error = %v", err)
		}
		if after == before {
			t.Error("dependent kept its old handle")
		}
		if after.State() != module.StateActive {
			t.Fatalf("dependent State() = %v, want active", after.State())
		}
		if got := invokeGreeter(t, after); got != "howdy you" {
			t.Errorf("greet = %q, want %q", got, "howdy you")
		}
	})
}

func TestHostWatchAppliesChanges(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root)
	cfg.Modules.Watch = true
	cfg.Modules.Debounce = config.Duration(20 * time.Millisecond)

	h := newTestHost(cfg)
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })

	// Stage outside the root so the module appears in one rename.
	staged := writeTestModule(t, t.TempDir(), "Greeter", greeterCode)
	if err := os.Rename(staged, filepath.Join(root, "Greeter")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		handle, err := h.Module(ctx, "Greeter")
		return err == nil && handle.State() == module.StateActive
	})

	if err := os.RemoveAll(filepath.Join(root, "Greeter")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := h.Module(ctx, "Greeter")
		return errors.Is(err, ErrModuleNotFound)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
