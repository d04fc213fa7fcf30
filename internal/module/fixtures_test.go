package module

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/modhost/internal/module/api"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
	"github.com/dshills/modhost/internal/module/shared"
)

const testHost = "AvaloniaApp"

// echoCode defines a module exposing an "echo" service that prefixes
// messages with the host greeting.
const echoCode = `
local sdk = require("host.sdk")
local notify = require("host.notify")

sdk.define("EchoModule", {
  configure_services = function(self, services)
    services:add_singleton("echo", function(provider)
      local greeting = provider:resolve("host.greeting")
      return {
        say = function(_, msg) return greeting .. ": " .. msg end,
      }
    end)
  end,
  initialize = function(self, app)
    app:add_menu({ id = "echo.main", title = "Echo", route = "/echo" })
    notify.notify("init", app.module_id)
  end,
  shutdown = function(self)
    notify.notify("shutdown", "echo")
  end,
})
`

// relayCode depends on an "echo" service from another module.
const relayCode = `
local sdk = require("host.sdk")

sdk.define("RelayModule", {
  configure_services = function(self, services)
    services:add_singleton("relay", function(provider)
      local echo = provider:resolve("echo")
      return {
        relay = function(_, msg) return "relay " .. echo:say(msg) end,
      }
    end)
  end,
})
`

// plainCode defines a module with no hooks.
const plainCode = `require("host.sdk").define("Plain", {})`

type moduleSpec struct {
	ID         string
	Version    string
	Hosts      []string
	Units      map[string]string // Relative path -> code
	Order      []string          // coreCodeUnits; defaults to init.lua
	DependsOn  []string
	EntryTypes []string
	Menus      []manifest.Menu
}

func writeModule(t *testing.T, parent string, spec moduleSpec) string {
	t.Helper()
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	if spec.Hosts == nil {
		spec.Hosts = []string{testHost}
	}
	if spec.Order == nil {
		spec.Order = []string{"init.lua"}
	}

	dir := filepath.Join(parent, spec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	doc := map[string]any{
		"manifestVersion": 1,
		"id":              spec.ID,
		"version":         spec.Version,
		"supportedHosts":  spec.Hosts,
		"coreCodeUnits":   spec.Order,
	}
	if len(spec.DependsOn) > 0 {
		doc["dependsOn"] = spec.DependsOn
	}
	if len(spec.EntryTypes) > 0 {
		doc["entryTypes"] = spec.EntryTypes
	}
	if len(spec.Menus) > 0 {
		doc["menus"] = spec.Menus
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifest.FileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	for rel, code := range spec.Units {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

type testEnv struct {
	root     string
	notifier *api.Notifier
	loader   *Loader

	mu     sync.Mutex
	events []Event
}

func newTestEnv(t *testing.T, opts ...LoaderOption) *testEnv {
	t.Helper()
	env := &testEnv{root: t.TempDir(), notifier: api.NewNotifier(0)}

	units, err := api.DefaultRegistry(&api.Context{HostName: testHost, HostVersion: "2.0.0", Notifier: env.notifier})
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	reg, err := units.AddTo(shared.NewBuilder()).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	host := services.NewContainer(services.NewCollection().
		AddInstance("host.greeting", "hello from host").
		AddInstance("host.notifier", env.notifier))

	validator := manifest.NewValidator(manifest.HostInfo{Name: testHost, Version: semver.MustParse("2.0.0")})
	base := []LoaderOption{WithSharedRegistry(reg), WithHostServices(host)}
	env.loader = NewLoader(validator, append(base, opts...)...)
	env.loader.Subscribe(func(ev Event) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.events = append(env.events, ev)
	})
	t.Cleanup(func() { _ = env.loader.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) eventsOf(typ EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) topics(topic string) []string {
	var out []string
	for _, n := range e.notifier.History() {
		if n.Topic == topic {
			out = append(out, n.Message)
		}
	}
	return out
}

func (e *testEnv) mustLoad(t *testing.T, dir string) *RuntimeModuleHandle {
	t.Helper()
	h, err := e.loader.Load(context.Background(), dir, false)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", dir, err)
	}
	if h == nil {
		t.Fatalf("Load(%s) rejected", dir)
	}
	return h
}

// fakeCleaner records cleanup queue calls.
type fakeCleaner struct {
	mu       sync.Mutex
	enqueued map[string]string
	forgot   []string
}

func newFakeCleaner() *fakeCleaner {
	return &fakeCleaner{enqueued: make(map[string]string)}
}

func (c *fakeCleaner) Enqueue(_ context.Context, path, moduleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueued[path] = moduleID
	return nil
}

func (c *fakeCleaner) Forget(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgot = append(c.forgot, path)
	return nil
}

// hookModule is a host-compiled module that records its lifecycle calls.
type hookModule struct {
	mu     sync.Mutex
	calls  []string
	closed *bool
}

func (m *hookModule) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func (m *hookModule) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *hookModule) ConfigureServices(_ context.Context, sc *ServiceContext) error {
	m.record("configure")
	sc.Services.AddSingleton("counter", func(ctx context.Context, p services.Provider) (any, error) {
		return &closeTracker{closed: m.closed}, nil
	})
	return nil
}

func (m *hookModule) OnApplicationInitialization(ctx context.Context, app *Application) error {
	m.record("initialize")
	greeting, err := services.Resolve[string](ctx, app.Services, "host.greeting")
	if err != nil {
		return err
	}
	app.AddMenu(MenuItem{ID: "hook", Title: greeting})
	return nil
}

func (m *hookModule) Shutdown(context.Context) error {
	m.record("shutdown")
	return nil
}

type closeTracker struct {
	closed *bool
}

func (c *closeTracker) Close() error {
	if c.closed != nil {
		*c.closed = true
	}
	return nil
}
