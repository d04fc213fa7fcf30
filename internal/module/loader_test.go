package module

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/dshills/modhost/internal/discovery"
	"github.com/dshills/modhost/internal/module/domain"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
	"github.com/dshills/modhost/internal/store"
	"github.com/dshills/modhost/internal/store/memory"
)

func echoSpec() moduleSpec {
	return moduleSpec{
		ID:    "EchoPlugin",
		Hosts: []string{"AvaloniaApp", "BlazorApp"},
		Units: map[string]string{"init.lua": echoCode},
		Menus: []manifest.Menu{{ID: "echo.settings", Title: "Settings", Group: "tools"}},
	}
}

func TestLoadRegistersModule(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, echoSpec())

	h := env.mustLoad(t, dir)

	if h.State() != StateLoaded {
		t.Errorf("State() = %v, want loaded", h.State())
	}
	d := h.Descriptor()
	if d.ID != "EchoPlugin" || d.Version != "1.0.0" {
		t.Errorf("Descriptor() = %+v", d)
	}
	if !slices.Equal(d.SupportedHosts, []string{"AvaloniaApp", "BlazorApp"}) {
		t.Errorf("SupportedHosts = %v", d.SupportedHosts)
	}

	rm, ok := env.loader.Registry().TryGetModule("EchoPlugin")
	if !ok {
		t.Fatal("TryGetModule() = false after Load")
	}
	if rm != h.Module() {
		t.Error("registry holds a different runtime module")
	}
	if rm.Root != dir {
		t.Errorf("Root = %q, want %q", rm.Root, dir)
	}

	var names []string
	for _, u := range h.CodeUnits() {
		names = append(names, u.Name)
	}
	for _, want := range []string{"host.sdk", "host.notify", "init.lua"} {
		if !slices.Contains(names, want) {
			t.Errorf("CodeUnits() = %v, missing %q", names, want)
		}
	}

	if got := len(env.eventsOf(EventLoaded)); got != 1 {
		t.Errorf("loaded events = %d, want 1", got)
	}
	if _, err := h.Services(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Services() before Activate error = %v, want ErrNotActive", err)
	}
}

func TestLoadRejected(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, root string) string
		opts  []LoaderOption
	}{
		{
			name: "unsupported host",
			write: func(t *testing.T, root string) string {
				s := echoSpec()
				s.Hosts = []string{"BlazorApp"}
				return writeModule(t, root, s)
			},
		},
		{
			name: "malformed manifest",
			write: func(t *testing.T, root string) string {
				dir := filepath.Join(root, "broken")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, manifest.FileName), []byte("{not json"), 0o644); err != nil {
					t.Fatal(err)
				}
				return dir
			},
		},
		{
			name: "validator says no",
			write: func(t *testing.T, root string) string {
				return writeModule(t, root, echoSpec())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.name == "validator says no" {
				env.loader.validator = manifest.ValidatorFunc(func(string, *manifest.Manifest) bool { return false })
			}
			dir := tt.write(t, env.root)

			h, err := env.loader.Load(context.Background(), dir, false)
			if err != nil {
				t.Fatalf("Load() error = %v, want nil", err)
			}
			if h != nil {
				t.Fatal("Load() returned a handle for a rejected manifest")
			}
			if env.loader.Registry().Len() != 0 {
				t.Errorf("registry Len() = %d, want 0", env.loader.Registry().Len())
			}
			if got := len(env.eventsOf(EventRejected)); got != 1 {
				t.Errorf("rejected events = %d, want 1", got)
			}
			if f := env.loader.Failures(); len(f) != 0 {
				t.Errorf("Failures() = %v, want none", f)
			}
		})
	}
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		spec    *moduleSpec
		wantErr error
		wantKey string
	}{
		{
			name:    "missing manifest",
			wantErr: manifest.ErrNotFound,
		},
		{
			name: "missing code unit",
			spec: &moduleSpec{
				ID:    "Broken",
				Units: map[string]string{"init.lua": plainCode},
				Order: []string{"init.lua", "missing.lua"},
			},
			wantErr: domain.ErrCodeUnitNotFound,
			wantKey: "Broken",
		},
		{
			name: "lua error",
			spec: &moduleSpec{
				ID:    "Crash",
				Units: map[string]string{"init.lua": `error("boom")`},
			},
			wantKey: "Crash",
		},
		{
			name:    "unknown entry type",
			spec:    &moduleSpec{ID: "NoType", Units: map[string]string{"init.lua": plainCode}, EntryTypes: []string{"Ghost"}},
			wantErr: ErrEntryTypeNotFound,
			wantKey: "NoType",
		},
		{
			name:    "no entry type",
			spec:    &moduleSpec{ID: "Empty", Units: map[string]string{"init.lua": "local x = 1"}},
			wantErr: ErrNoEntryType,
			wantKey: "Empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			var dir string
			if tt.spec != nil {
				dir = writeModule(t, env.root, *tt.spec)
			} else {
				dir = filepath.Join(env.root, "empty")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
			}

			h, err := env.loader.Load(context.Background(), dir, false)
			if h != nil {
				t.Fatal("Load() returned a handle on failure")
			}
			var lerr *LoadError
			if !errors.As(err, &lerr) {
				t.Fatalf("Load() error = %v, want *LoadError", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Load() error = %v, want %v", err, tt.wantErr)
			}
			if env.loader.Registry().Len() != 0 {
				t.Error("failed module was registered")
			}

			failures := env.loader.Failures()
			if len(failures) != 1 {
				t.Fatalf("Failures() = %v, want 1 entry", failures)
			}
			key := tt.wantKey
			if key == "" {
				key = dir
			}
			got := failures[0].ID
			if got == "" {
				got = failures[0].Path
			}
			if got != key {
				t.Errorf("failure key = %q, want %q", got, key)
			}
		})
	}
}

func TestLoadFailureClearedBySuccess(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, moduleSpec{ID: "Flaky", Units: map[string]string{"init.lua": `error("boom")`}})

	if _, err := env.loader.Load(context.Background(), dir, false); err == nil {
		t.Fatal("Load() error = nil, want failure")
	}
	if err := os.WriteFile(filepath.Join(dir, "init.lua"), []byte(plainCode), 0o644); err != nil {
		t.Fatal(err)
	}
	env.mustLoad(t, dir)
	if f := env.loader.Failures(); len(f) != 0 {
		t.Errorf("Failures() = %v after successful load", f)
	}
}

func TestLoadAlreadyLoaded(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, echoSpec())
	first := env.mustLoad(t, dir)

	_, err := env.loader.Load(context.Background(), dir, false)
	if !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("second Load() error = %v, want ErrAlreadyLoaded", err)
	}
	h, _ := env.loader.Registry().TryGetModuleHandle("EchoPlugin")
	if h != first {
		t.Error("second Load() replaced the registered handle")
	}
	if first.Released() {
		t.Error("second Load() released the first handle")
	}
}

func TestLoadCancelled(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, echoSpec())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := env.loader.Load(ctx, dir, false)
	if h != nil {
		t.Fatal("Load() returned a handle with a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
	if env.loader.Registry().Len() != 0 {
		t.Error("cancelled load registered a module")
	}
	if f := env.loader.Failures(); len(f) != 0 {
		t.Errorf("Failures() = %v, want none for cancellation", f)
	}
}

func TestActivateAndInvoke(t *testing.T) {
	env := newTestEnv(t)
	h := env.mustLoad(t, writeModule(t, env.root, echoSpec()))
	ctx := context.Background()

	if err := env.loader.Activate(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if h.State() != StateActive {
		t.Fatalf("State() = %v, want active", h.State())
	}

	sp, err := h.Services()
	if err != nil {
		t.Fatalf("Services() error = %v", err)
	}
	echo, err := services.Resolve[*LuaService](ctx, sp, "echo")
	if err != nil {
		t.Fatalf("Resolve(echo) error = %v", err)
	}
	if echo.ModuleID() != "EchoPlugin" {
		t.Errorf("ModuleID() = %q", echo.ModuleID())
	}
	out, err := echo.Invoke(ctx, "say", "hi")
	if err != nil {
		t.Fatalf("Invoke(say) error = %v", err)
	}
	if len(out) != 1 || out[0] != "hello from host: hi" {
		t.Errorf("Invoke(say) = %v", out)
	}
	if _, err := echo.Invoke(ctx, "shout", "hi"); !errors.Is(err, ErrNoSuchMethod) {
		t.Errorf("Invoke(shout) error = %v, want ErrNoSuchMethod", err)
	}

	again, err := sp.Resolve(ctx, "echo")
	if err != nil || again != echo {
		t.Errorf("singleton resolved twice: %v, %v", again, err)
	}
	if !sp.Has("host.greeting") {
		t.Error("composite does not fall back to host services")
	}
	if _, err := sp.Resolve(ctx, "nope"); !errors.Is(err, services.ErrServiceNotFound) {
		t.Errorf("Resolve(nope) error = %v, want ErrServiceNotFound", err)
	}

	var menuIDs []string
	for _, m := range h.Menus() {
		if m.ModuleID != "EchoPlugin" {
			t.Errorf("menu %s ModuleID = %q", m.ID, m.ModuleID)
		}
		menuIDs = append(menuIDs, m.ID)
	}
	if !slices.Equal(menuIDs, []string{"echo.settings", "echo.main"}) {
		t.Errorf("Menus() = %v", menuIDs)
	}
	if got := env.loader.Registry().Menus(); len(got) != 2 {
		t.Errorf("Registry().Menus() = %v, want 2", got)
	}

	if got := env.topics("init"); !slices.Equal(got, []string{"EchoPlugin"}) {
		t.Errorf("init notifications = %v", got)
	}

	// Activating twice is a no-op.
	if err := env.loader.Activate(ctx, "EchoPlugin"); err != nil {
		t.Errorf("second Activate() error = %v", err)
	}
	if got := env.topics("init"); len(got) != 1 {
		t.Errorf("init hook ran %d times, want 1", len(got))
	}
}

func TestActivateNotLoaded(t *testing.T) {
	env := newTestEnv(t)
	if err := env.loader.Activate(context.Background(), "Ghost"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Activate() error = %v, want ErrNotLoaded", err)
	}
}

func TestActivateInitFailure(t *testing.T) {
	env := newTestEnv(t)
	code := `require("host.sdk").define("Bad", { initialize = function(self, app) error("init broke") end })`
	h := env.mustLoad(t, writeModule(t, env.root, moduleSpec{ID: "Bad", Units: map[string]string{"init.lua": code}}))

	err := env.loader.Activate(context.Background(), "Bad")
	var lerr *LoadError
	if !errors.As(err, &lerr) || lerr.Op != "activate" {
		t.Fatalf("Activate() error = %v, want activate *LoadError", err)
	}
	if h.State() != StateFailed {
		t.Errorf("State() = %v, want failed", h.State())
	}
	if h.Module().Err() == nil {
		t.Error("Err() = nil for failed module")
	}
	if _, ok := env.loader.Registry().TryGetModule("Bad"); !ok {
		t.Error("failed module left the registry")
	}
	if got := len(env.eventsOf(EventFailed)); got != 1 {
		t.Errorf("failed events = %d, want 1", got)
	}

	if err := env.loader.Unload(context.Background(), "Bad"); err != nil {
		t.Errorf("Unload() of failed module error = %v", err)
	}
}

func TestUnload(t *testing.T) {
	env := newTestEnv(t)
	h := env.mustLoad(t, writeModule(t, env.root, echoSpec()))
	ctx := context.Background()
	if err := env.loader.Activate(ctx, "EchoPlugin"); err != nil {
		t.Fatal(err)
	}

	if err := env.loader.Unload(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if _, ok := env.loader.Registry().TryGetModule("EchoPlugin"); ok {
		t.Error("TryGetModule() = true after Unload")
	}
	if !h.Released() {
		t.Error("handle not released")
	}
	if h.State() != StateUnloaded {
		t.Errorf("State() = %v, want unloaded", h.State())
	}
	if _, err := h.Services(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Services() after Unload error = %v, want ErrNotActive", err)
	}
	if !h.Module().Domain().Released() {
		t.Error("domain not released")
	}
	if got := env.topics("shutdown"); !slices.Equal(got, []string{"echo"}) {
		t.Errorf("shutdown notifications = %v", got)
	}

	if err := env.loader.Unload(ctx, "EchoPlugin"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("second Unload() error = %v, want ErrNotLoaded", err)
	}
}

func TestUnloadInactiveSkipsShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.mustLoad(t, writeModule(t, env.root, echoSpec()))

	if err := env.loader.Unload(context.Background(), "EchoPlugin"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if got := env.topics("shutdown"); len(got) != 0 {
		t.Errorf("shutdown hook ran for a module that never activated: %v", got)
	}
}

func TestUnloadedDomainIsCollected(t *testing.T) {
	env := newTestEnv(t)
	h := env.mustLoad(t, writeModule(t, env.root, moduleSpec{ID: "Plain", Units: map[string]string{"init.lua": plainCode}}))
	tracker := h.Module().Domain().Tracker()

	if err := env.loader.Unload(context.Background(), "Plain"); err != nil {
		t.Fatal(err)
	}
	h = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracker.WaitCollected(ctx); err != nil {
		t.Errorf("WaitCollected() error = %v", err)
	}
}

func TestReload(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, echoSpec())
	old := env.mustLoad(t, dir)
	ctx := context.Background()
	if err := env.loader.Activate(ctx, "EchoPlugin"); err != nil {
		t.Fatal(err)
	}

	h, err := env.loader.Reload(ctx, "EchoPlugin")
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if h == old || h.ID() == old.ID() {
		t.Error("Reload() returned the old handle")
	}
	if h.State() != StateLoaded {
		t.Errorf("State() = %v, want loaded", h.State())
	}
	if !old.Released() {
		t.Error("old handle not released")
	}
	if h.Module().Domain().Name() == old.Module().Domain().Name() {
		t.Error("Reload() reused the old domain")
	}
	if got := len(env.eventsOf(EventReloaded)); got != 1 {
		t.Errorf("reloaded events = %d, want 1", got)
	}
	current, _ := env.loader.Registry().TryGetModuleHandle("EchoPlugin")
	if current != h {
		t.Error("registry does not hold the reloaded handle")
	}
}

func TestReloadRejected(t *testing.T) {
	env := newTestEnv(t)
	dir := writeModule(t, env.root, echoSpec())
	env.mustLoad(t, dir)

	s := echoSpec()
	s.Hosts = []string{"BlazorApp"}
	writeModule(t, env.root, s)

	h, err := env.loader.Reload(context.Background(), "EchoPlugin")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Reload() error = %v, want ErrRejected", err)
	}
	if h != nil {
		t.Error("Reload() returned a handle")
	}
	if _, ok := env.loader.Registry().TryGetModule("EchoPlugin"); ok {
		t.Error("rejected reload left the module registered")
	}
}

func TestReloadNotLoaded(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.loader.Reload(context.Background(), "Ghost"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Reload() error = %v, want ErrNotLoaded", err)
	}
}

func writeEchoAndRelay(t *testing.T, root string) []discovery.Candidate {
	t.Helper()
	a := writeModule(t, root, echoSpec())
	b := writeModule(t, root, moduleSpec{
		ID:        "Relay",
		Units:     map[string]string{"init.lua": relayCode},
		DependsOn: []string{"EchoPlugin"},
	})
	return []discovery.Candidate{{Path: b}, {Path: a}}
}

func TestCrossModuleServices(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	report, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root))
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(report.Loaded) != 2 {
		t.Fatalf("Loaded = %d, want 2 (failed: %v)", len(report.Loaded), report.Err())
	}
	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatalf("ActivateAll() error = %v", err)
	}

	var order []string
	for _, ev := range env.eventsOf(EventActivated) {
		order = append(order, ev.ModuleID)
	}
	if !slices.Equal(order, []string{"EchoPlugin", "Relay"}) {
		t.Errorf("activation order = %v", order)
	}

	h, _ := env.loader.Registry().TryGetModuleHandle("Relay")
	sp, err := h.Services()
	if err != nil {
		t.Fatal(err)
	}
	relay, err := services.Resolve[*LuaService](ctx, sp, "relay")
	if err != nil {
		t.Fatalf("Resolve(relay) error = %v", err)
	}
	out, err := relay.Invoke(ctx, "relay", "ping")
	if err != nil {
		t.Fatalf("Invoke(relay) error = %v", err)
	}
	if len(out) != 1 || out[0] != "relay hello from host: ping" {
		t.Errorf("Invoke(relay) = %v", out)
	}

	echo, err := services.Resolve[*LuaService](ctx, sp, "echo")
	if err != nil {
		t.Fatalf("Resolve(echo) through dependency error = %v", err)
	}
	if echo.ModuleID() != "EchoPlugin" {
		t.Errorf("echo resolved from %q", echo.ModuleID())
	}
}

func TestUnloadCascadesToDependents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root)); err != nil {
		t.Fatal(err)
	}
	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatal(err)
	}
	relay, _ := env.loader.Registry().TryGetModuleHandle("Relay")

	if err := env.loader.Unload(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if env.loader.Registry().Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", env.loader.Registry().Len())
	}
	if !relay.Released() {
		t.Error("dependent handle not released")
	}
	var order []string
	for _, ev := range env.eventsOf(EventUnloaded) {
		order = append(order, ev.ModuleID)
	}
	if !slices.Equal(order, []string{"Relay", "EchoPlugin"}) {
		t.Errorf("unload order = %v", order)
	}
}

func TestReloadRestoresDependents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root)); err != nil {
		t.Fatal(err)
	}
	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatal(err)
	}
	oldRelay, _ := env.loader.Registry().TryGetModuleHandle("Relay")

	if _, err := env.loader.Reload(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !oldRelay.Released() {
		t.Error("dependent kept its old handle")
	}
	relay, ok := env.loader.Registry().TryGetModuleHandle("Relay")
	if !ok {
		t.Fatal("dependent not restored")
	}
	if relay.State() != StateLoaded {
		t.Errorf("dependent State() = %v, want loaded", relay.State())
	}
	var reloaded []string
	for _, ev := range env.eventsOf(EventReloaded) {
		reloaded = append(reloaded, ev.ModuleID)
	}
	if !slices.Equal(reloaded, []string{"EchoPlugin", "Relay"}) {
		t.Errorf("reloaded events = %v", reloaded)
	}

	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatalf("ActivateAll() error = %v", err)
	}
	sp, err := relay.Services()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := services.Resolve[*LuaService](ctx, sp, "relay")
	if err != nil {
		t.Fatalf("Resolve(relay) after reload error = %v", err)
	}
	out, err := svc.Invoke(ctx, "relay", "again")
	if err != nil {
		t.Fatalf("Invoke(relay) error = %v", err)
	}
	if len(out) != 1 || out[0] != "relay hello from host: again" {
		t.Errorf("Invoke(relay) = %v", out)
	}
}

func TestReloadRejectedFailsDependents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root)); err != nil {
		t.Fatal(err)
	}
	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatal(err)
	}

	s := echoSpec()
	s.Hosts = []string{"BlazorApp"}
	writeModule(t, env.root, s)
	if _, err := env.loader.Reload(ctx, "EchoPlugin"); !errors.Is(err, ErrRejected) {
		t.Fatalf("Reload() error = %v, want ErrRejected", err)
	}

	if err := env.loader.ActivateAll(ctx); !errors.Is(err, ErrMissingDependency) {
		t.Errorf("ActivateAll() error = %v, want ErrMissingDependency", err)
	}
	rm, ok := env.loader.Registry().TryGetModule("Relay")
	if !ok {
		t.Fatal("dependent not restored")
	}
	if rm.State() != StateFailed {
		t.Errorf("dependent State() = %v, want failed", rm.State())
	}
}

func TestCyclicIndexChainInstance(t *testing.T) {
	env := newTestEnv(t)
	code := `
local sdk = require("host.sdk")

sdk.define("Loop", {
  configure_services = function(self, services)
    local a, b = {}, { name = "b" }
    setmetatable(a, { __index = b })
    setmetatable(b, { __index = a })
    services:add_instance("loop", a)
  end,
})
`
	env.mustLoad(t, writeModule(t, env.root, moduleSpec{ID: "Loop", Units: map[string]string{"init.lua": code}}))
	ctx := context.Background()
	if err := env.loader.Activate(ctx, "Loop"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	h, _ := env.loader.Registry().TryGetModuleHandle("Loop")
	sp, err := h.Services()
	if err != nil {
		t.Fatal(err)
	}
	v, err := sp.Resolve(ctx, "loop")
	if err != nil {
		t.Fatalf("Resolve(loop) error = %v", err)
	}
	if _, ok := v.(*LuaService); ok {
		t.Error("table without functions became a LuaService")
	}
}

func TestActivateDependencyNotActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root)); err != nil {
		t.Fatal(err)
	}

	err := env.loader.Activate(ctx, "Relay")
	if !errors.Is(err, ErrDependencyNotActive) {
		t.Fatalf("Activate() error = %v, want ErrDependencyNotActive", err)
	}
	rm, _ := env.loader.Registry().TryGetModule("Relay")
	if rm.State() != StateLoaded {
		t.Errorf("State() = %v, want loaded", rm.State())
	}
}

func TestActivateAllMissingDependency(t *testing.T) {
	env := newTestEnv(t)
	env.mustLoad(t, writeModule(t, env.root, moduleSpec{
		ID:        "Orphan",
		Units:     map[string]string{"init.lua": plainCode},
		DependsOn: []string{"Ghost"},
	}))

	err := env.loader.ActivateAll(context.Background())
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("ActivateAll() error = %v, want ErrMissingDependency", err)
	}
	rm, _ := env.loader.Registry().TryGetModule("Orphan")
	if rm.State() != StateFailed {
		t.Errorf("State() = %v, want failed", rm.State())
	}
}

func TestActivateAllCycle(t *testing.T) {
	env := newTestEnv(t)
	for _, s := range []moduleSpec{
		{ID: "Chicken", Units: map[string]string{"init.lua": plainCode}, DependsOn: []string{"Egg"}},
		{ID: "Egg", Units: map[string]string{"init.lua": plainCode}, DependsOn: []string{"Chicken"}},
		{ID: "Plain", Units: map[string]string{"init.lua": plainCode}},
	} {
		env.mustLoad(t, writeModule(t, env.root, s))
	}

	err := env.loader.ActivateAll(context.Background())
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("ActivateAll() error = %v, want ErrCyclicDependency", err)
	}
	for id, want := range map[string]State{"Chicken": StateFailed, "Egg": StateFailed, "Plain": StateActive} {
		rm, ok := env.loader.Registry().TryGetModule(id)
		if !ok {
			t.Errorf("%s not registered", id)
			continue
		}
		if rm.State() != want {
			t.Errorf("%s State() = %v, want %v", id, rm.State(), want)
		}
	}
}

func TestHostFactoryModule(t *testing.T) {
	var closed bool
	mod := &hookModule{closed: &closed}
	factories := NewFactories()
	if err := factories.Register("Counter", func() (Module, error) { return mod, nil }); err != nil {
		t.Fatal(err)
	}
	if err := factories.Register("Counter", func() (Module, error) { return mod, nil }); err == nil {
		t.Error("duplicate Register() error = nil")
	}

	env := newTestEnv(t, WithFactories(factories))
	ctx := context.Background()
	h := env.mustLoad(t, writeModule(t, env.root, moduleSpec{ID: "Native", Order: []string{}, EntryTypes: []string{"Counter"}}))

	if err := env.loader.Activate(ctx, "Native"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	sp, err := h.Services()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Resolve(ctx, "counter"); err != nil {
		t.Fatalf("Resolve(counter) error = %v", err)
	}
	menus := h.Menus()
	if len(menus) != 1 || menus[0].Title != "hello from host" {
		t.Errorf("Menus() = %v", menus)
	}

	if err := env.loader.Unload(ctx, "Native"); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("singleton not disposed on unload")
	}
	if got := mod.Calls(); !slices.Equal(got, []string{"configure", "initialize", "shutdown"}) {
		t.Errorf("hook calls = %v", got)
	}
}

func TestHostFactoryPanics(t *testing.T) {
	factories := NewFactories()
	_ = factories.Register("Boom", func() (Module, error) { panic("constructor exploded") })

	env := newTestEnv(t, WithFactories(factories))
	_, err := env.loader.Load(context.Background(), writeModule(t, env.root, moduleSpec{ID: "Boom", Order: []string{}, EntryTypes: []string{"Boom"}}), false)
	if err == nil {
		t.Fatal("Load() error = nil, want recovered panic")
	}
	if env.loader.Registry().Len() != 0 {
		t.Error("panicking module was registered")
	}
}

func TestLoadAllReport(t *testing.T) {
	records := memory.New()
	ctx := context.Background()
	if err := records.UpsertInstalledModule(ctx, store.InstalledModule{ID: "Sleeper", Path: "/elsewhere", Enabled: false}); err != nil {
		t.Fatal(err)
	}

	env := newTestEnv(t, WithRecords(records), WithParallelism(2))
	good := writeModule(t, env.root, echoSpec())
	rejected := writeModule(t, env.root, moduleSpec{ID: "Foreign", Hosts: []string{"BlazorApp"}, Units: map[string]string{"init.lua": plainCode}})
	broken := writeModule(t, env.root, moduleSpec{ID: "Broken", Order: []string{"missing.lua"}})
	sleeper := writeModule(t, env.root, moduleSpec{ID: "Sleeper", Units: map[string]string{"init.lua": plainCode}})

	report, err := env.loader.LoadAll(ctx, []discovery.Candidate{
		{Path: good}, {Path: rejected}, {Path: broken}, {Path: sleeper},
	})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	if len(report.Loaded) != 1 || report.Loaded[0].Module().ID() != "EchoPlugin" {
		t.Errorf("Loaded = %v", report.Loaded)
	}
	if !slices.Equal(report.Rejected, []string{rejected}) {
		t.Errorf("Rejected = %v", report.Rejected)
	}
	if !slices.Equal(report.Skipped, []string{sleeper}) {
		t.Errorf("Skipped = %v", report.Skipped)
	}
	if len(report.Failed) != 1 || report.Failed[0].ID != "Broken" {
		t.Errorf("Failed = %v", report.Failed)
	}
	if !errors.Is(report.Err(), domain.ErrCodeUnitNotFound) {
		t.Errorf("Err() = %v, want ErrCodeUnitNotFound", report.Err())
	}

	rec, err := records.GetInstalledModule(ctx, "EchoPlugin")
	if err != nil {
		t.Fatalf("record for loaded module: %v", err)
	}
	if !rec.Enabled || rec.Path != good || rec.Version != "1.0.0" {
		t.Errorf("record = %+v", rec)
	}
}

func TestLoadAllCancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := env.loader.LoadAll(ctx, []discovery.Candidate{{Path: writeModule(t, env.root, echoSpec())}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("LoadAll() error = %v, want context.Canceled", err)
	}
	if len(report.Loaded) != 0 {
		t.Errorf("Loaded = %v", report.Loaded)
	}
}

func TestUninstallQueuesFailedDeletion(t *testing.T) {
	records := memory.New()
	cleaner := newFakeCleaner()
	env := newTestEnv(t,
		WithRecords(records),
		WithCleaner(cleaner),
		WithRemover(func(string) error { return errors.New("file in use") }),
	)
	ctx := context.Background()
	dir := writeModule(t, env.root, echoSpec())
	env.mustLoad(t, dir)

	if !slices.Contains(cleaner.forgot, dir) {
		t.Errorf("Load() did not forget pending cleanup for %s", dir)
	}

	if err := env.loader.Uninstall(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if got := cleaner.enqueued[dir]; got != "EchoPlugin" {
		t.Errorf("enqueued[%s] = %q, want EchoPlugin", dir, got)
	}
	if _, err := records.GetInstalledModule(ctx, "EchoPlugin"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record after Uninstall error = %v, want ErrNotFound", err)
	}
	if _, ok := env.loader.Registry().TryGetModule("EchoPlugin"); ok {
		t.Error("module still registered after Uninstall")
	}
}

func TestUninstallDeletesDirectory(t *testing.T) {
	records := memory.New()
	env := newTestEnv(t, WithRecords(records))
	dir := writeModule(t, env.root, echoSpec())
	env.mustLoad(t, dir)

	if err := env.loader.Uninstall(context.Background(), "EchoPlugin"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("module directory still exists: %v", err)
	}
}

func TestUninstallByRecord(t *testing.T) {
	records := memory.New()
	var removed []string
	env := newTestEnv(t, WithRecords(records), WithRemover(func(p string) error {
		removed = append(removed, p)
		return nil
	}))
	ctx := context.Background()
	if err := records.UpsertInstalledModule(ctx, store.InstalledModule{ID: "Gone", Path: "/modules/gone", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	if err := env.loader.Uninstall(ctx, "Gone"); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if !slices.Equal(removed, []string{"/modules/gone"}) {
		t.Errorf("removed = %v", removed)
	}
}

func TestDisableEnable(t *testing.T) {
	records := memory.New()
	env := newTestEnv(t, WithRecords(records))
	ctx := context.Background()
	env.mustLoad(t, writeModule(t, env.root, echoSpec()))

	if err := env.loader.Disable(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if _, ok := env.loader.Registry().TryGetModule("EchoPlugin"); ok {
		t.Error("disabled module still loaded")
	}
	rec, err := records.GetInstalledModule(ctx, "EchoPlugin")
	if err != nil || rec.Enabled {
		t.Errorf("record after Disable = %+v, %v", rec, err)
	}

	if err := env.loader.Enable(ctx, "EchoPlugin"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	rec, _ = records.GetInstalledModule(ctx, "EchoPlugin")
	if !rec.Enabled {
		t.Error("record not enabled after Enable")
	}
}

func TestDisableWithoutRecords(t *testing.T) {
	env := newTestEnv(t)
	if err := env.loader.Disable(context.Background(), "EchoPlugin"); !errors.Is(err, ErrNoRecords) {
		t.Errorf("Disable() error = %v, want ErrNoRecords", err)
	}
	if err := env.loader.Enable(context.Background(), "EchoPlugin"); !errors.Is(err, ErrNoRecords) {
		t.Errorf("Enable() error = %v, want ErrNoRecords", err)
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.loader.LoadAll(ctx, writeEchoAndRelay(t, env.root)); err != nil {
		t.Fatal(err)
	}
	if err := env.loader.ActivateAll(ctx); err != nil {
		t.Fatal(err)
	}

	if err := env.loader.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if env.loader.Registry().Len() != 0 {
		t.Errorf("registry Len() = %d after Shutdown", env.loader.Registry().Len())
	}
	var order []string
	for _, ev := range env.eventsOf(EventUnloaded) {
		order = append(order, ev.ModuleID)
	}
	if !slices.Equal(order, []string{"Relay", "EchoPlugin"}) {
		t.Errorf("unload order = %v", order)
	}
}

func TestPanickingEventHandler(t *testing.T) {
	env := newTestEnv(t)
	env.loader.Subscribe(func(Event) { panic("handler exploded") })

	h, err := env.loader.Load(context.Background(), writeModule(t, env.root, echoSpec()), false)
	if err != nil || h == nil {
		t.Fatalf("Load() = %v, %v", h, err)
	}
	if got := len(env.eventsOf(EventLoaded)); got != 1 {
		t.Errorf("loaded events = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t)
	var calls int
	unsubscribe := env.loader.Subscribe(func(Event) { calls++ })
	unsubscribe()

	env.mustLoad(t, writeModule(t, env.root, echoSpec()))
	if calls != 0 {
		t.Errorf("unsubscribed handler called %d times", calls)
	}
}
