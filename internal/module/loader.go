package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/modhost/internal/discovery"
	"github.com/dshills/modhost/internal/module/domain"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
	"github.com/dshills/modhost/internal/module/shared"
	"github.com/dshills/modhost/internal/store"
)

const tracerName = "github.com/dshills/modhost/internal/module"

// DefaultParallelism bounds concurrent loads in LoadAll.
const DefaultParallelism = 4

// Cleaner queues module directories whose deletion failed.
type Cleaner interface {
	Enqueue(ctx context.Context, path, moduleID string) error
	Forget(ctx context.Context, path string) error
}

// Loader runs the module lifecycle: Load, Activate, Unload and Reload.
// Calls for the same module id are serialized; different ids proceed
// concurrently.
type Loader struct {
	registry    *Registry
	validator   manifest.Validator
	shared      *shared.Registry
	host        services.Provider
	factories   *Factories
	records     store.ModuleRecords
	cleaner     Cleaner
	remove      func(path string) error
	logger      *slog.Logger
	tracer      trace.Tracer
	execTimeout time.Duration
	parallelism int

	locks  *keyedMutex
	events eventBus

	mu         sync.Mutex
	failures   map[string]*LoadError
	activation []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRegistry sets the runtime registry.
func WithRegistry(r *Registry) LoaderOption {
	return func(l *Loader) { l.registry = r }
}

// WithSharedRegistry sets the shared type registry consulted by every domain.
func WithSharedRegistry(r *shared.Registry) LoaderOption {
	return func(l *Loader) { l.shared = r }
}

// WithHostServices sets the host service graph modules fall back to.
func WithHostServices(p services.Provider) LoaderOption {
	return func(l *Loader) { l.host = p }
}

// WithFactories sets the host-compiled entry type factories.
func WithFactories(f *Factories) LoaderOption {
	return func(l *Loader) { l.factories = f }
}

// WithRecords sets the installed-module record store.
func WithRecords(r store.ModuleRecords) LoaderOption {
	return func(l *Loader) { l.records = r }
}

// WithCleaner sets the queue for failed directory deletions.
func WithCleaner(c Cleaner) LoaderOption {
	return func(l *Loader) { l.cleaner = c }
}

// WithRemover replaces os.RemoveAll for uninstall.
func WithRemover(fn func(path string) error) LoaderOption {
	return func(l *Loader) { l.remove = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(t trace.Tracer) LoaderOption {
	return func(l *Loader) { l.tracer = t }
}

// WithExecutionTimeout bounds each call into a module's Lua state.
func WithExecutionTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.execTimeout = d }
}

// WithParallelism bounds concurrent loads in LoadAll.
func WithParallelism(n int) LoaderOption {
	return func(l *Loader) { l.parallelism = n }
}

// NewLoader creates a loader that accepts manifests approved by v.
func NewLoader(v manifest.Validator, opts ...LoaderOption) *Loader {
	l := &Loader{
		validator:   v,
		remove:      os.RemoveAll,
		parallelism: DefaultParallelism,
		locks:       newKeyedMutex(),
		failures:    make(map[string]*LoadError),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.registry == nil {
		l.registry = NewRegistry()
	}
	if l.factories == nil {
		l.factories = NewFactories()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "loader")
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}
	if l.parallelism <= 0 {
		l.parallelism = DefaultParallelism
	}
	l.events.logger = l.logger
	return l
}

// Registry returns the runtime registry.
func (l *Loader) Registry() *Registry { return l.registry }

// Subscribe adds a lifecycle event handler and returns its unsubscribe func.
func (l *Loader) Subscribe(h EventHandler) func() {
	return l.events.subscribe(h)
}

// Load reads, validates and loads the module at path. A manifest that is
// malformed or fails validation returns (nil, nil); the registry is left
// untouched. Errors are fatal to this module only and are *LoadError values
// except for context cancellation.
func (l *Loader) Load(ctx context.Context, path string, isSystem bool) (*RuntimeModuleHandle, error) {
	h, _, err := l.loadPath(ctx, path, isSystem, nil)
	return h, err
}

func (l *Loader) loadPath(ctx context.Context, path string, isSystem bool, skip func(*manifest.Manifest) bool) (h *RuntimeModuleHandle, skipped bool, err error) {
	ctx, span := l.tracer.Start(ctx, "module.Load", trace.WithAttributes(attribute.String("module.path", path)))
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, &LoadError{Path: path, Op: "load", Err: err}
	}

	m, ok, err := l.readManifest(abs)
	if err != nil {
		lerr := &LoadError{Path: abs, Op: "load", Err: err}
		l.recordFailure(lerr)
		return nil, false, lerr
	}
	if !ok {
		span.SetAttributes(attribute.Bool("module.rejected", true))
		return nil, false, nil
	}
	span.SetAttributes(attribute.String("module.id", m.ID))

	if skip != nil && skip(m) {
		l.logger.Info("module skipped", "module", m.ID, "path", abs)
		return nil, true, nil
	}

	unlock, err := l.locks.Lock(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	h, err = l.load(ctx, abs, isSystem, m)
	return h, false, err
}

// readManifest returns ok=false for recoverable rejections.
func (l *Loader) readManifest(path string) (*manifest.Manifest, bool, error) {
	m, err := manifest.ReadDir(path)
	if err != nil {
		if errors.Is(err, manifest.ErrMalformedManifest) {
			l.logger.Warn("module manifest rejected", "path", path, "error", err)
			l.events.emit(Event{Type: EventRejected, Path: path, Err: err})
			return nil, false, nil
		}
		return nil, false, err
	}
	if !l.validator.Validate(path, m) {
		l.events.emit(Event{Type: EventRejected, ModuleID: m.ID, Path: path})
		return nil, false, nil
	}
	return m, true, nil
}

// load builds and registers a module. The caller holds the id lock.
func (l *Loader) load(ctx context.Context, path string, isSystem bool, m *manifest.Manifest) (*RuntimeModuleHandle, error) {
	if _, ok := l.registry.TryGetModule(m.ID); ok {
		return nil, &LoadError{ID: m.ID, Path: path, Op: "load", Err: ErrAlreadyLoaded}
	}

	rm := newRuntimeModule(m, path, isSystem)
	logger := l.logger.With("module", m.ID)

	d, err := domain.New(domain.Options{
		ModuleID:         m.ID,
		Root:             path,
		Shared:           l.shared,
		Capabilities:     m.Capabilities,
		ExecutionTimeout: l.execTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, l.fail(rm, "load", err)
	}
	rm.setDomain(d)

	h, err := l.build(ctx, rm, d, logger)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		d.Release()
		if cerr := ctx.Err(); cerr != nil {
			// Cancelled loads leave no trace.
			return nil, &LoadError{ID: m.ID, Path: path, Op: "load", Err: cerr}
		}
		return nil, l.fail(rm, "load", err)
	}

	if err := rm.transition(StateLoaded, nil); err != nil {
		d.Release()
		return nil, &LoadError{ID: m.ID, Path: path, Op: "load", Err: err}
	}
	if err := l.registry.register(h); err != nil {
		d.Release()
		return nil, &LoadError{ID: m.ID, Path: path, Op: "load", Err: err}
	}

	l.clearFailure(m.ID, path)
	l.afterLoad(ctx, rm)

	logger.Info("module loaded", "version", m.Version, "domain", d.Name(), "units", len(h.CodeUnits()))
	l.events.emit(Event{Type: EventLoaded, ModuleID: m.ID, Path: path})
	return h, nil
}

func (l *Loader) build(ctx context.Context, rm *RuntimeModule, d *domain.Domain, logger *slog.Logger) (*RuntimeModuleHandle, error) {
	m := rm.Manifest
	for _, unit := range m.CoreCodeUnits {
		if err := d.LoadUnit(ctx, unit); err != nil {
			return nil, err
		}
	}

	instances, err := l.instantiate(ctx, d, m)
	if err != nil {
		return nil, err
	}

	collection := services.NewCollection()
	sc := &ServiceContext{ModuleID: m.ID, Manifest: m, Services: collection, Logger: logger}
	for _, inst := range instances {
		if err := safely(func() error { return inst.ConfigureServices(ctx, sc) }); err != nil {
			return nil, fmt.Errorf("configure services: %w", err)
		}
	}
	return newHandle(rm, instances, collection), nil
}

// instantiate creates the manifest's entry types: domain definitions first,
// then host factories. With no entryTypes every domain type is created in
// definition order.
func (l *Loader) instantiate(ctx context.Context, d *domain.Domain, m *manifest.Manifest) ([]Module, error) {
	names := m.EntryTypes
	if len(names) == 0 {
		names = d.Types()
	}
	if len(names) == 0 {
		return nil, ErrNoEntryType
	}

	out := make([]Module, 0, len(names))
	for _, name := range names {
		if def, ok := d.Type(name); ok {
			lm, err := newLuaModule(ctx, d, name, def)
			if err != nil {
				return nil, err
			}
			out = append(out, lm)
			continue
		}

		if f, ok := l.factories.Lookup(name); ok {
			var inst Module
			err := safely(func() error {
				var err error
				inst, err = f()
				return err
			})
			if err == nil && inst == nil {
				err = errors.New("factory returned nil")
			}
			if err != nil {
				return nil, fmt.Errorf("construct %s: %w", name, err)
			}
			out = append(out, inst)
			continue
		}

		return nil, fmt.Errorf("%w: %s", ErrEntryTypeNotFound, name)
	}
	return out, nil
}

// afterLoad reconciles persistence. Failures are logged, never fatal.
func (l *Loader) afterLoad(ctx context.Context, rm *RuntimeModule) {
	if l.cleaner != nil {
		if err := l.cleaner.Forget(ctx, rm.Root); err != nil && !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("forget pending cleanup", "module", rm.ID(), "path", rm.Root, "error", err)
		}
	}
	if l.records == nil {
		return
	}

	rec := store.InstalledModule{
		ID:       rm.ID(),
		Version:  rm.Descriptor.Version,
		Path:     rm.Root,
		IsSystem: rm.IsSystem,
		Enabled:  true,
	}
	if existing, err := l.records.GetInstalledModule(ctx, rm.ID()); err == nil {
		rec.Enabled = existing.Enabled
		rec.InstalledAt = existing.InstalledAt
	}
	if err := l.records.UpsertInstalledModule(ctx, rec); err != nil {
		l.logger.Warn("persist module record", "module", rm.ID(), "error", err)
	}
}

// Activate builds the module's composite service graph and runs its
// initialization hooks. Declared dependencies must already be active.
func (l *Loader) Activate(ctx context.Context, id string) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.Activate", trace.WithAttributes(attribute.String("module.id", id)))
	defer func() { endSpan(span, err) }()

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return l.activate(ctx, id)
}

func (l *Loader) activate(ctx context.Context, id string) error {
	h, ok := l.registry.TryGetModuleHandle(id)
	if !ok {
		return fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	rm := h.Module()
	switch rm.State() {
	case StateActive:
		return nil
	case StateLoaded:
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, rm.State())
	}

	var deps []services.Provider
	for _, depID := range rm.Descriptor.DependsOn {
		dh, ok := l.registry.TryGetModuleHandle(depID)
		if !ok || dh.State() == StateFailed {
			return l.fail(rm, "activate", fmt.Errorf("%w: %s", ErrMissingDependency, depID))
		}
		if dh.State() != StateActive {
			return fmt.Errorf("activate %s: %w: %s", id, ErrDependencyNotActive, depID)
		}
		if c := dh.moduleContainer(); c != nil {
			deps = append(deps, c)
		}
	}

	logger := l.logger.With("module", id)
	container := services.NewContainer(h.serviceCollection())
	composite := services.NewComposite(container, l.host, deps...)
	scope := composite.CreateScope()

	app := &Application{ModuleID: id, Services: scope, Logger: logger}
	for _, m := range rm.Manifest.Menus {
		app.AddMenu(MenuItem{ID: m.ID, Title: m.Title, Route: m.Route, Group: m.Group})
	}

	for _, inst := range h.Instances() {
		if err := safely(func() error { return inst.OnApplicationInitialization(ctx, app) }); err != nil {
			_ = scope.Close()
			_ = container.Close()
			return l.fail(rm, "activate", fmt.Errorf("initialize: %w", err))
		}
	}
	if err := scope.Close(); err != nil {
		logger.Warn("dispose initialization scope", "error", err)
	}

	h.activate(container, composite, app.Menus())
	if err := rm.transition(StateActive, nil); err != nil {
		return err
	}

	l.mu.Lock()
	l.activation = append(l.activation, id)
	l.mu.Unlock()
	l.clearFailure(id, rm.Root)

	logger.Info("module activated", "services", len(container.Names()), "menus", len(h.Menus()))
	l.events.emit(Event{Type: EventActivated, ModuleID: id, Path: rm.Root})
	return nil
}

// UnloadOption configures Unload.
type UnloadOption func(*unloadOptions)

type unloadOptions struct {
	deleteFiles bool
}

// WithDeleteFiles removes the module directory after unload. A failed
// deletion is queued for the cleanup service, not reported.
func WithDeleteFiles() UnloadOption {
	return func(o *unloadOptions) { o.deleteFiles = true }
}

// Unload runs shutdown hooks, disposes the service graph, releases the
// handle and domain, and removes the module from the registry. Loaded
// modules that depend on id are unloaded first, dependents before their
// dependencies. Domain collection happens later; see domain.Tracker.
func (l *Loader) Unload(ctx context.Context, id string, opts ...UnloadOption) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.Unload", trace.WithAttributes(attribute.String("module.id", id)))
	defer func() { endSpan(span, err) }()

	var o unloadOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := l.registry.TryGetModuleHandle(id); !ok {
		return fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}

	_, unlockDeps, err := l.unloadDependents(ctx, id)
	defer unlockDeps()
	if err != nil {
		return err
	}
	return l.unload(ctx, id, o)
}

func (l *Loader) unload(ctx context.Context, id string, o unloadOptions) error {
	h, ok := l.registry.TryGetModuleHandle(id)
	if !ok {
		return fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	rm := h.Module()
	logger := l.logger.With("module", id)

	if rm.State() == StateActive {
		instances := h.Instances()
		for i := len(instances) - 1; i >= 0; i-- {
			s, ok := instances[i].(Shutdowner)
			if !ok {
				continue
			}
			if err := safely(func() error { return s.Shutdown(ctx) }); err != nil {
				logger.Warn("module shutdown hook failed", "error", err)
			}
		}
	}

	// Graph first, then the domain it was built from.
	if c := h.release(); c != nil {
		if err := c.Close(); err != nil {
			logger.Warn("dispose module services", "error", err)
		}
	}
	l.registry.remove(id)
	l.removeActivation(id)
	if d := rm.Domain(); d != nil {
		d.Release()
	}
	if err := rm.transition(StateUnloaded, nil); err != nil {
		logger.Debug("unload transition", "error", err)
	}

	if o.deleteFiles {
		l.deleteDir(ctx, rm.Root, id)
	}

	logger.Info("module unloaded")
	l.events.emit(Event{Type: EventUnloaded, ModuleID: id, Path: rm.Root})
	return nil
}

// cascaded is a module unloaded because something it depends on was.
type cascaded struct {
	id        string
	path      string
	isSystem  bool
	dependsOn []string
}

// dependentsOf returns the loaded modules that depend on id directly or
// through others, each ahead of the modules it depends on.
func (l *Loader) dependentsOf(id string) []string {
	mods := l.registry.RuntimeModules()
	direct := make(map[string][]string)
	for _, rm := range mods {
		for _, dep := range rm.Descriptor.DependsOn {
			direct[dep] = append(direct[dep], rm.ID())
		}
	}

	found := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range direct[cur] {
			if d == id || found[d] {
				continue
			}
			found[d] = true
			queue = append(queue, d)
		}
	}
	if len(found) == 0 {
		return nil
	}

	graph := make(map[string][]string, len(found))
	for _, rm := range mods {
		if found[rm.ID()] {
			graph[rm.ID()] = rm.Descriptor.DependsOn
		}
	}
	order, cyclic := dependencyOrder(graph)
	order = append(order, cyclic...)
	slices.Reverse(order)
	return order
}

// unloadDependents unloads every module depending on id, which the caller
// has locked. The dependents stay locked until the returned func runs;
// it is never nil. The unloaded modules are returned.
func (l *Loader) unloadDependents(ctx context.Context, id string) ([]cascaded, func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	held := map[string]bool{id: true}

	var out []cascaded
	for {
		ids := l.dependentsOf(id)
		if len(ids) == 0 {
			return out, release, nil
		}
		for _, d := range ids {
			if held[d] {
				continue
			}
			unlock, err := l.locks.Lock(ctx, d)
			if err != nil {
				return out, release, err
			}
			held[d] = true
			unlocks = append(unlocks, unlock)
		}
		for _, d := range ids {
			h, ok := l.registry.TryGetModuleHandle(d)
			if !ok {
				continue
			}
			rm := h.Module()
			l.logger.Info("unloading dependent module", "module", d, "dependency", id)
			if err := l.unload(ctx, d, unloadOptions{}); err != nil {
				return out, release, err
			}
			out = append(out, cascaded{id: d, path: rm.Root, isSystem: rm.IsSystem, dependsOn: rm.Descriptor.DependsOn})
		}
	}
}

// restore loads cascaded modules back from their directories, dependencies
// first. They land in Loaded; a module that no longer loads is recorded
// like any other failure.
func (l *Loader) restore(ctx context.Context, dependency string, mods []cascaded) {
	graph := make(map[string][]string, len(mods))
	byID := make(map[string]cascaded, len(mods))
	for _, c := range mods {
		graph[c.id] = c.dependsOn
		byID[c.id] = c
	}
	order, cyclic := dependencyOrder(graph)

	for _, id := range append(order, cyclic...) {
		if ctx.Err() != nil {
			return
		}
		c := byID[id]
		m, ok, err := l.readManifest(c.path)
		if err != nil {
			l.recordFailure(&LoadError{ID: id, Path: c.path, Op: "load", Err: err})
			continue
		}
		if !ok || m.ID != id {
			l.logger.Warn("dependent module not restored", "module", id, "dependency", dependency, "path", c.path)
			continue
		}
		if _, err := l.load(ctx, c.path, c.isSystem, m); err != nil {
			l.logger.Warn("restore dependent module", "module", id, "dependency", dependency, "error", err)
			continue
		}
		l.events.emit(Event{Type: EventReloaded, ModuleID: id, Path: c.path})
	}
}

func (l *Loader) deleteDir(ctx context.Context, path, id string) {
	err := l.remove(path)
	if err == nil {
		return
	}
	if l.cleaner == nil {
		l.logger.Warn("module directory not deleted", "module", id, "path", path, "error", err)
		return
	}
	if qerr := l.cleaner.Enqueue(context.WithoutCancel(ctx), path, id); qerr != nil {
		l.logger.Error("queue module directory cleanup", "module", id, "path", path, "error", errors.Join(err, qerr))
		return
	}
	l.logger.Info("module directory queued for cleanup", "module", id, "path", path, "error", err)
}

// Reload unloads the module and loads it again from the same path. The
// returned handle is always a new instance in state Loaded. A manifest that
// no longer validates yields ErrRejected and leaves the module unloaded.
// Modules depending on id go through the same cycle and come back Loaded;
// ActivateAll brings the whole group back up.
func (l *Loader) Reload(ctx context.Context, id string) (h *RuntimeModuleHandle, err error) {
	ctx, span := l.tracer.Start(ctx, "module.Reload", trace.WithAttributes(attribute.String("module.id", id)))
	defer func() { endSpan(span, err) }()

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	old, ok := l.registry.TryGetModuleHandle(id)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	path, isSystem := old.Module().Root, old.Module().IsSystem

	dependents, unlockDeps, err := l.unloadDependents(ctx, id)
	defer unlockDeps()
	defer func() { l.restore(ctx, id, dependents) }()
	if err != nil {
		return nil, err
	}

	if err := l.unload(ctx, id, unloadOptions{}); err != nil {
		return nil, err
	}

	m, ok, err := l.readManifest(path)
	if err != nil {
		lerr := &LoadError{ID: id, Path: path, Op: "load", Err: err}
		l.recordFailure(lerr)
		return nil, lerr
	}
	if !ok {
		return nil, fmt.Errorf("reload %s: %w", id, ErrRejected)
	}
	if m.ID != id {
		return nil, fmt.Errorf("reload %s: %w: manifest id changed to %q", id, ErrRejected, m.ID)
	}

	h, err = l.load(ctx, path, isSystem, m)
	if err != nil {
		return nil, err
	}
	l.events.emit(Event{Type: EventReloaded, ModuleID: id, Path: path})
	return h, nil
}

// LoadReport summarizes LoadAll.
type LoadReport struct {
	Loaded   []*RuntimeModuleHandle
	Rejected []string // Paths whose manifests failed validation
	Skipped  []string // Ids disabled in the installed records
	Failed   []*LoadError
}

// Err joins the fatal failures, nil if there were none.
func (r *LoadReport) Err() error {
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// LoadAll loads candidates concurrently. One module's failure never stops
// the others; the returned error is only for cancellation.
func (l *Loader) LoadAll(ctx context.Context, candidates []discovery.Candidate) (*LoadReport, error) {
	disabled := l.disabledIDs(ctx)
	skip := func(m *manifest.Manifest) bool { return disabled[m.ID] }

	report := &LoadReport{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(l.parallelism)

	for _, c := range candidates {
		g.Go(func() error {
			h, skipped, err := l.loadPath(ctx, c.Path, c.IsSystem, skip)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				var lerr *LoadError
				if !errors.As(err, &lerr) {
					lerr = &LoadError{Path: c.Path, Op: "load", Err: err}
				}
				report.Failed = append(report.Failed, lerr)
			case skipped:
				report.Skipped = append(report.Skipped, c.Path)
			case h == nil:
				report.Rejected = append(report.Rejected, c.Path)
			default:
				report.Loaded = append(report.Loaded, h)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Loaded, func(i, j int) bool {
		return report.Loaded[i].Module().ID() < report.Loaded[j].Module().ID()
	})
	sort.Strings(report.Rejected)
	sort.Strings(report.Skipped)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })

	l.logger.Info("modules loaded",
		"loaded", len(report.Loaded),
		"rejected", len(report.Rejected),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	return report, ctx.Err()
}

func (l *Loader) disabledIDs(ctx context.Context) map[string]bool {
	if l.records == nil {
		return nil
	}
	recs, err := l.records.ListInstalledModules(ctx)
	if err != nil {
		l.logger.Warn("list module records", "error", err)
		return nil
	}
	disabled := make(map[string]bool)
	for _, r := range recs {
		if !r.Enabled {
			disabled[r.ID] = true
		}
	}
	return disabled
}

// ActivateAll activates every loaded module in dependency order. Modules on
// or behind a dependency cycle are marked failed with ErrCyclicDependency.
func (l *Loader) ActivateAll(ctx context.Context) (err error) {
	ctx, span := l.tracer.Start(ctx, "module.ActivateAll")
	defer func() { endSpan(span, err) }()

	deps := make(map[string][]string)
	for _, rm := range l.registry.RuntimeModules() {
		if rm.State() == StateLoaded {
			deps[rm.ID()] = rm.Descriptor.DependsOn
		}
	}
	order, cyclic := dependencyOrder(deps)

	var errs []error
	if len(cyclic) > 0 {
		cause := fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cyclic, ", "))
		for _, id := range cyclic {
			if err := l.failLoaded(ctx, id, cause); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, id := range order {
		if err := l.Activate(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) failLoaded(ctx context.Context, id string, cause error) error {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	rm, ok := l.registry.TryGetModule(id)
	if !ok || rm.State() != StateLoaded {
		return nil
	}
	return l.fail(rm, "activate", cause)
}

// Shutdown unloads every module, active ones in reverse activation order.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.activation))
	for i := len(l.activation) - 1; i >= 0; i-- {
		ids = append(ids, l.activation[i])
	}
	l.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	rest := l.registry.RuntimeModules()
	for i := len(rest) - 1; i >= 0; i-- {
		if id := rest[i].ID(); !seen[id] {
			ids = append(ids, id)
		}
	}

	var errs []error
	for _, id := range ids {
		if err := l.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to unload %d modules: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Disable persists enabled=false and unloads the module if loaded.
func (l *Loader) Disable(ctx context.Context, id string) error {
	if l.records == nil {
		return ErrNoRecords
	}
	if err := l.records.UpdateModuleEnabledState(ctx, id, false); err != nil {
		return fmt.Errorf("disable %s: %w", id, err)
	}
	if err := l.Unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
		return err
	}
	return nil
}

// Enable persists enabled=true. The module loads on the next scan.
func (l *Loader) Enable(ctx context.Context, id string) error {
	if l.records == nil {
		return ErrNoRecords
	}
	if err := l.records.UpdateModuleEnabledState(ctx, id, true); err != nil {
		return fmt.Errorf("enable %s: %w", id, err)
	}
	return nil
}

// Uninstall unloads the module, deletes its directory and removes its
// installed record. For modules not loaded the record's path is used.
func (l *Loader) Uninstall(ctx context.Context, id string) error {
	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := l.registry.TryGetModuleHandle(id); ok {
		_, unlockDeps, err := l.unloadDependents(ctx, id)
		defer unlockDeps()
		if err != nil {
			return err
		}
		if err := l.unload(ctx, id, unloadOptions{deleteFiles: true}); err != nil {
			return err
		}
	} else {
		if l.records == nil {
			return fmt.Errorf("module %q: %w", id, ErrNotLoaded)
		}
		rec, err := l.records.GetInstalledModule(ctx, id)
		if err != nil {
			return fmt.Errorf("uninstall %s: %w", id, err)
		}
		if rec.Path != "" {
			l.deleteDir(ctx, rec.Path, id)
		}
	}

	if l.records != nil {
		if err := l.records.DeleteInstalledModule(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}
	l.mu.Lock()
	delete(l.failures, id)
	l.mu.Unlock()
	return nil
}

// Failures returns modules that failed to load or activate and have not
// loaded successfully since, ordered by id then path.
func (l *Loader) Failures() []*LoadError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*LoadError, 0, len(l.failures))
	for _, f := range l.failures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// fail moves rm to Failed and reports it.
func (l *Loader) fail(rm *RuntimeModule, op string, err error) *LoadError {
	lerr := &LoadError{ID: rm.ID(), Path: rm.Root, Op: op, Err: err}
	if terr := rm.transition(StateFailed, lerr); terr != nil {
		l.logger.Debug("failed transition", "module", rm.ID(), "error", terr)
	}
	l.recordFailure(lerr)
	l.logger.Error("module failed", "module", rm.ID(), "op", op, "error", err)
	l.events.emit(Event{Type: EventFailed, ModuleID: rm.ID(), Path: rm.Root, Err: lerr})
	return lerr
}

func (l *Loader) recordFailure(lerr *LoadError) {
	key := lerr.ID
	if key == "" {
		key = lerr.Path
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key] = lerr
}

func (l *Loader) clearFailure(id, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, id)
	delete(l.failures, path)
}

func (l *Loader) removeActivation(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, n := range l.activation {
		if n == id {
			l.activation = append(l.activation[:i], l.activation[i+1:]...)
			return
		}
	}
}

// safely runs module code, turning panics into errors.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panicked: %v", r)
		}
	}()
	return fn()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
