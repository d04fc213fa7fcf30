package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/modhost/internal/config"
	"github.com/dshills/modhost/internal/discovery"
	"github.com/dshills/modhost/internal/module"
	"github.com/dshills/modhost/internal/module/api"
	"github.com/dshills/modhost/internal/module/cleanup"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
	"github.com/dshills/modhost/internal/module/shared"
	"github.com/dshills/modhost/internal/store"
	"github.com/dshills/modhost/internal/store/memory"
	"github.com/dshills/modhost/internal/store/sqlite"
)

var _ module.Cleaner = (*cleanup.Service)(nil)

// shutdownTimeout bounds the cleanup of a half-finished Start.
const shutdownTimeout = 5 * time.Second

// Option configures a Host.
type Option func(*Host)

// WithFactories registers host-implemented entry types.
func WithFactories(f *module.Factories) Option {
	return func(h *Host) { h.factories = f }
}

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// WithHostServices adds services every module can resolve through the host
// provider, after the built-in host.* entries.
func WithHostServices(configure func(*services.Collection)) Option {
	return func(h *Host) { h.configure = configure }
}

// WithStore uses s instead of opening the configured store. The host does not
// close a store it did not open.
func WithStore(s store.Store) Option {
	return func(h *Host) { h.store = s; h.ownsStore = false }
}

// Host owns every component of a running module host.
type Host struct {
	cfg       *config.Config
	logger    *slog.Logger
	factories *module.Factories
	configure func(*services.Collection)

	store     store.Store
	ownsStore bool
	notifier  *api.Notifier
	shared    *shared.Registry
	loader    *module.Loader
	lazy      *module.LazyLoader
	cleaner   *cleanup.Service
	watcher   *discovery.Watcher
	roots     []discovery.Root

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a host for cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Host {
	h := &Host{cfg: cfg, ownsStore: true}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.factories == nil {
		h.factories = module.NewFactories()
	}
	return h
}

// Start brings the host up: store, shared units, loader, then discovery.
// On failure every component already started is torn down again.
func (h *Host) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := h.cfg.Validate(); err != nil {
		h.running.Store(false)
		return &InitError{Component: "config", Err: err}
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", h.initStore},
		{"shared", h.initShared},
		{"loader", h.initLoader},
		{"modules", h.initModules},
		{"background", h.initBackground},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			h.cleanupInit()
			h.running.Store(false)
			var ie *InitError
			if errors.As(err, &ie) {
				return err
			}
			return &InitError{Component: step.name, Err: err}
		}
	}

	h.logger.Info("host started",
		"host", h.cfg.Host.Name,
		"version", h.cfg.Host.Version,
		"modules", h.loader.Registry().Len(),
		"lazy", h.cfg.Modules.Lazy)
	return nil
}

func (h *Host) initStore(ctx context.Context) error {
	if h.store != nil {
		return nil
	}
	if h.cfg.Store.Path == "" {
		h.store = memory.New()
		return nil
	}
	s, err := sqlite.Open(ctx, h.cfg.Store.Path)
	if err != nil {
		return err
	}
	h.store = s
	return nil
}

func (h *Host) initShared(context.Context) error {
	h.notifier = api.NewNotifier(0)
	units, err := api.DefaultRegistry(&api.Context{
		HostName:    h.cfg.Host.Name,
		HostVersion: h.cfg.Host.Version,
		Notifier:    h.notifier,
	})
	if err != nil {
		return err
	}
	reg, err := units.AddTo(shared.NewBuilder()).AllowSpec(h.cfg.Modules.Shared...).Build()
	if err != nil {
		return err
	}
	h.shared = reg
	return nil
}

func (h *Host) initLoader(context.Context) error {
	version, err := h.cfg.HostVersion()
	if err != nil {
		return err
	}
	policy, err := h.cfg.Policy()
	if err != nil {
		return err
	}

	vopts := []manifest.ValidatorOption{
		manifest.WithPolicy(policy),
		manifest.WithLogger(h.logger),
	}
	if len(h.cfg.Signature.PublicKeys) > 0 {
		verifier, err := manifest.NewEd25519Verifier(h.cfg.Signature.PublicKeys...)
		if err != nil {
			return err
		}
		vopts = append(vopts, manifest.WithVerifier(verifier))
	}
	validator := manifest.NewValidator(manifest.HostInfo{Name: h.cfg.Host.Name, Version: version}, vopts...)

	h.cleaner = cleanup.New(h.store,
		cleanup.WithRecords(h.store),
		cleanup.WithRetry(cleanup.RetryConfig{
			MaxRetries:   h.cfg.Cleanup.MaxRetries,
			InitialDelay: h.cfg.Cleanup.InitialDelay.Std(),
			MaxDelay:     h.cfg.Cleanup.MaxDelay.Std(),
			Multiplier:   cleanup.DefaultRetryConfig().Multiplier,
		}),
		cleanup.WithLogger(h.logger),
	)

	hostServices := services.NewCollection().
		AddInstance("host.notifier", h.notifier).
		AddInstance("host.name", h.cfg.Host.Name).
		AddInstance("host.version", h.cfg.Host.Version)
	if h.configure != nil {
		h.configure(hostServices)
	}

	h.loader = module.NewLoader(validator,
		module.WithSharedRegistry(h.shared),
		module.WithHostServices(services.NewContainer(hostServices)),
		module.WithFactories(h.factories),
		module.WithRecords(h.store),
		module.WithCleaner(h.cleaner),
		module.WithLogger(h.logger),
		module.WithExecutionTimeout(h.cfg.Lua.ExecutionTimeout.Std()),
		module.WithParallelism(h.cfg.Modules.Parallelism),
	)
	h.lazy = module.NewLazyLoader(h.loader)
	return nil
}

func (h *Host) initModules(ctx context.Context) error {
	for _, p := range h.cfg.Modules.SystemRoots {
		h.roots = append(h.roots, discovery.Root{Path: p, IsSystem: true})
	}
	for _, p := range h.cfg.Modules.Roots {
		h.roots = append(h.roots, discovery.Root{Path: p})
	}

	candidates, err := discovery.NewScanner(h.roots, h.logger).Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		h.logger.Warn("module scan incomplete", "error", err)
	}

	if h.cfg.Modules.Lazy {
		for _, c := range candidates {
			h.register(c)
		}
		return nil
	}

	report, err := h.loader.LoadAll(ctx, candidates)
	if err != nil {
		return err
	}
	for _, f := range report.Failed {
		h.logger.Error("module failed to load", "module", f.ID, "path", f.Path, "error", f.Err)
	}
	for _, p := range report.Rejected {
		h.logger.Warn("module rejected", "path", p)
	}
	if err := h.loader.ActivateAll(ctx); err != nil {
		h.logger.Error("module activation incomplete", "error", err)
	}
	return nil
}

// register records a lazy candidate under its manifest id.
func (h *Host) register(c discovery.Candidate) {
	m, err := manifest.ReadDir(c.Path)
	if err != nil {
		h.logger.Warn("skip module with unreadable manifest", "path", c.Path, "error", err)
		return
	}
	h.lazy.Register(m.ID, c)
}

func (h *Host) initBackground(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.cleaner.Run(bg, h.cfg.Cleanup.Interval.Std())
	}()

	if !h.cfg.Modules.Watch {
		return nil
	}
	w, err := discovery.NewWatcher(h.roots,
		discovery.WithDebounce(h.cfg.Modules.Debounce.Std()),
		discovery.WithWatcherLogger(h.logger))
	if err != nil {
		cancel()
		h.wg.Wait()
		return err
	}
	h.watcher = w

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.watch(bg, w)
	}()
	return nil
}

// watch applies directory changes until ctx ends or the watcher closes.
func (h *Host) watch(ctx context.Context, w *discovery.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			h.logger.Warn("module watcher error", "error", err)
		case change, ok := <-w.Changes():
			if !ok {
				return
			}
			if err := h.apply(ctx, change); err != nil {
				h.logger.Error("apply module change", "path", change.Candidate.Path, "op", change.Op, "error", err)
			}
		}
	}
}

// apply reacts to one debounced change.
func (h *Host) apply(ctx context.Context, change discovery.Change) error {
	loaded := h.lookupByPath(change.Candidate.Path)

	switch change.Op {
	case discovery.ChangeRemoved:
		if loaded == nil {
			return nil
		}
		h.lazy.Forget(loaded.ID())
		if err := h.loader.Unload(ctx, loaded.ID()); err != nil {
			return NewOperationError("unload", loaded.ID(), err)
		}
		return nil

	case discovery.ChangeModified:
		if loaded != nil {
			if _, err := h.loader.Reload(ctx, loaded.ID()); err != nil {
				return NewOperationError("reload", loaded.ID(), err)
			}
			// Dependents come back Loaded along with it.
			if err := h.loader.ActivateAll(ctx); err != nil {
				return NewOperationError("activate", loaded.ID(), err)
			}
			return nil
		}
		fallthrough

	case discovery.ChangeAdded:
		if loaded != nil {
			return nil
		}
		if h.cfg.Modules.Lazy {
			h.register(change.Candidate)
			return nil
		}
		handle, err := h.loader.Load(ctx, change.Candidate.Path, change.Candidate.IsSystem)
		if err != nil {
			return NewOperationError("load", change.Candidate.Path, err)
		}
		if handle == nil {
			// Rejected; the loader has already logged why.
			return nil
		}
		id := handle.Module().ID()
		if err := h.loader.Activate(ctx, id); err != nil {
			return NewOperationError("activate", id, err)
		}
	}
	return nil
}

// lookupByPath finds a loaded module by its directory.
func (h *Host) lookupByPath(path string) *module.RuntimeModule {
	want := filepath.Clean(path)
	for _, rm := range h.loader.Registry().RuntimeModules() {
		if filepath.Clean(rm.Root) == want {
			return rm
		}
	}
	return nil
}

// Module returns the active handle for id. With lazy loading the module is
// loaded and activated on first use.
func (h *Host) Module(ctx context.Context, id string) (*module.RuntimeModuleHandle, error) {
	if !h.running.Load() {
		return nil, ErrNotRunning
	}
	if h.cfg.Modules.Lazy {
		return h.lazy.Get(ctx, id)
	}
	handle, ok := h.loader.Registry().TryGetModuleHandle(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	return handle, nil
}

// Shutdown stops background work, unloads every module and closes the store.
func (h *Host) Shutdown(ctx context.Context) error {
	if !h.running.CompareAndSwap(true, false) {
		return ErrNotRunning
	}
	err := h.teardown(ctx)
	h.logger.Info("host stopped")
	return err
}

// cleanupInit undoes a partial Start.
func (h *Host) cleanupInit() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.teardown(ctx); err != nil {
		h.logger.Warn("cleanup after failed start", "error", err)
	}
}

func (h *Host) teardown(ctx context.Context) error {
	var errs []error
	if h.cancel != nil {
		h.cancel()
	}
	if h.watcher != nil {
		if err := h.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.wg.Wait()

	if h.loader != nil {
		if err := h.loader.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.store != nil && h.ownsStore {
		if err := h.store.Close(); err != nil {
			errs = append(errs, err)
		}
		h.store = nil
	}

	h.cancel = nil
	h.watcher = nil
	h.roots = nil
	return errors.Join(errs...)
}

// Running reports whether Start has completed and Shutdown has not.
func (h *Host) Running() bool { return h.running.Load() }

// Loader returns the module loader.
func (h *Host) Loader() *module.Loader { return h.loader }

// Lazy returns the lazy loader.
func (h *Host) Lazy() *module.LazyLoader { return h.lazy }

// Cleanup returns the pending-deletion service.
func (h *Host) Cleanup() *cleanup.Service { return h.cleaner }

// Store returns the record store.
func (h *Host) Store() store.Store { return h.store }

// Notifier returns the notification hub modules publish to.
func (h *Host) Notifier() *api.Notifier { return h.notifier }
