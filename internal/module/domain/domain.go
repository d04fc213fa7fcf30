package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	plua "github.com/dshills/modhost/internal/module/lua"
	"github.com/dshills/modhost/internal/module/shared"
)

var (
	// ErrReleased is returned when using a domain after Release.
	ErrReleased = errors.New("domain released")

	// ErrCodeUnitNotFound is returned when a core code unit file is missing.
	ErrCodeUnitNotFound = errors.New("code unit not found")

	// ErrOutsideRoot is returned for code-unit paths that escape the module root.
	ErrOutsideRoot = errors.New("code unit path escapes module root")

	// ErrDuplicateType is returned when a type name is defined twice.
	ErrDuplicateType = errors.New("type already defined")
)

// Options configures a new domain.
type Options struct {
	ModuleID         string
	Root             string
	Shared           *shared.Registry
	Capabilities     []plua.Capability
	ExecutionTimeout time.Duration
	Logger           *slog.Logger
}

// LoadedUnit records one code unit the domain resolved.
type LoadedUnit struct {
	Name   string
	Path   string // Empty for shared units
	Shared bool
}

// Domain is one module's isolated loading domain.
type Domain struct {
	moduleID string
	name     string
	root     string
	shared   *shared.Registry
	logger   *slog.Logger
	tracker  *Tracker

	mu       sync.Mutex
	state    *plua.State
	released bool

	unitsMu sync.Mutex
	units   []LoadedUnit

	typesMu   sync.Mutex
	types     map[string]*lua.LTable
	typeOrder []string
}

// New creates a domain with a fresh Lua state.
func New(opts Options) (*Domain, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve module root: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Domain{
		moduleID: opts.ModuleID,
		name:     opts.ModuleID + "-" + uuid.NewString(),
		root:     root,
		shared:   opts.Shared,
		types:    make(map[string]*lua.LTable),
	}
	d.logger = logger.With("domain", d.name)

	stateOpts := []plua.StateOption{
		plua.WithResolver(plua.ResolverFunc(d.resolve)),
		plua.WithCapabilities(opts.Capabilities...),
	}
	if opts.ExecutionTimeout != 0 {
		stateOpts = append(stateOpts, plua.WithExecutionTimeout(opts.ExecutionTimeout))
	}

	state, err := plua.NewState(stateOpts...)
	if err != nil {
		return nil, fmt.Errorf("create lua state: %w", err)
	}
	d.state = state
	d.tracker = newTracker(d.name, state)
	return d, nil
}

// Name returns the unique domain name.
func (d *Domain) Name() string { return d.name }

// ModuleID returns the owning module id.
func (d *Domain) ModuleID() string { return d.moduleID }

// Root returns the absolute module root.
func (d *Domain) Root() string { return d.root }

// Logger returns the domain logger.
func (d *Domain) Logger() *slog.Logger { return d.logger }

// Tracker returns the release tracker.
func (d *Domain) Tracker() *Tracker { return d.tracker }

// State returns the Lua state, or ErrReleased.
func (d *Domain) State() (*plua.State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrReleased
	}
	return d.state, nil
}

// Exec runs fn inside the domain's state.
func (d *Domain) Exec(ctx context.Context, fn func(L *lua.LState) error) error {
	state, err := d.State()
	if err != nil {
		return err
	}
	return state.Exec(ctx, fn)
}

// LoadUnit executes a core code unit given relative to the module root.
func (d *Domain) LoadUnit(ctx context.Context, rel string) error {
	path, err := d.confine(rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCodeUnitNotFound, rel)
		}
		return fmt.Errorf("stat code unit %s: %w", rel, err)
	}

	state, err := d.State()
	if err != nil {
		return err
	}
	if err := state.DoFile(ctx, path); err != nil {
		return fmt.Errorf("load code unit %s: %w", rel, err)
	}
	d.record(LoadedUnit{Name: rel, Path: path})
	d.logger.Debug("code unit loaded", "unit", rel)
	return nil
}

// resolve is the require policy: shared registry first, then a private
// file under the module root. A nil value means the name is unknown.
func (d *Domain) resolve(L *lua.LState, name string) (lua.LValue, error) {
	id := shared.ParseIdentity(name)

	if d.shared.IsShared(id) {
		unit, err := d.shared.Lookup(id)
		if err != nil {
			return nil, err
		}
		var v lua.LValue
		if unit.Export != nil {
			v = unit.Export(L, d)
		} else {
			v = plua.NewBridge(L).ToLuaValue(unit.Instance)
		}
		d.record(LoadedUnit{Name: id.Name, Shared: true})
		return v, nil
	}

	path, ok, err := d.privatePath(id.Name)
	if err != nil || !ok {
		return nil, err
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	results, err := plua.CallStack(L, fn, lua.LString(id.Name))
	if err != nil {
		return nil, err
	}
	d.record(LoadedUnit{Name: id.Name, Path: path})

	if len(results) == 0 || results[0] == lua.LNil {
		return lua.LTrue, nil
	}
	return results[0], nil
}

// privatePath maps a dotted name to <root>/a/b.lua or <root>/a/b/init.lua.
func (d *Domain) privatePath(name string) (string, bool, error) {
	rel := strings.ReplaceAll(name, ".", string(filepath.Separator))
	for _, candidate := range []string{rel + ".lua", filepath.Join(rel, "init.lua")} {
		path, err := d.confine(candidate)
		if err != nil {
			return "", false, err
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true, nil
		}
	}
	return "", false, nil
}

// confine joins rel to the root and rejects results outside it.
func (d *Domain) confine(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	path := filepath.Join(d.root, rel)
	r, err := filepath.Rel(d.root, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return path, nil
}

func (d *Domain) record(u LoadedUnit) {
	d.unitsMu.Lock()
	defer d.unitsMu.Unlock()
	d.units = append(d.units, u)
}

// LoadedUnits returns the code units resolved so far, in load order.
func (d *Domain) LoadedUnits() []LoadedUnit {
	d.unitsMu.Lock()
	defer d.unitsMu.Unlock()
	out := make([]LoadedUnit, len(d.units))
	copy(out, d.units)
	return out
}

// DefineType registers an entry type definition. Called from code units
// through the host SDK.
func (d *Domain) DefineType(name string, def *lua.LTable) error {
	if name == "" {
		return errors.New("type name is required")
	}
	d.typesMu.Lock()
	defer d.typesMu.Unlock()
	if d.types == nil {
		return ErrReleased
	}
	if _, ok := d.types[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	d.types[name] = def
	d.typeOrder = append(d.typeOrder, name)
	return nil
}

// Type returns the definition registered under name.
func (d *Domain) Type(name string) (*lua.LTable, bool) {
	d.typesMu.Lock()
	defer d.typesMu.Unlock()
	def, ok := d.types[name]
	return def, ok
}

// Types returns defined type names in definition order.
func (d *Domain) Types() []string {
	d.typesMu.Lock()
	defer d.typesMu.Unlock()
	out := make([]string, len(d.typeOrder))
	copy(out, d.typeOrder)
	return out
}

// Release closes the Lua state and drops every reference the domain holds
// to it. Collection happens later; see Tracker.
func (d *Domain) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	state := d.state
	d.state = nil
	d.released = true
	d.mu.Unlock()

	d.typesMu.Lock()
	d.types = nil
	d.typeOrder = nil
	d.typesMu.Unlock()

	if state != nil {
		state.Close()
	}
	d.logger.Debug("domain release requested")
}

// Released reports whether Release has been called.
func (d *Domain) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}
