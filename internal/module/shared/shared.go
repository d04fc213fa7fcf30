// Package shared holds the host-wide set of code units that must resolve to
// the same instance in every module domain.
//
// The registry is built once at host startup and never changes afterwards,
// so lookups need no locking.
package shared

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrNotShared is returned by Lookup for identities the registry does not share.
	ErrNotShared = errors.New("code unit is not shared")

	// ErrUnresolvable is returned for allow-listed units the host never provided.
	ErrUnresolvable = errors.New("shared code unit has no host instance")

	// ErrDuplicateUnit is returned when two units share a name.
	ErrDuplicateUnit = errors.New("duplicate shared code unit")
)

// Identity names a code unit. Version is optional on requests.
type Identity struct {
	Name    string
	Version string
}

// ParseIdentity parses "name" or "name@version".
func ParseIdentity(s string) Identity {
	name, version, _ := strings.Cut(s, "@")
	return Identity{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
}

func (id Identity) String() string {
	if id.Version == "" {
		return id.Name
	}
	return id.Name + "@" + id.Version
}

// Scope is what a domain tells a shared unit about itself when the unit is
// exported into it.
type Scope interface {
	ModuleID() string
	Logger() *slog.Logger
	DefineType(name string, def *lua.LTable) error
}

// ExportFunc builds a Lua view over a unit's instance for one domain.
type ExportFunc func(L *lua.LState, scope Scope) lua.LValue

// Unit is a host-provided code unit. Instance is the single Go value every
// domain's view refers to.
type Unit struct {
	Identity Identity
	Instance any
	Export   ExportFunc
}

type entry struct {
	name       string
	constraint *semver.Constraints
	unit       *Unit
}

// Builder collects host units and allow-list entries.
type Builder struct {
	entries map[string]*entry
	errs    []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]*entry)}
}

// AddHostUnit registers a unit the host has loaded. Requests for a different
// major version than the unit's own are not shared.
func (b *Builder) AddHostUnit(u Unit) *Builder {
	name := u.Identity.Name
	if name == "" {
		b.errs = append(b.errs, errors.New("shared unit has no name"))
		return b
	}
	if e, ok := b.entries[name]; ok && e.unit != nil {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateUnit, name))
		return b
	}

	e := b.entry(name)
	unit := u
	e.unit = &unit
	if u.Identity.Version != "" && e.constraint == nil {
		c, err := semver.NewConstraint("^" + u.Identity.Version)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("shared unit %s: %w", u.Identity, err))
			return b
		}
		e.constraint = c
	}
	return b
}

// Allow marks a name as shared. A non-empty constraint limits which
// requested versions are shared and overrides the unit's default policy.
func (b *Builder) Allow(name, constraint string) *Builder {
	e := b.entry(name)
	if constraint == "" {
		return b
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("allow %s: %w", name, err))
		return b
	}
	e.constraint = c
	return b
}

// AllowSpec parses "name" or "name@constraint" allow-list entries.
func (b *Builder) AllowSpec(specs ...string) *Builder {
	for _, s := range specs {
		id := ParseIdentity(s)
		b.Allow(id.Name, id.Version)
	}
	return b
}

func (b *Builder) entry(name string) *entry {
	e, ok := b.entries[name]
	if !ok {
		e = &entry{name: name}
		b.entries[name] = e
	}
	return e
}

// Build returns the immutable registry or the first configuration errors.
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	entries := make(map[string]*entry, len(b.entries))
	for name, e := range b.entries {
		cp := *e
		entries[name] = &cp
	}
	return &Registry{entries: entries}, nil
}

// Registry answers whether a code unit is shared and resolves shared units.
type Registry struct {
	entries map[string]*entry
}

// IsShared reports whether id resolves to the host's instance.
func (r *Registry) IsShared(id Identity) bool {
	if r == nil {
		return false
	}
	e, ok := r.entries[id.Name]
	if !ok {
		return false
	}
	if id.Version == "" || e.constraint == nil {
		return true
	}
	v, err := semver.NewVersion(id.Version)
	if err != nil {
		return false
	}
	return e.constraint.Check(v)
}

// Lookup returns the host unit for a shared identity.
func (r *Registry) Lookup(id Identity) (*Unit, error) {
	if !r.IsShared(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotShared, id)
	}
	e := r.entries[id.Name]
	if e.unit == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvable, id)
	}
	return e.unit, nil
}

// Names returns every shared name, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of shared names.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}
