package manifest

import (
	"strings"

	plua "github.com/dshills/modhost/internal/module/lua"
)

// CurrentVersion is the manifest format version this host understands.
const CurrentVersion = 1

// Manifest is a parsed module declaration. It is never mutated after Parse.
type Manifest struct {
	ManifestVersion int `json:"manifestVersion" yaml:"manifestVersion"`

	// Identity
	ID          string `json:"id" yaml:"id"`
	Version     string `json:"version" yaml:"version"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	Description string `json:"description" yaml:"description"`
	Author      string `json:"author" yaml:"author"`

	// Compatibility
	SupportedHosts []string `json:"supportedHosts" yaml:"supportedHosts"` // "Name" or "Name@constraint"

	// Code
	CoreCodeUnits []string `json:"coreCodeUnits" yaml:"coreCodeUnits"` // Relative .lua paths, run in order
	EntryTypes    []string `json:"entryTypes" yaml:"entryTypes"`
	DependsOn     []string `json:"dependsOn" yaml:"dependsOn"`

	Capabilities []plua.Capability `json:"capabilities" yaml:"capabilities"`

	Menus []Menu `json:"menus" yaml:"menus"`

	Signature string `json:"signature,omitempty" yaml:"signature"`

	raw  []byte
	path string
}

// Menu is a menu or route declaration contributed by a module.
type Menu struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Route string `json:"route" yaml:"route"`
	Group string `json:"group" yaml:"group"`
}

// Path returns the manifest file path, empty for manifests parsed from memory.
func (m *Manifest) Path() string {
	return m.path
}

// Raw returns the JSON form of the manifest as read.
func (m *Manifest) Raw() []byte {
	return m.raw
}

// IsSigned reports whether the manifest carries a signature.
func (m *Manifest) IsSigned() bool {
	return m.Signature != ""
}

// SupportsHostName reports whether name appears in SupportedHosts,
// ignoring any version constraint.
func (m *Manifest) SupportsHostName(name string) bool {
	for _, h := range m.SupportedHosts {
		n, _ := SplitHost(h)
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// SplitHost splits a supportedHosts entry into host name and constraint.
func SplitHost(entry string) (name, constraint string) {
	name, constraint, _ = strings.Cut(entry, "@")
	return strings.TrimSpace(name), strings.TrimSpace(constraint)
}
