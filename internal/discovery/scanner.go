// Package discovery finds module directories on disk and watches them for
// changes. It is the directory-scanning collaborator of the module loader.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dshills/modhost/internal/module/manifest"
)

// Root is a directory whose subdirectories are modules.
type Root struct {
	Path     string
	IsSystem bool
}

// Candidate is a module directory to hand to the loader.
type Candidate struct {
	Path     string
	IsSystem bool
}

// Name returns the module directory name.
func (c Candidate) Name() string {
	return filepath.Base(c.Path)
}

// Scanner enumerates module directories under a set of roots.
type Scanner struct {
	roots  []Root
	logger *slog.Logger
}

// NewScanner creates a scanner. Earlier roots take precedence when two roots
// contain a directory with the same name.
func NewScanner(roots []Root, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		roots:  append([]Root(nil), roots...),
		logger: logger.With("component", "discovery"),
	}
}

// Roots returns the configured roots.
func (s *Scanner) Roots() []Root {
	return append([]Root(nil), s.roots...)
}

// Scan returns every subdirectory that contains a manifest, sorted by path.
// Missing roots are skipped; other read errors are joined and returned along
// with whatever was found.
func (s *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	seen := make(map[string]bool)
	var candidates []Candidate
	var errs []error

	for _, root := range s.roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		abs, err := filepath.Abs(root.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve root %s: %w", root.Path, err))
			continue
		}

		entries, err := os.ReadDir(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("module root missing", "root", abs)
				continue
			}
			errs = append(errs, fmt.Errorf("read root %s: %w", abs, err))
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() || seen[entry.Name()] {
				continue
			}
			dir := filepath.Join(abs, entry.Name())
			if !manifest.Exists(dir) {
				continue
			}
			seen[entry.Name()] = true
			candidates = append(candidates, Candidate{Path: dir, IsSystem: root.IsSystem})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })
	s.logger.Debug("scan complete", "candidates", len(candidates))
	return candidates, errors.Join(errs...)
}
