package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testManifest = `{"manifestVersion":1,"id":"m","version":"1.0.0","supportedHosts":["h"],"coreCodeUnits":["init.lua"]}`

func writeModule(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "module.json"), []byte(testManifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanner_Scan(t *testing.T) {
	user := t.TempDir()
	system := t.TempDir()

	writeModule(t, filepath.Join(user, "beta"))
	writeModule(t, filepath.Join(user, "alpha"))
	writeModule(t, filepath.Join(system, "alpha")) // shadowed by user root
	writeModule(t, filepath.Join(system, "core"))
	if err := os.MkdirAll(filepath.Join(user, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(user, "stray.lua"), []byte("--"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewScanner([]Root{
		{Path: user},
		{Path: system, IsSystem: true},
		{Path: filepath.Join(user, "missing")},
	}, nil)

	got, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Scan returned %d candidates, want 3: %+v", len(got), got)
	}

	byName := make(map[string]Candidate)
	for _, c := range got {
		byName[c.Name()] = c
	}
	if c := byName["alpha"]; c.IsSystem || c.Path != filepath.Join(user, "alpha") {
		t.Errorf("alpha = %+v, want user copy", c)
	}
	if c := byName["core"]; !c.IsSystem {
		t.Errorf("core = %+v, want system", c)
	}
	if _, ok := byName["empty"]; ok {
		t.Error("directory without manifest should be skipped")
	}

	for i := 1; i < len(got); i++ {
		if got[i-1].Path > got[i].Path {
			t.Errorf("candidates not sorted: %v", got)
		}
	}
}

func TestScanner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewScanner([]Root{{Path: t.TempDir()}}, nil).Scan(ctx); err == nil {
		t.Error("Scan with cancelled context should fail")
	}
}

func TestChangeOp_String(t *testing.T) {
	tests := []struct {
		op   ChangeOp
		want string
	}{
		{ChangeAdded, "added"},
		{ChangeModified, "modified"},
		{ChangeRemoved, "removed"},
		{ChangeOp(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("ChangeOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func waitChange(t *testing.T, w *Watcher, want ChangeOp) Change {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-w.Changes():
			if c.Op == want {
				return c
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s change", want)
			return Change{}
		}
	}
}

func TestWatcher_ReportsChanges(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	writeModule(t, existing)

	w, err := NewWatcher([]Root{{Path: root, IsSystem: true}}, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher error = %v", err)
	}
	defer w.Close()

	// Modify a known module
	if err := os.WriteFile(filepath.Join(existing, "init.lua"), []byte("return 1"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := waitChange(t, w, ChangeModified)
	if c.Candidate.Path != existing || !c.Candidate.IsSystem {
		t.Errorf("modified change = %+v", c)
	}

	// Add a new module
	added := filepath.Join(root, "added")
	writeModule(t, added)
	c = waitChange(t, w, ChangeAdded)
	if c.Candidate.Path != added {
		t.Errorf("added change = %+v", c)
	}

	// Remove it
	if err := os.RemoveAll(existing); err != nil {
		t.Fatal(err)
	}
	c = waitChange(t, w, ChangeRemoved)
	if c.Candidate.Path != existing {
		t.Errorf("removed change = %+v", c)
	}
}

func TestWatcher_CloseIdempotent(t *testing.T) {
	w, err := NewWatcher([]Root{{Path: t.TempDir()}, {Path: "/nonexistent/modhost"}})
	if err != nil {
		t.Fatalf("NewWatcher error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close error = %v", err)
	}
	if _, ok := <-w.Changes(); ok {
		t.Error("Changes should be closed after Close")
	}
}
