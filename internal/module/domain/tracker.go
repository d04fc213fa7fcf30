package domain

import (
	"context"
	"runtime"
	"time"
	"weak"

	plua "github.com/dshills/modhost/internal/module/lua"
)

// pollInterval is how often WaitCollected checks the weak reference.
const pollInterval = 10 * time.Millisecond

// Tracker observes whether a released domain's state has been collected.
type Tracker struct {
	name string
	ref  weak.Pointer[plua.State]
}

func newTracker(name string, state *plua.State) *Tracker {
	return &Tracker{name: name, ref: weak.Make(state)}
}

// Name returns the tracked domain name.
func (t *Tracker) Name() string { return t.name }

// Alive reports whether the state is still reachable.
func (t *Tracker) Alive() bool {
	return t.ref.Value() != nil
}

// WaitCollected forces collection and polls until the state is gone or
// ctx is done.
func (t *Tracker) WaitCollected(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		runtime.GC()
		if !t.Alive() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
