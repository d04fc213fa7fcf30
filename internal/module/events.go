package module

import (
	"log/slog"
	"sync"
)

// EventType is the type of lifecycle event.
type EventType int

const (
	// EventLoaded is emitted when a module reaches Loaded.
	EventLoaded EventType = iota
	// EventActivated is emitted when a module reaches Active.
	EventActivated
	// EventUnloaded is emitted when a module is unloaded.
	EventUnloaded
	// EventReloaded is emitted after a successful reload.
	EventReloaded
	// EventFailed is emitted when a module transitions to Failed.
	EventFailed
	// EventRejected is emitted when a manifest fails validation.
	EventRejected
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventActivated:
		return "activated"
	case EventUnloaded:
		return "unloaded"
	case EventReloaded:
		return "reloaded"
	case EventFailed:
		return "failed"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification.
type Event struct {
	Type     EventType
	ModuleID string // Empty for rejections of unreadable manifests
	Path     string
	Err      error
}

// EventHandler handles lifecycle events.
// Handlers must be non-blocking and should not call back into the Loader
// for the same module. Panics in handlers are recovered.
type EventHandler func(Event)

type eventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
	logger   *slog.Logger
}

func (b *eventBus) subscribe(h EventHandler) func() {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	index := len(b.handlers) - 1
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(b.handlers) {
			b.handlers[index] = nil
		}
	}
}

// emit calls every handler outside the lock.
func (b *eventBus) emit(ev Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil && b.logger != nil {
					b.logger.Error("event handler panicked", "event", ev.Type, "module", ev.ModuleID, "panic", r)
				}
			}()
			h(ev)
		}()
	}
}
