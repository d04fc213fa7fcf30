package api

import (
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/shared"
)

// DefaultHistory is how many notifications a Notifier keeps.
const DefaultHistory = 100

// Notification is one message posted to the host.
type Notification struct {
	ModuleID string
	Topic    string
	Message  string
	At       time.Time
}

// Notifier is the host notification service. One instance serves the host
// and every module.
type Notifier struct {
	mu          sync.Mutex
	history     []Notification
	limit       int
	subscribers map[int]func(Notification)
	nextID      int
}

// NewNotifier creates a notifier keeping the last limit notifications.
func NewNotifier(limit int) *Notifier {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Notifier{limit: limit, subscribers: make(map[int]func(Notification))}
}

// Notify records a notification and delivers it to subscribers.
// Subscriber panics are recovered.
func (n *Notifier) Notify(moduleID, topic, message string) {
	note := Notification{ModuleID: moduleID, Topic: topic, Message: message, At: time.Now()}

	n.mu.Lock()
	n.history = append(n.history, note)
	if len(n.history) > n.limit {
		n.history = n.history[len(n.history)-n.limit:]
	}
	subs := make([]func(Notification), 0, len(n.subscribers))
	for _, fn := range n.subscribers {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() { _ = recover() }()
			fn(note)
		}()
	}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Notification)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subscribers[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subscribers, id)
	}
}

// History returns retained notifications, oldest first.
func (n *Notifier) History() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.history))
	copy(out, n.history)
	return out
}

// ExportLua lets a notifier resolved as a service appear in Lua.
func (n *Notifier) ExportLua(L *lua.LState) lua.LValue {
	return n.table(L, "")
}

func (n *Notifier) table(L *lua.LState, moduleID string) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "notify", L.NewFunction(func(L *lua.LState) int {
		// Accept both notify.notify(topic, msg) and notifier:notify(topic, msg)
		base := 1
		if L.Get(1) == mod {
			base = 2
		}
		n.Notify(moduleID, L.CheckString(base), L.OptString(base+1, ""))
		return 0
	}))
	L.SetField(mod, "count", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(len(n.History())))
		return 1
	}))
	return mod
}

// NotifyUnit implements host.notify.
type NotifyUnit struct {
	notifier *Notifier
}

// NewNotifyUnit creates the notify unit over n.
func NewNotifyUnit(n *Notifier) *NotifyUnit {
	return &NotifyUnit{notifier: n}
}

// Name returns the unit name.
func (u *NotifyUnit) Name() string { return "host.notify" }

// Version returns the unit version.
func (u *NotifyUnit) Version() string { return "1.0.0" }

// Notifier returns the shared notifier.
func (u *NotifyUnit) Notifier() *Notifier { return u.notifier }

// Export builds the host.notify table; notifications carry the module id.
func (u *NotifyUnit) Export(L *lua.LState, scope shared.Scope) lua.LValue {
	return u.notifier.table(L, scope.ModuleID())
}
