package sdei

import (
	"strings"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// State is the EVENT_STATUS word of an event.
type State uint32

const (
	StateRegistered State = 1 << iota
	StateEnabled
	StateRunning
)

func (s State) Registered() bool { return s&StateRegistered != 0 }
func (s State) Enabled() bool    { return s&StateEnabled != 0 }
func (s State) Running() bool    { return s&StateRunning != 0 }

func (s State) String() string {
	if s == 0 {
		return "unregistered"
	}
	var parts []string
	if s.Registered() {
		parts = append(parts, "registered")
	}
	if s.Enabled() {
		parts = append(parts, "enabled")
	}
	if s.Running() {
		parts = append(parts, "running")
	}
	return strings.Join(parts, "|")
}

// RegisterFlags select the routing of a shared event.
type RegisterFlags uint64

const (
	// RouteAny lets any participating core take the event.
	RouteAny RegisterFlags = 0
	// RoutePE routes the event to the core named by the affinity.
	RoutePE RegisterFlags = 1
)

func (f RegisterFlags) String() string {
	if f == RoutePE {
		return "pe"
	}
	return "any"
}

// nopLock guards private entries, which only their own core touches.
type nopLock struct{}

func (nopLock) Lock()   {}
func (nopLock) Unlock() {}

// Entry is the registration of one event. Shared events have one Entry;
// private events have one per core.
type Entry struct {
	lock sync.Locker

	// Written only with lock held, read lock-free by EVENT_STATUS.
	state atomicbitops.Uint32

	// +checklocks:lock
	entryPoint uint64
	// +checklocks:lock
	arg uint64
	// +checklocks:lock
	affinity uint64
	// +checklocks:lock
	flags RegisterFlags
}

func newPrivateEntry() Entry { return Entry{lock: nopLock{}} }

func newSharedEntry() Entry { return Entry{lock: &sync.Mutex{}} }

// State returns the current state word.
func (e *Entry) State() State { return State(e.state.Load()) }

// +checklocks:e.lock
func (e *Entry) set(s State) { e.state.Store(e.state.Load() | uint32(s)) }

// +checklocks:e.lock
func (e *Entry) clear(s State) { e.state.Store(e.state.Load() &^ uint32(s)) }

// +checklocks:e.lock
func (e *Entry) fill(ep, arg uint64, flags RegisterFlags, affinity uint64) {
	e.entryPoint = ep
	e.arg = arg
	e.flags = flags
	e.affinity = affinity
}

// +checklocks:e.lock
func (e *Entry) reset() { e.fill(0, 0, 0, 0) }
