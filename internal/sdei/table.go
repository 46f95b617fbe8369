package sdei

import (
	"fmt"
	"strings"

	"github.com/tinyrange/sdei/internal/iclass"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/sync"
)

// MapFlags are the static properties of an event map.
type MapFlags uint8

const (
	// MapPrivate events have one instance per core.
	MapPrivate MapFlags = 1 << iota
	// MapDynamic events are bound to an interrupt at runtime.
	MapDynamic
	// MapSignalable events can be raised by EVENT_SIGNAL.
	MapSignalable
	// MapCritical events use the critical priority class.
	MapCritical
)

func (f MapFlags) Private() bool    { return f&MapPrivate != 0 }
func (f MapFlags) Dynamic() bool    { return f&MapDynamic != 0 }
func (f MapFlags) Signalable() bool { return f&MapSignalable != 0 }
func (f MapFlags) Critical() bool   { return f&MapCritical != 0 }

func (f MapFlags) String() string {
	var parts []string
	if f.Private() {
		parts = append(parts, "private")
	} else {
		parts = append(parts, "shared")
	}
	if f.Dynamic() {
		parts = append(parts, "dynamic")
	}
	if f.Signalable() {
		parts = append(parts, "signalable")
	}
	if f.Critical() {
		parts = append(parts, "critical")
	}
	return strings.Join(parts, "|")
}

// EventMap binds an event number to an interrupt.
type EventMap struct {
	event int32
	flags MapFlags
	index int

	// For dynamic maps these change only under the table lock. They are
	// atomic so lookups on the dispatch path need no lock.
	intr  atomicbitops.Uint32
	bound atomicbitops.Bool
	usage atomicbitops.Int64
}

// Event returns the event number.
func (m *EventMap) Event() int32 { return m.event }

// Flags returns the static flags of the map.
func (m *EventMap) Flags() MapFlags { return m.flags }

// Interrupt returns the bound interrupt, or 0 for an unbound dynamic map.
func (m *EventMap) Interrupt() uint32 { return m.intr.Load() }

// Bound reports whether the map currently has an interrupt.
func (m *EventMap) Bound() bool { return m.bound.Load() }

// Usage returns the number of registrations pinning the map.
func (m *EventMap) Usage() int64 { return m.usage.Load() }

func (m *EventMap) Private() bool    { return m.flags.Private() }
func (m *EventMap) Dynamic() bool    { return m.flags.Dynamic() }
func (m *EventMap) Signalable() bool { return m.flags.Signalable() }
func (m *EventMap) Critical() bool   { return m.flags.Critical() }

func (m *EventMap) class() iclass.Class {
	if m.Critical() {
		return iclass.ClassCriticalSDE
	}
	return iclass.ClassNormalSDE
}

func (m *EventMap) String() string {
	return fmt.Sprintf("event %d (intr %d, %s)", m.event, m.Interrupt(), m.flags)
}

// Table holds the private and shared event maps of a platform. It owns the
// binding state of its dynamic maps and backs a single Service.
type Table struct {
	private []*EventMap
	shared  []*EventMap

	// mu serializes binding, release and pinning of dynamic maps.
	mu sync.Mutex
}

// Private returns the private maps in event order.
func (t *Table) Private() []*EventMap { return t.private }

// Shared returns the shared maps in event order.
func (t *Table) Shared() []*EventMap { return t.shared }

// Find returns the map for event ev.
func (t *Table) Find(ev int32) *EventMap {
	for _, m := range t.private {
		if m.event == ev {
			return m
		}
	}
	for _, m := range t.shared {
		if m.event == ev {
			return m
		}
	}
	return nil
}

// FindByInterrupt returns the map bound to intr in the shared or private
// table. With intr 0 it returns the first free dynamic map instead.
func (t *Table) FindByInterrupt(intr uint32, shared bool) *EventMap {
	maps := t.private
	if shared {
		maps = t.shared
	}
	for _, m := range maps {
		if intr == 0 {
			if m.Dynamic() && !m.Bound() {
				return m
			}
			continue
		}
		if m.Interrupt() == intr {
			return m
		}
	}
	return nil
}

// lockMap takes the table lock for dynamic maps. Static maps never change
// after construction.
func (t *Table) lockMap(m *EventMap) {
	if m.Dynamic() {
		t.mu.Lock()
	}
}

func (t *Table) unlockMap(m *EventMap) {
	if m.Dynamic() {
		t.mu.Unlock()
	}
}

// dynamicSlots returns the number of dynamic maps in each table.
func (t *Table) dynamicSlots() (private, shared int) {
	for _, m := range t.private {
		if m.Dynamic() {
			private++
		}
	}
	for _, m := range t.shared {
		if m.Dynamic() {
			shared++
		}
	}
	return private, shared
}

type mapSpec struct {
	event int32
	intr  uint32
	flags MapFlags
}

// TableBuilder collects event maps and validates them into a Table.
type TableBuilder struct {
	private []mapSpec
	shared  []mapSpec
	events  map[int32]struct{}
}

// NewTableBuilder returns an empty TableBuilder.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{events: make(map[int32]struct{})}
}

// AddPrivate appends a per-core event. Static private events use an SGI or
// PPI. Events must be added in ascending order.
func (b *TableBuilder) AddPrivate(event int32, intr uint32, flags MapFlags) error {
	spec := mapSpec{event: event, intr: intr, flags: flags | MapPrivate}
	if err := b.check(spec, b.private); err != nil {
		return err
	}
	if !flags.Dynamic() && intr >= 32 {
		return fmt.Errorf("private event %d uses shared interrupt %d", event, intr)
	}
	b.private = append(b.private, spec)
	b.events[event] = struct{}{}
	return nil
}

// AddShared appends a system-wide event. Static shared events use an SPI.
// Events must be added in ascending order.
func (b *TableBuilder) AddShared(event int32, intr uint32, flags MapFlags) error {
	if flags.Private() {
		return fmt.Errorf("shared event %d is flagged private", event)
	}
	spec := mapSpec{event: event, intr: intr, flags: flags}
	if err := b.check(spec, b.shared); err != nil {
		return err
	}
	if event == 0 {
		return fmt.Errorf("event 0 must be private")
	}
	if !flags.Dynamic() && intr < 32 {
		return fmt.Errorf("shared event %d uses private interrupt %d", event, intr)
	}
	b.shared = append(b.shared, spec)
	b.events[event] = struct{}{}
	return nil
}

func (b *TableBuilder) check(spec mapSpec, prev []mapSpec) error {
	if b == nil {
		return fmt.Errorf("table builder is nil")
	}
	if spec.event < 0 {
		return fmt.Errorf("event %d is negative", spec.event)
	}
	if _, exists := b.events[spec.event]; exists {
		return fmt.Errorf("event %d already declared", spec.event)
	}
	if n := len(prev); n > 0 && prev[n-1].event > spec.event {
		return fmt.Errorf("event %d declared after event %d", spec.event, prev[n-1].event)
	}
	if spec.flags.Dynamic() {
		if spec.intr != 0 {
			return fmt.Errorf("dynamic event %d declares interrupt %d", spec.event, spec.intr)
		}
		if spec.flags.Critical() {
			return fmt.Errorf("dynamic event %d cannot be critical", spec.event)
		}
	} else if spec.intr == 0 {
		return fmt.Errorf("static event %d has no interrupt", spec.event)
	} else {
		for _, p := range prev {
			if p.intr == spec.intr {
				return fmt.Errorf("events %d and %d share interrupt %d", p.event, spec.event, spec.intr)
			}
		}
	}
	if spec.flags.Signalable() && spec.event != 0 {
		return fmt.Errorf("event %d is signalable; only event 0 may be", spec.event)
	}
	if spec.event == 0 {
		if !spec.flags.Signalable() {
			return fmt.Errorf("event 0 must be signalable")
		}
		if spec.flags.Dynamic() || spec.intr >= 16 {
			return fmt.Errorf("event 0 must be bound to an SGI")
		}
	}
	return nil
}

// Build validates the collected maps and returns the Table. Static maps are
// bound from the start; dynamic maps start unbound.
func (b *TableBuilder) Build() (*Table, error) {
	if b == nil {
		return nil, fmt.Errorf("table builder is nil")
	}
	if len(b.private) == 0 || b.private[0].event != 0 {
		return nil, fmt.Errorf("private table must contain event 0")
	}

	t := &Table{
		private: make([]*EventMap, len(b.private)),
		shared:  make([]*EventMap, len(b.shared)),
	}
	build := func(dst []*EventMap, specs []mapSpec) {
		for i, spec := range specs {
			m := &EventMap{event: spec.event, flags: spec.flags, index: i}
			if !spec.flags.Dynamic() {
				m.intr.Store(spec.intr)
				m.bound.Store(true)
			}
			dst[i] = m
		}
	}
	build(t.private, b.private)
	build(t.shared, b.shared)
	return t, nil
}
