package sdei

import (
	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/gic"
)

// InfoField selects the property EVENT_GET_INFO reports.
type InfoField uint64

const (
	InfoType InfoField = iota
	InfoSignalable
	InfoPriority
	InfoRoutingMode
	InfoRoutingAffinity
)

func (s *Service) validRouting(flags RegisterFlags, affinity uint64) bool {
	switch flags {
	case RouteAny:
		return true
	case RoutePE:
		_, ok := s.ctx.CoreFromMPIDR(affinity)
		return ok
	default:
		return false
	}
}

// route programs the controller routing of a shared event.
func (s *Service) route(m *EventMap, flags RegisterFlags, affinity uint64) {
	if flags == RoutePE {
		target, _ := s.ctx.CoreFromMPIDR(affinity)
		s.ctrl.SetRouting(m.Interrupt(), gic.RoutePE, target)
		return
	}
	s.ctrl.SetRouting(m.Interrupt(), gic.RouteAny, 0)
}

// Register installs a handler for event ev. The event starts registered and
// disabled. Shared events are routed according to flags and affinity.
func (s *Service) Register(core int, ev int32, entryPoint, arg uint64, flags RegisterFlags, affinity uint64) Status {
	if entryPoint == 0 || !s.validRouting(flags, affinity) {
		return Invalid
	}
	m := s.table.Find(ev)
	if m == nil {
		return Invalid
	}
	if !m.Bound() {
		return Denied
	}

	// Pin the map so it cannot be released under us.
	s.table.lockMap(m)
	if !m.Bound() {
		s.table.unlockMap(m)
		return Denied
	}
	m.usage.Add(1)
	s.table.unlockMap(m)

	e := s.entry(core, m)
	if st := e.State(); st.Registered() || st.Running() {
		m.usage.Add(-1)
		return Denied
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if st := e.State(); st.Registered() || st.Running() {
		m.usage.Add(-1)
		return Denied
	}

	// The line belongs to whoever holds the registration.
	intr := m.Interrupt()
	s.ctrl.DisableInterrupt(core, intr)
	if s.ctrl.IsActive(core, intr) {
		m.usage.Add(-1)
		return Denied
	}

	// Has no effect on a level that is still asserted.
	s.ctrl.ClearPending(core, intr)
	e.fill(entryPoint, arg, flags, affinity)
	if !m.Private() {
		s.route(m, flags, affinity)
	}
	e.set(StateRegistered)
	e.clear(StateEnabled)
	return Success
}

// Enable lets a registered event be delivered.
func (s *Service) Enable(core int, ev int32) Status {
	m := s.table.Find(ev)
	if m == nil {
		return Invalid
	}
	e := s.entry(core, m)
	st := e.State()
	if !st.Registered() {
		return Denied
	}
	if st.Enabled() {
		return Success
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	st = e.State()
	switch {
	case st.Enabled():
		return Success
	case st.Registered():
		s.ctrl.EnableInterrupt(core, m.Interrupt())
		e.set(StateEnabled)
		return Success
	default:
		return Denied
	}
}

// Disable stops delivery of a registered event.
func (s *Service) Disable(core int, ev int32) Status {
	m := s.table.Find(ev)
	if m == nil {
		return Invalid
	}
	e := s.entry(core, m)
	st := e.State()
	if !st.Registered() {
		return Denied
	}
	if !st.Enabled() {
		return Success
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	st = e.State()
	switch {
	case st.Enabled():
		s.ctrl.DisableInterrupt(core, m.Interrupt())
		e.clear(StateEnabled)
		return Success
	case st.Registered():
		return Success
	default:
		return Denied
	}
}

// Unregister removes the handler of ev. If the event is running, cleanup
// is left to its completion and Pending is returned.
func (s *Service) Unregister(core int, ev int32) Status {
	m := s.table.Find(ev)
	if m == nil {
		return Invalid
	}
	e := s.entry(core, m)
	if st := e.State(); !st.Registered() {
		if st.Running() {
			return Pending
		}
		return Denied
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	st := e.State()
	if !st.Registered() {
		if st.Running() {
			return Pending
		}
		return Denied
	}

	intr := m.Interrupt()
	s.ctrl.DisableInterrupt(core, intr)
	// May leave a spurious acknowledge behind.
	s.ctrl.ClearPending(core, intr)
	e.clear(StateEnabled | StateRegistered)

	if st.Running() {
		return Pending
	}
	s.unpin(core, m)
	e.reset()
	return Success
}

// unpin disables the interrupt of a map whose registration is gone and
// drops the registration's pin. Routing is left as it was.
func (s *Service) unpin(core int, m *EventMap) {
	s.ctrl.DisableInterrupt(core, m.Interrupt())
	m.usage.Add(-1)
}

// Status returns the state word of ev.
func (s *Service) Status(core int, ev int32) Status {
	m := s.table.Find(ev)
	if m == nil {
		return Invalid
	}
	return Status(s.entry(core, m).State())
}

// GetInfo reports a property of ev.
func (s *Service) GetInfo(core int, ev int32, field InfoField) Status {
	m := s.table.Find(ev)
	if m == nil || field > InfoRoutingAffinity {
		return Invalid
	}
	if !m.Bound() {
		return Denied
	}

	switch field {
	case InfoType:
		return boolStatus(!m.Private())
	case InfoSignalable:
		return boolStatus(m.Signalable())
	case InfoPriority:
		return boolStatus(m.Critical())
	}

	if m.Private() {
		return Invalid
	}
	e := s.entry(core, m)
	e.lock.Lock()
	st, flags, affinity := e.State(), e.flags, e.affinity
	e.lock.Unlock()

	if !st.Registered() {
		return Denied
	}
	if field == InfoRoutingMode {
		return boolStatus(flags == RoutePE)
	}
	if flags == RouteAny {
		return Invalid
	}
	return Status(affinity)
}

// RoutingSet changes the routing of a registered, disabled shared event
// that is not running.
func (s *Service) RoutingSet(core int, ev int32, flags RegisterFlags, affinity uint64) Status {
	m := s.table.Find(ev)
	if m == nil || m.Private() || !s.validRouting(flags, affinity) {
		return Invalid
	}
	e := s.entry(core, m)

	e.lock.Lock()
	defer e.lock.Unlock()
	st := e.State()
	if !st.Registered() || st.Enabled() || st.Running() {
		return Denied
	}
	e.flags = flags
	e.affinity = affinity
	s.route(m, flags, affinity)
	return Success
}

func boolStatus(b bool) Status {
	if b {
		return 1
	}
	return 0
}

// worldSwitch makes tgt the world the core returns to, swapping the banked
// system registers.
func (s *Service) worldSwitch(core int, tgt cpuctx.SecurityState) {
	s.ctx.SaveSysRegs(core, tgt.Other())
	s.ctx.RestoreSysRegs(core, tgt)
	s.ctx.SetNextEret(core, tgt)
}
