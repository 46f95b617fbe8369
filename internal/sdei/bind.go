package sdei

import (
	"fmt"

	"github.com/tinyrange/sdei/internal/gic"
	"github.com/tinyrange/sdei/internal/iclass"
)

// bindTargets returns the cores whose copy of intr binding programs.
func (s *Service) bindTargets(intr uint32) []int {
	if gic.IsSPI(intr) {
		return []int{0}
	}
	cores := make([]int, len(s.cores))
	for i := range cores {
		cores[i] = i
	}
	return cores
}

// Bind hands client interrupt intr to a free dynamic event and returns the
// event number. Binding an interrupt that is already bound returns the
// event it is bound to.
func (s *Service) Bind(core int, intr uint32) Status {
	if gic.IsSGI(intr) || !s.ctrl.IsValid(intr) {
		return Invalid
	}
	shared := gic.IsSPI(intr)
	cores := s.bindTargets(intr)

	for {
		if m := s.table.FindByInterrupt(intr, shared); m != nil {
			if !m.Dynamic() {
				return Invalid
			}
			if m.Bound() {
				return Status(m.event)
			}
		}

		m := s.table.FindByInterrupt(0, shared)
		if m == nil {
			return NoMemory
		}

		s.table.mu.Lock()
		if m.Bound() || s.table.FindByInterrupt(intr, shared) != nil {
			// Lost a race with another bind; start over.
			s.table.mu.Unlock()
			continue
		}
		st := s.claim(m, intr, cores)
		s.table.mu.Unlock()
		return st
	}
}

// claim binds intr to the free map m.
//
// +checklocks:s.table.mu
func (s *Service) claim(m *EventMap, intr uint32, cores []int) Status {
	for _, c := range cores {
		if s.ctrl.Group(c, intr) != gic.GroupNonSecure {
			return Denied
		}
	}
	for _, c := range cores {
		s.ctrl.SetGroup(c, intr, gic.GroupEL3)
		s.ctrl.DisableInterrupt(c, intr)
	}
	for _, c := range cores {
		if s.ctrl.IsActive(c, intr) {
			for _, c := range cores {
				s.ctrl.SetGroup(c, intr, gic.GroupNonSecure)
			}
			return Denied
		}
	}

	for _, c := range cores {
		if err := s.fw.AddInterrupt(c, intr, iclass.ClassNormalSDE); err != nil {
			panic(fmt.Sprintf("sdei: bind %d to event %d: %v", intr, m.event, err))
		}
	}
	m.intr.Store(intr)
	m.bound.Store(true)
	s.logger.Debug("sdei: bound", "event", m.event, "intr", intr)
	return Status(m.event)
}

// Release returns the interrupt of a bound dynamic event to the client.
// The event must not be registered on any core.
func (s *Service) Release(core int, ev int32) Status {
	m := s.table.Find(ev)
	if m == nil || !m.Dynamic() || !m.Bound() {
		return Invalid
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	if !m.Bound() || m.Usage() > 0 {
		s.logger.Debug("sdei: release refused", "event", ev, "bound", m.Bound(), "usage", m.Usage())
		return Invalid
	}

	intr := m.Interrupt()
	for _, c := range s.bindTargets(intr) {
		if err := s.fw.RemoveInterrupt(c, intr); err != nil {
			panic(fmt.Sprintf("sdei: release event %d: %v", ev, err))
		}
		s.ctrl.SetGroup(c, intr, gic.GroupNonSecure)
	}
	m.intr.Store(0)
	m.bound.Store(false)
	return Success
}
