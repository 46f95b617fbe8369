package sdei

import (
	"fmt"
	"slices"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

type maskState struct {
	masked atomicbitops.Bool

	// Owned by the core.
	triggers int
	disabled []*EventMap
}

// Mask stops delivery of events to core and returns 1 if the core was
// already masked, 0 otherwise.
func (s *Service) Mask(core int) Status {
	return boolStatus(s.core(core).mask.masked.Swap(true))
}

// Unmask resumes delivery of events to core and returns the previous mask
// value. Lines disabled because of the mask are re-enabled for events that
// are still registered and enabled.
func (s *Service) Unmask(core int) Status {
	ms := &s.core(core).mask
	prev := ms.masked.Swap(false)
	ms.triggers = 0

	for _, m := range ms.disabled {
		e := s.entry(core, m)
		e.lock.Lock()
		if st := e.State(); st.Registered() && st.Enabled() {
			s.ctrl.EnableInterrupt(core, m.Interrupt())
		}
		e.lock.Unlock()
	}
	ms.disabled = ms.disabled[:0]
	return boolStatus(prev)
}

// Masked reports whether core is masked.
func (s *Service) Masked(core int) bool { return s.core(core).mask.masked.Load() }

// MaskedTriggers returns how many route-any triggers core has turned away
// since it was last unmasked.
func (s *Service) MaskedTriggers(core int) int { return s.core(core).mask.triggers }

// maskedTrigger leaves an event that fired on a masked core pending. Events
// that can only run here also have their line disabled; route-any events
// stay enabled so another core can take them.
func (s *Service) maskedTrigger(core int, m *EventMap, e *Entry, intr uint32) {
	s.ctrl.SetPending(core, intr)

	e.lock.Lock()
	routeAny := !m.Private() && e.flags == RouteAny
	e.lock.Unlock()

	s.logger.Debug("sdei: trigger on masked core", "core", core, "event", m.event, "intr", intr, "route_any", routeAny)
	s.trace.Masked(core, m.event, intr)

	ms := &s.core(core).mask
	if !routeAny {
		s.ctrl.DisableInterrupt(core, intr)
		if !slices.Contains(ms.disabled, m) {
			ms.disabled = append(ms.disabled, m)
		}
		return
	}

	ms.triggers++
	if ms.triggers > s.stormThreshold {
		panic(fmt.Sprintf("sdei: core %d: event %d retriggered %d times while masked",
			core, m.event, ms.triggers))
	}
}
