package sdei

import (
	"fmt"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/gic"
	"github.com/tinyrange/sdei/internal/iclass"
)

const (
	// SavedGPRegs is the number of general purpose registers (X0-X17)
	// saved when an event preempts the client.
	SavedGPRegs = 18

	// MaxNestedEvents is the dispatch depth of a core: a critical event
	// may preempt a normal one and nothing preempts a critical one.
	MaxNestedEvents = 2
)

type dispatchFrame struct {
	m     *EventMap
	entry *Entry
	intr  uint32
	class iclass.Class

	// World the core was in when the event was taken.
	src cpuctx.SecurityState

	x    [SavedGPRegs]uint64
	elr  uint64
	spsr uint64
}

// eventStack is the per-core stack of dispatched, not yet completed events.
type eventStack struct {
	frames [MaxNestedEvents]dispatchFrame
	depth  int
}

func (s *eventStack) push(f dispatchFrame) {
	if s.depth == len(s.frames) {
		panic(fmt.Sprintf("sdei: dispatch stack overflow pushing event %d", f.m.event))
	}
	s.frames[s.depth] = f
	s.depth++
}

func (s *eventStack) top() *dispatchFrame {
	if s.depth == 0 {
		return nil
	}
	return &s.frames[s.depth-1]
}

func (s *eventStack) pop() dispatchFrame {
	f := s.frames[s.depth-1]
	s.frames[s.depth-1] = dispatchFrame{}
	s.depth--
	return f
}

// Depth returns the number of events dispatched and not yet completed on
// core.
func (s *Service) Depth(core int) int { return s.core(core).stack.depth }

// Running returns the event currently being handled on core.
func (s *Service) Running(core int) (int32, bool) {
	f := s.core(core).stack.top()
	if f == nil {
		return 0, false
	}
	return f.m.event, true
}

// handleInterrupt is the class handler for both SDEI priority classes. The
// controller has already acknowledged intr, so no other core can take it.
func (s *Service) handleInterrupt(core int, intr uint32, src cpuctx.SecurityState) iclass.Status {
	m := s.table.FindByInterrupt(intr, gic.IsSPI(intr))
	if m == nil {
		panic(fmt.Sprintf("sdei: core %d: no event for interrupt %d", core, intr))
	}
	cs := s.core(core)
	e := s.entry(core, m)

	if cs.mask.masked.Load() {
		s.maskedTrigger(core, m, e, intr)
		return iclass.Handled
	}

	// Routing keeps other targets away and the running priority keeps
	// same-class events from nesting; these only fail if controller and
	// service disagree.
	if e.State().Running() {
		panic(fmt.Sprintf("sdei: core %d: event %d triggered while running", core, m.event))
	}
	if top := cs.stack.top(); top != nil && (!m.Critical() || top.m.Critical()) {
		panic(fmt.Sprintf("sdei: core %d: event %d cannot preempt running event %d",
			core, m.event, top.m.event))
	}

	e.lock.Lock()
	st := e.State()
	if !st.Registered() || !st.Enabled() {
		e.lock.Unlock()
		// Level triggered sources are the client's to quiesce.
		s.logger.Debug("sdei: event not deliverable", "core", core, "event", m.event, "state", st)
		s.trace.Dropped(core, m.event, intr, uint32(st))
		return iclass.Handled
	}
	e.set(StateRunning)
	entryPoint, arg := e.entryPoint, e.arg
	e.lock.Unlock()

	if src == cpuctx.Secure {
		s.worldSwitch(core, cpuctx.NonSecure)
	}
	ctx := s.ctx.Context(core, cpuctx.NonSecure)

	frame := dispatchFrame{
		m:     m,
		entry: e,
		intr:  intr,
		class: m.class(),
		src:   src,
		elr:   ctx.ELR,
		spsr:  ctx.SPSR,
	}
	copy(frame.x[:], ctx.X[:SavedGPRegs])
	cs.stack.push(frame)

	s.ctx.SetELRSPSR(core, cpuctx.NonSecure, entryPoint,
		cpuctx.SPSR64(s.ctx.ClientEL(), cpuctx.ModeSPELx, cpuctx.DAIFAll))
	ctx.SetGP(0, uint64(m.event))
	ctx.SetGP(1, arg)
	ctx.SetGP(2, frame.elr)
	ctx.SetGP(3, frame.spsr)

	s.logger.Debug("sdei: dispatch", "core", core, "event", m.event, "intr", intr,
		"from", src, "pc", frame.elr, "depth", cs.stack.depth)
	s.trace.Dispatch(core, m.event, intr)
	return iclass.DeferEOI
}

// Complete finishes the event running on core and restores the context it
// preempted. With resume the client instead continues at resumeAddr, with
// its own exception link registers holding the preempted PC and PSTATE.
func (s *Service) Complete(core int, resume bool, resumeAddr uint64) Status {
	cs := s.core(core)
	top := cs.stack.top()
	if top == nil {
		return Denied
	}
	if !top.entry.State().Running() {
		return Denied
	}
	if resume && top.src == cpuctx.Secure {
		panic(fmt.Sprintf("sdei: core %d: complete and resume of event %d which preempted the secure world",
			core, top.m.event))
	}
	frame := cs.stack.pop()
	m, e := frame.m, frame.entry

	ctx := s.ctx.Context(core, cpuctx.NonSecure)
	copy(ctx.X[:SavedGPRegs], frame.x[:])
	s.ctx.SetELRSPSR(core, cpuctx.NonSecure, frame.elr, frame.spsr)

	if resume {
		el := s.ctx.ClientEL()
		s.ctx.SetELRSPSR(core, cpuctx.NonSecure, resumeAddr,
			cpuctx.SPSR64(el, cpuctx.ModeSPELx, cpuctx.DAIFAll))

		// The client saved anything live in these before the call.
		regs := s.ctx.LiveSysRegs(core)
		if el == 2 {
			regs.ELREL2, regs.SPSREL2 = frame.elr, frame.spsr
		} else {
			regs.ELREL1, regs.SPSREL1 = frame.elr, frame.spsr
		}
	}

	if frame.src == cpuctx.Secure {
		s.worldSwitch(core, cpuctx.Secure)
	}

	e.lock.Lock()
	if !e.State().Registered() {
		// Unregistered while running.
		s.unpin(core, m)
		e.reset()
	}
	e.clear(StateRunning)
	e.lock.Unlock()

	s.fw.EndOfInterrupt(core, frame.intr, frame.class)

	s.logger.Debug("sdei: complete", "core", core, "event", m.event, "resume", resume)
	s.trace.Complete(core, m.event, resume, int64(Success))
	return Success
}

// Context returns saved register param of the event running on core.
func (s *Service) Context(core int, param uint64) Status {
	if param >= SavedGPRegs {
		return Invalid
	}
	top := s.core(core).stack.top()
	if top == nil {
		return Denied
	}
	return Status(top.x[param])
}
