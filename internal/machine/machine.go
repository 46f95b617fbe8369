// Package machine assembles an interrupt controller, the interrupt class
// framework, per-core CPU contexts and the SDEI service into a simulated
// platform that a client can drive one core at a time.
package machine

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/gic"
	"github.com/tinyrange/sdei/internal/iclass"
	"github.com/tinyrange/sdei/internal/sdei"
	"github.com/tinyrange/sdei/internal/trace"
	"gvisor.dev/gvisor/pkg/sync"
)

// Options configures a Machine.
type Options struct {
	Logger *slog.Logger
	Trace  *trace.Recorder
}

// Machine is a simulated platform running the SDEI service.
type Machine struct {
	Platform sdei.Platform

	GIC     *gic.Controller
	Classes *iclass.Framework
	CPUs    *cpuctx.Manager
	SDEI    *sdei.Service

	logger *slog.Logger

	// Guest handlers by entry point.
	handlers sync.Map
}

// GuestHandler is client code installed at an entry point. It runs when an
// event registered with that entry point is dispatched and is expected to
// finish with Complete or CompleteAndResume.
type GuestHandler func(h *HandlerCall)

// New builds a machine for platform p.
func New(p sdei.Platform, opts Options) (*Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	table, err := p.Table()
	if err != nil {
		return nil, err
	}
	ctrl, err := gic.New(p.Cores, p.SPIs)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	classes, err := iclass.New(ctrl, p.Cores, logger)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	cpus, err := cpuctx.New(p.Cores, p.ClientEL)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	svc, err := sdei.New(sdei.Config{
		Table:          table,
		Controller:     ctrl,
		Framework:      classes,
		Contexts:       cpus,
		StormThreshold: p.StormThreshold,
		Logger:         logger,
		Trace:          opts.Trace,
	})
	if err != nil {
		return nil, err
	}

	return &Machine{
		Platform: p,
		GIC:      ctrl,
		Classes:  classes,
		CPUs:     cpus,
		SDEI:     svc,
		logger:   logger,
	}, nil
}

// Install places fn at entry point addr.
func (m *Machine) Install(addr uint64, fn GuestHandler) {
	if fn == nil {
		m.handlers.Delete(addr)
		return
	}
	m.handlers.Store(addr, fn)
}

func (m *Machine) handler(addr uint64) GuestHandler {
	v, ok := m.handlers.Load(addr)
	if !ok {
		return nil
	}
	return v.(GuestHandler)
}

// Cores returns the number of cores.
func (m *Machine) Cores() int { return m.CPUs.Cores() }

// World returns the world core is executing in.
func (m *Machine) World(core int) cpuctx.SecurityState { return m.CPUs.NextEret(core) }

// EnterWorld moves core to world ss as the monitor would on a world switch.
func (m *Machine) EnterWorld(core int, ss cpuctx.SecurityState) {
	if m.World(core) == ss {
		return
	}
	m.CPUs.SaveSysRegs(core, ss.Other())
	m.CPUs.RestoreSysRegs(core, ss)
	m.CPUs.SetNextEret(core, ss)
}

// SMC makes an SDEI call from the non-secure client on core.
func (m *Machine) SMC(core int, fid sdei.FunctionID, args ...uint64) sdei.Status {
	return m.CallFrom(core, cpuctx.NonSecure, fid, args...)
}

// CallFrom makes an SDEI call from world ss on core through the registers
// of that world.
func (m *Machine) CallFrom(core int, ss cpuctx.SecurityState, fid sdei.FunctionID, args ...uint64) sdei.Status {
	if len(args) > 5 {
		panic(fmt.Sprintf("machine: %v with %d arguments", fid, len(args)))
	}
	ctx := m.CPUs.Context(core, ss)
	ctx.SetGP(0, uint64(fid))
	for i := 1; i <= 5; i++ {
		var v uint64
		if i <= len(args) {
			v = args[i-1]
		}
		ctx.SetGP(i, v)
	}

	depth := m.SDEI.Depth(core)
	m.SDEI.HandleSMC(core, ss)

	// A successful completion hands back the preempted registers instead
	// of a result.
	if (fid == sdei.FnEventComplete || fid == sdei.FnEventCompleteAndResume) && m.SDEI.Depth(core) < depth {
		return sdei.Success
	}
	return sdei.Status(ctx.GP(0))
}

// Assert raises SPI id at the controller.
func (m *Machine) Assert(id uint32) error { return m.GIC.Assert(id) }

// AssertPrivate raises private interrupt id on core.
func (m *Machine) AssertPrivate(core int, id uint32) error { return m.GIC.AssertPrivate(core, id) }

// Pending reports whether core has an EL3 interrupt it would take now.
func (m *Machine) Pending(core int) bool {
	return m.GIC.HighestPending(core) != gic.SpuriousID
}

// Step takes the highest priority EL3 interrupt pending on core. When the
// service dispatches an event to the client the handler invocation is
// returned; otherwise the result is nil.
func (m *Machine) Step(core int) *HandlerCall {
	before := m.SDEI.Depth(core)
	intr, status := m.Classes.HandleInterrupt(core, m.World(core))
	if intr == gic.SpuriousID || status != iclass.DeferEOI {
		return nil
	}
	if m.SDEI.Depth(core) != before+1 {
		panic(fmt.Sprintf("machine: core %d: interrupt %d deferred without a dispatch", core, intr))
	}

	ctx := m.CPUs.Context(core, cpuctx.NonSecure)
	h := &HandlerCall{
		m:          m,
		core:       core,
		depth:      before + 1,
		Interrupt:  intr,
		Event:      int32(ctx.GP(0)),
		Arg:        ctx.GP(1),
		PC:         ctx.GP(2),
		PSTATE:     ctx.GP(3),
		EntryPoint: ctx.ELR,
	}
	m.logger.Debug("machine: handler entered", "core", core, "event", h.Event, "pc", h.PC)
	return h
}

// Run steps core once and runs the guest handler installed at the entry
// point of the dispatched event. Without an installed handler the event is
// left running and the invocation is returned to the caller.
func (m *Machine) Run(core int) *HandlerCall {
	h := m.Step(core)
	if h == nil {
		return nil
	}
	if fn := m.handler(h.EntryPoint); fn != nil {
		fn(h)
		if h.Running() {
			m.logger.Warn("machine: guest handler returned without completing", "core", core, "event", h.Event)
		}
	}
	return h
}

// Drain runs core until no interrupt is pending, returning the handlers
// that were entered. It stops early once limit interrupts were taken.
func (m *Machine) Drain(core int, limit int) []*HandlerCall {
	var calls []*HandlerCall
	for i := 0; i < limit && m.Pending(core); i++ {
		if h := m.Run(core); h != nil {
			calls = append(calls, h)
		}
	}
	return calls
}

// HandlerCall is one invocation of a client event handler.
type HandlerCall struct {
	m     *Machine
	core  int
	depth int

	Interrupt uint32

	// Registers the handler was entered with.
	Event      int32
	Arg        uint64
	PC         uint64
	PSTATE     uint64
	EntryPoint uint64
}

// Core returns the core the handler runs on.
func (h *HandlerCall) Core() int { return h.core }

// Running reports whether the handler has not completed yet.
func (h *HandlerCall) Running() bool { return h.m.SDEI.Depth(h.core) >= h.depth }

// SMC makes an SDEI call from inside the handler.
func (h *HandlerCall) SMC(fid sdei.FunctionID, args ...uint64) sdei.Status {
	return h.m.SMC(h.core, fid, args...)
}

// Context reads saved register n of the preempted context.
func (h *HandlerCall) Context(n uint64) sdei.Status {
	return h.SMC(sdei.FnEventContext, n)
}

// Complete returns from the handler to the preempted context.
func (h *HandlerCall) Complete() sdei.Status {
	return h.SMC(sdei.FnEventComplete)
}

// Preempt delivers a pending interrupt of higher priority to the core
// while the handler runs, as Run does.
func (h *HandlerCall) Preempt() *HandlerCall {
	return h.m.Run(h.core)
}

// CompleteAndResume returns from the handler to addr.
func (h *HandlerCall) CompleteAndResume(addr uint64) sdei.Status {
	return h.SMC(sdei.FnEventCompleteAndResume, addr)
}
