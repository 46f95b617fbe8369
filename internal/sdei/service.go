// Package sdei implements the Software Delegated Exception Interface event
// service of an EL3 monitor: event registration and lifecycle, binding of
// client interrupts to dynamic events, nested per-core dispatch of events
// to the non-secure client and PE masking.
//
// A Service is driven by two kinds of callers. SDEI calls arrive through
// HandleSMC or Call on behalf of a core, and EL3 interrupts in the SDEI
// priority classes reach the service through the interrupt class framework
// it registers with. Each core index must only be driven by one goroutine
// at a time.
package sdei

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/gic"
	"github.com/tinyrange/sdei/internal/iclass"
	"github.com/tinyrange/sdei/internal/trace"
	"golang.org/x/sys/cpu"
)

// Controller is the part of the interrupt controller the service programs.
type Controller interface {
	IsValid(id uint32) bool
	EnableInterrupt(core int, id uint32)
	DisableInterrupt(core int, id uint32)
	SetPending(core int, id uint32)
	ClearPending(core int, id uint32)
	IsActive(core int, id uint32) bool
	Group(core int, id uint32) gic.Group
	SetGroup(core int, id uint32, g gic.Group)
	SetRouting(id uint32, mode gic.RoutingMode, target int)
	RaiseSGI(id uint32, target int) error
}

// ClassFramework is the interrupt class framework the service registers its
// dispatcher with.
type ClassFramework interface {
	RegisterHandler(c iclass.Class, h iclass.Handler) error
	AddInterrupt(core int, intr uint32, c iclass.Class) error
	RemoveInterrupt(core int, intr uint32) error
	EndOfInterrupt(core int, intr uint32, c iclass.Class)
}

// Contexts gives access to the saved CPU state of each core and world.
type Contexts interface {
	Cores() int
	ClientEL() uint8
	Context(core int, ss cpuctx.SecurityState) *cpuctx.Context
	SaveSysRegs(core int, ss cpuctx.SecurityState)
	RestoreSysRegs(core int, ss cpuctx.SecurityState)
	LiveSysRegs(core int) *cpuctx.SysRegs
	SetNextEret(core int, ss cpuctx.SecurityState)
	SetELRSPSR(core int, ss cpuctx.SecurityState, elr, spsr uint64)
	CoreFromMPIDR(mpidr uint64) (int, bool)
}

// Config configures a Service.
type Config struct {
	Table      *Table
	Controller Controller
	Framework  ClassFramework
	Contexts   Contexts

	// StormThreshold bounds how often a masked core may see a route-any
	// event retrigger before the service gives up. Zero selects 32 per
	// core.
	StormThreshold int

	Logger *slog.Logger
	Trace  *trace.Recorder
}

type coreState struct {
	stack eventStack
	mask  maskState

	// Private entries of this core, indexed like Table.Private.
	private []Entry

	_ cpu.CacheLinePad
}

// Service is the SDEI event service.
type Service struct {
	table  *Table
	ctrl   Controller
	fw     ClassFramework
	ctx    Contexts
	logger *slog.Logger
	trace  *trace.Recorder

	stormThreshold int

	shared []Entry
	cores  []coreState
}

// New builds a Service and performs early setup: it registers the dispatcher
// for both SDEI priority classes and hands every static event interrupt to
// EL3, disabled, in its class.
func New(cfg Config) (*Service, error) {
	if cfg.Table == nil {
		return nil, fmt.Errorf("sdei: no event table")
	}
	if cfg.Controller == nil || cfg.Framework == nil || cfg.Contexts == nil {
		return nil, fmt.Errorf("sdei: missing collaborator")
	}
	cores := cfg.Contexts.Cores()
	if cores <= 0 {
		return nil, fmt.Errorf("sdei: invalid core count %d", cores)
	}
	if cfg.StormThreshold < 0 {
		return nil, fmt.Errorf("sdei: negative storm threshold %d", cfg.StormThreshold)
	}

	s := &Service{
		table:          cfg.Table,
		ctrl:           cfg.Controller,
		fw:             cfg.Framework,
		ctx:            cfg.Contexts,
		logger:         cfg.Logger,
		trace:          cfg.Trace,
		stormThreshold: cfg.StormThreshold,
		shared:         make([]Entry, len(cfg.Table.shared)),
		cores:          make([]coreState, cores),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.stormThreshold == 0 {
		s.stormThreshold = cores * 32
	}
	for i := range s.shared {
		s.shared[i] = newSharedEntry()
	}
	for c := range s.cores {
		s.cores[c].private = make([]Entry, len(cfg.Table.private))
		for i := range s.cores[c].private {
			s.cores[c].private[i] = newPrivateEntry()
		}
	}

	if err := s.setup(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) setup() error {
	for _, c := range []iclass.Class{iclass.ClassNormalSDE, iclass.ClassCriticalSDE} {
		if err := s.fw.RegisterHandler(c, s.handleInterrupt); err != nil {
			return fmt.Errorf("sdei: register %s handler: %w", c, err)
		}
	}

	for _, m := range s.table.shared {
		if err := s.addStatic(m); err != nil {
			return err
		}
	}
	for _, m := range s.table.private {
		if err := s.addStatic(m); err != nil {
			return err
		}
	}

	s.logger.Info("sdei: initialized",
		"cores", len(s.cores),
		"private", len(s.table.private),
		"shared", len(s.table.shared),
		"storm_threshold", s.stormThreshold)
	return nil
}

// addStatic hands the interrupt of a static map to EL3. Dynamic maps are
// configured when bound.
func (s *Service) addStatic(m *EventMap) error {
	if m.Dynamic() {
		return nil
	}
	intr := m.Interrupt()
	if !s.ctrl.IsValid(intr) {
		return fmt.Errorf("sdei: %v: interrupt not implemented", m)
	}
	for _, core := range s.targets(m) {
		s.ctrl.DisableInterrupt(core, intr)
		s.ctrl.SetGroup(core, intr, gic.GroupEL3)
		if err := s.fw.AddInterrupt(core, intr, m.class()); err != nil {
			return fmt.Errorf("sdei: %v: %w", m, err)
		}
	}
	return nil
}

// targets returns the cores whose banked copy of the map's interrupt must
// be programmed. Shared interrupts are global, so any one core will do.
func (s *Service) targets(m *EventMap) []int {
	if !m.Private() {
		return []int{0}
	}
	cores := make([]int, len(s.cores))
	for i := range cores {
		cores[i] = i
	}
	return cores
}

// Cores returns the number of cores the service manages.
func (s *Service) Cores() int { return len(s.cores) }

// Table returns the event table.
func (s *Service) Table() *Table { return s.table }

// StormThreshold returns the masked retrigger limit in force.
func (s *Service) StormThreshold() int { return s.stormThreshold }

func (s *Service) core(idx int) *coreState {
	if idx < 0 || idx >= len(s.cores) {
		panic(fmt.Sprintf("sdei: core %d out of range [0, %d)", idx, len(s.cores)))
	}
	return &s.cores[idx]
}

// entry returns the registration of m as seen from core.
func (s *Service) entry(core int, m *EventMap) *Entry {
	if m.Private() {
		return &s.core(core).private[m.index]
	}
	return &s.shared[m.index]
}

// EventState returns the state of event ev as seen from core.
func (s *Service) EventState(core int, ev int32) (State, bool) {
	m := s.table.Find(ev)
	if m == nil {
		return 0, false
	}
	return s.entry(core, m).State(), true
}
