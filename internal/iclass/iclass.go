// Package iclass partitions EL3 interrupts into priority classes and
// dispatches each acknowledged interrupt to the handler registered for its
// class. It also tracks which priority levels are active on each core and
// keeps the controller's priority mask in step with them.
package iclass

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/gic"
	"gvisor.dev/gvisor/pkg/sync"
)

// Class is a band of 16 priority values. Lower classes are more urgent.
type Class uint8

const (
	// ClassSecurePartition is reserved for secure partition dispatch.
	ClassSecurePartition Class = 5
	// ClassCriticalSDE carries critical software delegated events.
	ClassCriticalSDE Class = 6
	// ClassNormalSDE carries normal software delegated events.
	ClassNormalSDE Class = 7

	// MaxClasses is the number of classes the framework supports.
	MaxClasses = 8

	classShift = 4
	classMask  = 0x7
)

// PriorityToClass returns the class a controller priority belongs to.
func PriorityToClass(priority uint8) Class {
	return Class((priority >> classShift) & classMask)
}

// Priority returns the controller priority of class c.
func (c Class) Priority() uint8 {
	return uint8(c&classMask) << classShift
}

func (c Class) String() string {
	switch c {
	case ClassSecurePartition:
		return "sp"
	case ClassCriticalSDE:
		return "csde"
	case ClassNormalSDE:
		return "nsde"
	default:
		return fmt.Sprintf("class%d", uint8(c))
	}
}

// Status is returned by class handlers.
type Status uint8

const (
	// Handled means the framework ends the interrupt.
	Handled Status = iota
	// Error means the handler failed; the framework still ends the
	// interrupt.
	Error
	// DeferEOI means the handler ends the interrupt later through
	// EndOfInterrupt.
	DeferEOI
)

func (s Status) String() string {
	switch s {
	case Handled:
		return "handled"
	case Error:
		return "error"
	case DeferEOI:
		return "defer-eoi"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	ErrInvalidClass = errors.New("invalid interrupt class")
	ErrNotEL3       = errors.New("interrupt is not in the EL3 group")
	ErrRegistered   = errors.New("class handler already registered")
)

// Handler handles an interrupt of one class on core. src is the world the
// core was executing in when the interrupt was taken.
type Handler func(core int, intr uint32, src cpuctx.SecurityState) Status

// Controller is the part of the interrupt controller the framework drives.
type Controller interface {
	Acknowledge(core int) uint32
	RunningPriority(core int) uint8
	EndOfInterrupt(core int, id uint32)
	SetPriorityMask(core int, pmr uint8) uint8
	Group(core int, id uint32) gic.Group
	SetPriority(core int, id uint32, priority uint8)
}

type peState struct {
	// Active classes; the lowest set bit is the current one.
	active  uint32
	initPMR uint8
}

// Framework is the interrupt class framework.
type Framework struct {
	ctrl   Controller
	logger *slog.Logger

	mu sync.RWMutex
	// +checklocks:mu
	handlers [MaxClasses]Handler

	// Indexed by core; only touched by the owning core.
	pe []peState
}

// New returns a framework driving ctrl for cores cores.
func New(ctrl Controller, cores int, logger *slog.Logger) (*Framework, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("iclass: nil controller")
	}
	if cores <= 0 {
		return nil, fmt.Errorf("iclass: invalid core count %d", cores)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Framework{
		ctrl:   ctrl,
		logger: logger,
		pe:     make([]peState, cores),
	}, nil
}

// RegisterHandler installs h for class c. Each class takes one handler.
func (f *Framework) RegisterHandler(c Class, h Handler) error {
	if c >= MaxClasses {
		return fmt.Errorf("iclass: register %d: %w", c, ErrInvalidClass)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[c] != nil {
		return fmt.Errorf("iclass: register %s: %w", c, ErrRegistered)
	}
	f.handlers[c] = h
	return nil
}

// AddInterrupt assigns intr to class c by programming its priority. The
// interrupt must already be in the EL3 group. For private interrupts only
// the banked copy of core is programmed.
func (f *Framework) AddInterrupt(core int, intr uint32, c Class) error {
	if c >= MaxClasses {
		return fmt.Errorf("iclass: add %d: %w", intr, ErrInvalidClass)
	}
	if f.ctrl.Group(core, intr) != gic.GroupEL3 {
		return fmt.Errorf("iclass: add %d: %w", intr, ErrNotEL3)
	}
	f.ctrl.SetPriority(core, intr, c.Priority())
	return nil
}

// RemoveInterrupt returns intr to the lowest priority.
func (f *Framework) RemoveInterrupt(core int, intr uint32) error {
	if f.ctrl.Group(core, intr) != gic.GroupEL3 {
		return fmt.Errorf("iclass: remove %d: %w", intr, ErrNotEL3)
	}
	f.ctrl.SetPriority(core, intr, gic.IdlePriority)
	return nil
}

// HandleInterrupt takes the highest priority EL3 interrupt on core and runs
// the handler of its class. It returns the acknowledged INTID, or
// gic.SpuriousID when nothing was pending, together with the handler
// status. Unless the handler defers it, the interrupt is ended before
// returning.
func (f *Framework) HandleInterrupt(core int, src cpuctx.SecurityState) (uint32, Status) {
	intr := f.ctrl.Acknowledge(core)
	if intr >= gic.MaxValidID {
		return gic.SpuriousID, Handled
	}

	class := PriorityToClass(f.ctrl.RunningPriority(core))
	f.mu.RLock()
	h := f.handlers[class]
	f.mu.RUnlock()

	if h == nil {
		f.logger.Warn("iclass: no handler for class", "core", core, "intr", intr, "class", class)
		f.ctrl.EndOfInterrupt(core, intr)
		return intr, Error
	}

	f.Activate(core, class.Priority())
	status := h(core, intr, src)
	if status != DeferEOI {
		f.EndOfInterrupt(core, intr, class)
	}
	return intr, status
}

// EndOfInterrupt ends intr on core and deactivates the priority of class.
func (f *Framework) EndOfInterrupt(core int, intr uint32, c Class) {
	f.ctrl.EndOfInterrupt(core, intr)
	f.Deactivate(core, c.Priority())
}

func (s *peState) current() int {
	if s.active == 0 {
		return -1
	}
	return bits.TrailingZeros32(s.active)
}

// Activate marks priority active on core and masks everything at or below
// it. The new priority must be higher than any already active; anything
// else panics.
func (f *Framework) Activate(core int, priority uint8) {
	s := &f.pe[core]
	idx := int(PriorityToClass(priority))
	cur := s.current()
	if cur != -1 && idx >= cur {
		panic(fmt.Sprintf("iclass: core %d activating priority %#x at or below active %#x",
			core, priority, Class(cur).Priority()))
	}
	s.active |= 1 << idx
	old := f.ctrl.SetPriorityMask(core, priority)
	if cur == -1 {
		s.initPMR = old
	}
}

// Deactivate clears priority on core and restores the mask of the next
// active priority, or the mask in force before the first activation.
// priority must be the current one; anything else panics.
func (f *Framework) Deactivate(core int, priority uint8) {
	s := &f.pe[core]
	idx := int(PriorityToClass(priority))
	cur := s.current()
	if cur == -1 || idx != cur {
		panic(fmt.Sprintf("iclass: core %d deactivating priority %#x which is not current", core, priority))
	}
	s.active &= s.active - 1

	if next := s.current(); next == -1 {
		f.ctrl.SetPriorityMask(core, s.initPMR)
	} else {
		f.ctrl.SetPriorityMask(core, Class(next).Priority())
	}
}

// CurrentPriority returns the active priority of core and whether any is
// active.
func (f *Framework) CurrentPriority(core int) (uint8, bool) {
	cur := f.pe[core].current()
	if cur == -1 {
		return gic.IdlePriority, false
	}
	return Class(cur).Priority(), true
}
