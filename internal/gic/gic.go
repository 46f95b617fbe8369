// Package gic is a software model of the GICv3 state an EL3 monitor
// programs: interrupt groups, priorities, enables, pending and active bits,
// SPI routing, and the per-core priority mask and running priority.
//
// SGIs and PPIs (INTID 0-31) are banked per core; SPIs are global.
package gic

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

const (
	// SpuriousID is returned by Acknowledge when nothing can be taken.
	SpuriousID = 1023

	// MaxValidID is the first INTID that is not a real interrupt.
	MaxValidID = 1020

	// IdlePriority is the running priority of a core with no active
	// interrupt, and the reset value of the priority mask.
	IdlePriority = 0xff

	numSGIs    = 16
	numPrivate = 32
)

// IsSGI reports whether id is a software generated interrupt.
func IsSGI(id uint32) bool { return id < numSGIs }

// IsSPI reports whether id is a shared peripheral interrupt.
func IsSPI(id uint32) bool { return id >= numPrivate }

// Group is the interrupt group an interrupt is configured in.
type Group uint8

const (
	// GroupNonSecure interrupts belong to the non-secure client.
	GroupNonSecure Group = iota
	// GroupSecure interrupts belong to secure EL1.
	GroupSecure
	// GroupEL3 interrupts are taken by the monitor (Group 0).
	GroupEL3
)

func (g Group) String() string {
	switch g {
	case GroupNonSecure:
		return "ns"
	case GroupSecure:
		return "s-el1"
	case GroupEL3:
		return "el3"
	default:
		return fmt.Sprintf("Group(%d)", g)
	}
}

// RoutingMode selects how an SPI picks its target core.
type RoutingMode uint8

const (
	// RoutePE delivers to a single, named core.
	RoutePE RoutingMode = iota
	// RouteAny delivers to any one participating core.
	RouteAny
)

func (m RoutingMode) String() string {
	switch m {
	case RoutePE:
		return "pe"
	case RouteAny:
		return "any"
	default:
		return fmt.Sprintf("RoutingMode(%d)", m)
	}
}

type irqState struct {
	group    Group
	enabled  bool
	pending  bool
	active   bool
	priority uint8

	// SPI only.
	mode     RoutingMode
	target   int
	activeOn int
}

type activeIRQ struct {
	id       uint32
	priority uint8
}

type cpuInterface struct {
	pmr     uint8
	running []activeIRQ
}

// Controller is the interrupt controller. All methods are safe for
// concurrent use by different cores.
type Controller struct {
	mu sync.Mutex

	// +checklocks:mu
	spis []irqState
	// +checklocks:mu
	private [][numPrivate]irqState
	// +checklocks:mu
	cpus []cpuInterface
}

// New returns a Controller for cores cores implementing spis SPIs. Every
// interrupt starts disabled, non-secure, at the lowest priority and routed
// to core 0.
func New(cores, spis int) (*Controller, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("gic: invalid core count %d", cores)
	}
	if spis < 0 || numPrivate+spis > MaxValidID {
		return nil, fmt.Errorf("gic: invalid SPI count %d", spis)
	}

	c := &Controller{
		spis:    make([]irqState, spis),
		private: make([][numPrivate]irqState, cores),
		cpus:    make([]cpuInterface, cores),
	}
	for i := range c.spis {
		c.spis[i].priority = IdlePriority
		c.spis[i].activeOn = -1
	}
	for core := range c.private {
		for i := range c.private[core] {
			c.private[core][i].priority = IdlePriority
		}
		c.cpus[core].pmr = IdlePriority
	}
	return c, nil
}

// Cores returns the number of CPU interfaces.
func (c *Controller) Cores() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cpus)
}

// IsValid reports whether id names an implemented interrupt.
func (c *Controller) IsValid(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id < numPrivate+uint32(len(c.spis))
}

// +checklocks:c.mu
func (c *Controller) irq(core int, id uint32) *irqState {
	if id < numPrivate {
		if core < 0 || core >= len(c.private) {
			panic(fmt.Sprintf("gic: core %d out of range", core))
		}
		return &c.private[core][id]
	}
	spi := id - numPrivate
	if spi >= uint32(len(c.spis)) {
		panic(fmt.Sprintf("gic: INTID %d not implemented", id))
	}
	return &c.spis[spi]
}

// EnableInterrupt enables forwarding of id. For SGIs and PPIs the banked
// copy of core is affected.
func (c *Controller) EnableInterrupt(core int, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).enabled = true
}

// DisableInterrupt stops forwarding of id.
func (c *Controller) DisableInterrupt(core int, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).enabled = false
}

// IsEnabled reports whether id is enabled.
func (c *Controller) IsEnabled(core int, id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq(core, id).enabled
}

// SetPending marks id pending.
func (c *Controller) SetPending(core int, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).pending = true
}

// ClearPending clears the pending state of id.
func (c *Controller) ClearPending(core int, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).pending = false
}

// IsPending reports whether id is pending.
func (c *Controller) IsPending(core int, id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq(core, id).pending
}

// IsActive reports whether id has been acknowledged and not yet ended.
func (c *Controller) IsActive(core int, id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq(core, id).active
}

// Group returns the group of id.
func (c *Controller) Group(core int, id uint32) Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq(core, id).group
}

// SetGroup moves id to group g.
func (c *Controller) SetGroup(core int, id uint32, g Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).group = g
}

// Priority returns the priority of id.
func (c *Controller) Priority(core int, id uint32) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irq(core, id).priority
}

// SetPriority programs the priority of id. Lower values are more urgent.
func (c *Controller) SetPriority(core int, id uint32, priority uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.irq(core, id).priority = priority
}

// SetRouting programs how SPI id selects its target. The target is ignored
// for RouteAny.
func (c *Controller) SetRouting(id uint32, mode RoutingMode, target int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !IsSPI(id) {
		panic(fmt.Sprintf("gic: routing INTID %d which is not an SPI", id))
	}
	if mode == RoutePE && (target < 0 || target >= len(c.cpus)) {
		panic(fmt.Sprintf("gic: routing INTID %d to core %d out of range", id, target))
	}
	irq := c.irq(0, id)
	irq.mode = mode
	irq.target = target
}

// Routing returns the routing mode and target of SPI id.
func (c *Controller) Routing(id uint32) (RoutingMode, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	irq := c.irq(0, id)
	return irq.mode, irq.target
}

// PriorityMask returns the priority mask of core.
func (c *Controller) PriorityMask(core int) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpus[core].pmr
}

// SetPriorityMask programs the priority mask of core and returns the old
// value. Only interrupts with a priority strictly below the mask are
// signalled.
func (c *Controller) SetPriorityMask(core int, pmr uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cpus[core].pmr
	c.cpus[core].pmr = pmr
	return old
}

// RunningPriority returns the priority of the highest active interrupt on
// core, or IdlePriority.
func (c *Controller) RunningPriority(core int) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningPriority(core)
}

// +checklocks:c.mu
func (c *Controller) runningPriority(core int) uint8 {
	running := c.cpus[core].running
	if len(running) == 0 {
		return IdlePriority
	}
	return running[len(running)-1].priority
}
