package gic

import "fmt"

func deliverable(irq *irqState) bool {
	return irq.group == GroupEL3 && irq.enabled && irq.pending && !irq.active
}

// +checklocks:c.mu
func (c *Controller) highestPending(core int) (uint32, uint8) {
	best := uint32(SpuriousID)
	bestPrio := uint8(IdlePriority)

	consider := func(id uint32, irq *irqState) {
		if !deliverable(irq) {
			return
		}
		if best == SpuriousID || irq.priority < bestPrio {
			best, bestPrio = id, irq.priority
		}
	}

	for id := range c.private[core] {
		consider(uint32(id), &c.private[core][id])
	}
	for i := range c.spis {
		irq := &c.spis[i]
		if irq.mode == RoutePE && irq.target != core {
			continue
		}
		consider(uint32(numPrivate+i), irq)
	}
	return best, bestPrio
}

// HighestPending returns the INTID Acknowledge would return on core, or
// SpuriousID when nothing is signalled.
func (c *Controller) HighestPending(core int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, prio := c.highestPending(core)
	if id == SpuriousID || !c.signalled(core, prio) {
		return SpuriousID
	}
	return id
}

// +checklocks:c.mu
func (c *Controller) signalled(core int, prio uint8) bool {
	return prio < c.cpus[core].pmr && prio < c.runningPriority(core)
}

// Acknowledge takes the highest priority EL3 interrupt signalled to core.
// The interrupt becomes active, its pending state is cleared and its
// priority becomes the running priority of the core. SpuriousID is returned
// when nothing passes the priority mask and running priority.
func (c *Controller) Acknowledge(core int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, prio := c.highestPending(core)
	if id == SpuriousID || !c.signalled(core, prio) {
		return SpuriousID
	}
	irq := c.irq(core, id)
	irq.pending = false
	irq.active = true
	if IsSPI(id) {
		irq.activeOn = core
	}
	cpu := &c.cpus[core]
	cpu.running = append(cpu.running, activeIRQ{id: id, priority: prio})
	return id
}

// EndOfInterrupt drops the running priority of id on core and deactivates
// it. Ending an interrupt that is not active on core panics.
func (c *Controller) EndOfInterrupt(core int, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	irq := c.irq(core, id)
	if !irq.active || (IsSPI(id) && irq.activeOn != core) {
		panic(fmt.Sprintf("gic: EOI of INTID %d which is not active on core %d", id, core))
	}
	cpu := &c.cpus[core]
	for i := len(cpu.running) - 1; i >= 0; i-- {
		if cpu.running[i].id == id {
			cpu.running = append(cpu.running[:i], cpu.running[i+1:]...)
			break
		}
	}
	irq.active = false
	if IsSPI(id) {
		irq.activeOn = -1
	}
}

// RaiseSGI makes SGI id pending on target.
func (c *Controller) RaiseSGI(id uint32, target int) error {
	if !IsSGI(id) {
		return fmt.Errorf("gic: INTID %d is not an SGI", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if target < 0 || target >= len(c.cpus) {
		return fmt.Errorf("gic: SGI %d target core %d out of range", id, target)
	}
	c.private[target][id].pending = true
	return nil
}

// Assert models a device raising SPI id.
func (c *Controller) Assert(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !IsSPI(id) || id-numPrivate >= uint32(len(c.spis)) {
		return fmt.Errorf("gic: cannot assert INTID %d as an SPI", id)
	}
	c.spis[id-numPrivate].pending = true
	return nil
}

// AssertPrivate models a core-local source raising PPI or SGI id on core.
func (c *Controller) AssertPrivate(core int, id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id >= numPrivate {
		return fmt.Errorf("gic: INTID %d is not private", id)
	}
	if core < 0 || core >= len(c.cpus) {
		return fmt.Errorf("gic: core %d out of range", core)
	}
	c.private[core][id].pending = true
	return nil
}
