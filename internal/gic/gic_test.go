package gic

import (
	"testing"
)

func newController(t *testing.T, cores, spis int) *Controller {
	t.Helper()
	c, err := New(cores, spis)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func configure(c *Controller, core int, id uint32, prio uint8) {
	c.SetGroup(core, id, GroupEL3)
	c.SetPriority(core, id, prio)
	c.EnableInterrupt(core, id)
}

func TestNewValidates(t *testing.T) {
	if _, err := New(0, 32); err == nil {
		t.Fatalf("New(0, 32) succeeded")
	}
	if _, err := New(1, 2000); err == nil {
		t.Fatalf("New(1, 2000) succeeded")
	}
}

func TestAcknowledgeHighestPriority(t *testing.T) {
	c := newController(t, 1, 32)
	configure(c, 0, 40, 0x70)
	configure(c, 0, 41, 0x60)
	c.SetRouting(40, RoutePE, 0)
	c.SetRouting(41, RoutePE, 0)
	if err := c.Assert(40); err != nil {
		t.Fatal(err)
	}
	if err := c.Assert(41); err != nil {
		t.Fatal(err)
	}

	if got := c.Acknowledge(0); got != 41 {
		t.Fatalf("Acknowledge = %d, want 41", got)
	}
	if got := c.RunningPriority(0); got != 0x60 {
		t.Fatalf("RunningPriority = %#x, want 0x60", got)
	}
	// 40 is lower priority than the running interrupt.
	if got := c.Acknowledge(0); got != SpuriousID {
		t.Fatalf("Acknowledge while 41 running = %d, want spurious", got)
	}

	c.EndOfInterrupt(0, 41)
	if got := c.Acknowledge(0); got != 40 {
		t.Fatalf("Acknowledge after EOI = %d, want 40", got)
	}
	c.EndOfInterrupt(0, 40)
	if got := c.RunningPriority(0); got != IdlePriority {
		t.Fatalf("RunningPriority after EOI = %#x, want idle", got)
	}
}

func TestPriorityMask(t *testing.T) {
	c := newController(t, 1, 0)
	configure(c, 0, 8, 0x70)
	if err := c.AssertPrivate(0, 8); err != nil {
		t.Fatal(err)
	}

	if old := c.SetPriorityMask(0, 0x70); old != IdlePriority {
		t.Fatalf("old PMR = %#x, want idle", old)
	}
	if got := c.HighestPending(0); got != SpuriousID {
		t.Fatalf("HighestPending under mask = %d, want spurious", got)
	}
	c.SetPriorityMask(0, IdlePriority)
	if got := c.Acknowledge(0); got != 8 {
		t.Fatalf("Acknowledge = %d, want 8", got)
	}
}

func TestOnlyEL3GroupIsTaken(t *testing.T) {
	c := newController(t, 1, 0)
	c.SetPriority(0, 20, 0x10)
	c.EnableInterrupt(0, 20)
	if err := c.AssertPrivate(0, 20); err != nil {
		t.Fatal(err)
	}
	if got := c.Acknowledge(0); got != SpuriousID {
		t.Fatalf("Acknowledge of non-secure interrupt = %d", got)
	}
}

func TestPrivateInterruptsAreBanked(t *testing.T) {
	c := newController(t, 2, 0)
	configure(c, 0, 23, 0x70)
	configure(c, 1, 23, 0x70)
	if err := c.AssertPrivate(1, 23); err != nil {
		t.Fatal(err)
	}
	if got := c.Acknowledge(0); got != SpuriousID {
		t.Fatalf("core 0 took core 1's PPI")
	}
	if got := c.Acknowledge(1); got != 23 {
		t.Fatalf("core 1 Acknowledge = %d, want 23", got)
	}
	if c.IsActive(0, 23) || !c.IsActive(1, 23) {
		t.Fatalf("active state not banked")
	}
}

func TestSPIRouting(t *testing.T) {
	c := newController(t, 2, 32)
	configure(c, 0, 50, 0x70)

	c.SetRouting(50, RoutePE, 1)
	if err := c.Assert(50); err != nil {
		t.Fatal(err)
	}
	if got := c.Acknowledge(0); got != SpuriousID {
		t.Fatalf("core 0 took SPI routed to core 1")
	}

	c.SetRouting(50, RouteAny, 0)
	if got := c.Acknowledge(0); got != 50 {
		t.Fatalf("route-any Acknowledge on core 0 = %d", got)
	}
	if err := c.Assert(50); err != nil {
		t.Fatal(err)
	}
	// Active on core 0, so core 1 cannot take it again.
	if got := c.Acknowledge(1); got != SpuriousID {
		t.Fatalf("core 1 took SPI active on core 0")
	}
	c.EndOfInterrupt(0, 50)
	if got := c.Acknowledge(1); got != 50 {
		t.Fatalf("core 1 Acknowledge after EOI = %d", got)
	}
}

func TestRaiseSGI(t *testing.T) {
	c := newController(t, 2, 0)
	configure(c, 1, 8, 0x70)
	if err := c.RaiseSGI(8, 1); err != nil {
		t.Fatalf("RaiseSGI: %v", err)
	}
	if !c.IsPending(1, 8) || c.IsPending(0, 8) {
		t.Fatalf("SGI pending on wrong core")
	}
	if err := c.RaiseSGI(20, 0); err == nil {
		t.Fatalf("RaiseSGI of a PPI succeeded")
	}
	if err := c.RaiseSGI(8, 2); err == nil {
		t.Fatalf("RaiseSGI to missing core succeeded")
	}
}

func TestEOIOfInactivePanics(t *testing.T) {
	c := newController(t, 1, 0)
	defer func() {
		if recover() == nil {
			t.Fatalf("EndOfInterrupt of inactive interrupt did not panic")
		}
	}()
	c.EndOfInterrupt(0, 8)
}
