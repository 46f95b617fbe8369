package machine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/sdei/internal/cpuctx"
	"github.com/tinyrange/sdei/internal/sdei"
	"github.com/tinyrange/sdei/internal/trace"
)

const (
	entryP = 0x4000
	argA   = 0xa5a5
)

func newMachine(t *testing.T, p sdei.Platform) *Machine {
	t.Helper()
	m, err := New(p, Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func expect(t *testing.T, got, want sdei.Status, what string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}

func TestSignalEventZero(t *testing.T) {
	m := newMachine(t, sdei.DefaultPlatform())

	expect(t, m.SMC(1, sdei.FnEventRegister, 0, entryP, argA, uint64(sdei.RouteAny), 0), sdei.Success, "register")
	expect(t, m.SMC(1, sdei.FnEventEnable, 0), sdei.Success, "enable")

	// State of the client when the event arrives.
	ctx := m.CPUs.Context(1, cpuctx.NonSecure)
	for i := 0; i < 4; i++ {
		ctx.SetGP(i, 0x700+uint64(i))
	}
	ctx.ELR = 0x8800
	pstate := ctx.SPSR

	var regs, saved []uint64
	m.Install(entryP, func(h *HandlerCall) {
		regs = []uint64{uint64(h.Event), h.Arg, h.PC, h.PSTATE}
		for i := uint64(0); i < 4; i++ {
			saved = append(saved, uint64(h.Context(i)))
		}
		expect(t, h.Complete(), sdei.Success, "complete")
	})

	expect(t, m.SMC(0, sdei.FnEventSignal, 0, cpuctx.MPIDR(1)), sdei.Success, "signal")
	if m.Pending(0) {
		t.Fatalf("signal reached core 0")
	}
	h := m.Run(1)
	if h == nil || h.Running() {
		t.Fatalf("Run = %+v", h)
	}

	// The handler is entered with event, argument, PC and PSTATE in X0..X3;
	// EVENT_CONTEXT reads back the registers saved from the preempted client.
	if diff := cmp.Diff([]uint64{0, argA, 0x8800, pstate}, regs); diff != "" {
		t.Fatalf("handler registers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x700, 0x701, 0x702, 0x703}, saved); diff != "" {
		t.Fatalf("EVENT_CONTEXT mismatch (-want +got):\n%s", diff)
	}
	if ctx.ELR != 0x8800 || ctx.GP(0) != 0x700 {
		t.Fatalf("client not resumed: ELR %#x X0 %#x", ctx.ELR, ctx.GP(0))
	}
}

func TestSharedRouteAny(t *testing.T) {
	m := newMachine(t, sdei.DefaultPlatform())

	expect(t, m.SMC(0, sdei.FnEventRegister, 1804, entryP, argA, uint64(sdei.RouteAny), 0), sdei.Success, "register")
	expect(t, m.SMC(0, sdei.FnEventEnable, 1804), sdei.Success, "enable")
	if err := m.Assert(35); err != nil {
		t.Fatal(err)
	}

	h := m.Step(2)
	if h == nil || h.Event != 1804 {
		t.Fatalf("core 2 Step = %+v", h)
	}
	expect(t, h.SMC(sdei.FnEventGetInfo, 1804, uint64(sdei.InfoRoutingMode)), 0, "routing mode")
	expect(t, h.SMC(sdei.FnEventGetInfo, 1804, uint64(sdei.InfoRoutingAffinity)), sdei.Invalid, "routing affinity")
	expect(t, h.Complete(), sdei.Success, "complete")
	expect(t, h.Complete(), sdei.Denied, "second complete")
}

func TestReregisterUsesNewEntryPoint(t *testing.T) {
	m := newMachine(t, sdei.DefaultPlatform())
	var hits []uint64
	for _, ep := range []uint64{0x4000, 0x4400} {
		m.Install(ep, func(h *HandlerCall) {
			hits = append(hits, ep)
			h.Complete()
		})
	}

	expect(t, m.SMC(0, sdei.FnEventRegister, 8, 0x4000, 0, uint64(sdei.RouteAny), 0), sdei.Success, "register")
	expect(t, m.SMC(0, sdei.FnEventUnregister, 8), sdei.Success, "unregister")
	expect(t, m.SMC(0, sdei.FnEventRegister, 8, 0x4400, 0, uint64(sdei.RouteAny), 0), sdei.Success, "register again")
	expect(t, m.SMC(0, sdei.FnEventEnable, 8), sdei.Success, "enable")

	if err := m.AssertPrivate(0, 23); err != nil {
		t.Fatal(err)
	}
	m.Run(0)
	if diff := cmp.Diff([]uint64{0x4400}, hits); diff != "" {
		t.Fatalf("entry points mismatch (-want +got):\n%s", diff)
	}
}

func TestPreemptFromHandler(t *testing.T) {
	p := sdei.DefaultPlatform()
	p.Shared = append(p.Shared[:2:2], sdei.EventSpec{Event: 2000, Interrupt: 36, Critical: true})
	m := newMachine(t, p)

	var order []int32
	m.Install(0x4000, func(h *HandlerCall) {
		order = append(order, h.Event)
		if err := m.Assert(36); err != nil {
			t.Fatal(err)
		}
		inner := h.Preempt()
		if inner == nil || inner.Event != 2000 || inner.Running() {
			t.Fatalf("Preempt = %+v", inner)
		}
		if inner.PC != 0x4000 {
			t.Fatalf("critical event preempted PC %#x", inner.PC)
		}
		order = append(order, -h.Event)
		h.Complete()
	})
	m.Install(0x4800, func(h *HandlerCall) {
		order = append(order, h.Event)
		h.Complete()
	})

	expect(t, m.SMC(0, sdei.FnEventRegister, 1804, 0x4000, 0, uint64(sdei.RouteAny), 0), sdei.Success, "register 1804")
	expect(t, m.SMC(0, sdei.FnEventEnable, 1804), sdei.Success, "enable 1804")
	expect(t, m.SMC(0, sdei.FnEventRegister, 2000, 0x4800, 0, uint64(sdei.RouteAny), 0), sdei.Success, "register 2000")
	expect(t, m.SMC(0, sdei.FnEventEnable, 2000), sdei.Success, "enable 2000")

	if err := m.Assert(35); err != nil {
		t.Fatal(err)
	}
	m.Run(0)
	if diff := cmp.Diff([]int32{1804, 2000, -1804}, order); diff != "" {
		t.Fatalf("handler order mismatch (-want +got):\n%s", diff)
	}
	if m.SDEI.Depth(0) != 0 {
		t.Fatalf("Depth = %d", m.SDEI.Depth(0))
	}
}

func TestSecureWorldCalls(t *testing.T) {
	m := newMachine(t, sdei.DefaultPlatform())
	expect(t, m.CallFrom(0, cpuctx.Secure, sdei.FnVersion), sdei.Unknown, "secure VERSION")
	expect(t, m.SMC(0, sdei.FnVersion), sdei.Status(sdei.Version()), "VERSION")

	expect(t, m.SMC(0, sdei.FnEventRegister, 8, entryP, 0, uint64(sdei.RouteAny), 0), sdei.Success, "register")
	expect(t, m.SMC(0, sdei.FnEventEnable, 8), sdei.Success, "enable")
	m.EnterWorld(0, cpuctx.Secure)
	if err := m.AssertPrivate(0, 23); err != nil {
		t.Fatal(err)
	}
	h := m.Step(0)
	if h == nil || m.World(0) != cpuctx.NonSecure {
		t.Fatalf("event not delivered to the client: %+v in %v", h, m.World(0))
	}
	expect(t, h.Complete(), sdei.Success, "complete")
	if m.World(0) != cpuctx.Secure {
		t.Fatalf("returned to %v", m.World(0))
	}
}

func TestScenarioFile(t *testing.T) {
	data := []byte(`
name: bind-and-dispatch
platform:
  cores: 2
  private:
    - event: 0
      interrupt: 8
      signalable: true
  shared:
    - event: 500
      dynamic: true
steps:
  - call: INTERRUPT_BIND
    args: [40]
    expect: 500
  - call: INTERRUPT_BIND
    args: [40]
    expect: 500
  - call: EVENT_REGISTER
    args: [500, 0x1000, 7, 0, 0]
    expect: 0
  - call: INTERRUPT_RELEASE
    args: [500]
    expect: -2
  - call: EVENT_ENABLE
    args: [500]
    expect: 0
  - assert: 40
  - core: 1
    take: true
    expectEvent: 500
  - core: 1
    call: EVENT_STATUS
    args: [500]
    expect: 7
  - core: 1
    complete: true
    expect: 0
  - core: 1
    complete: true
    expect: -3
  - call: EVENT_UNREGISTER
    args: [500]
    expect: 0
  - call: INTERRUPT_RELEASE
    args: [500]
    expect: 0
`)
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if sc.Platform == nil || sc.Platform.Cores != 2 || sc.Platform.SPIs != 64 {
		t.Fatalf("platform = %+v", sc.Platform)
	}

	m := newMachine(t, *sc.Platform)
	results, err := NewRunner(m).Run(sc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != len(sc.Steps) {
		t.Fatalf("%d results for %d steps", len(results), len(sc.Steps))
	}
	if got := results[6]; got.Event != 500 {
		t.Fatalf("take result = %+v", got)
	}
}

func TestScenarioExpectationFailure(t *testing.T) {
	sc, err := ParseScenario([]byte(`
name: wrong
steps:
  - call: EVENT_ENABLE
    args: [1804]
    expect: 0
`))
	if err != nil {
		t.Fatal(err)
	}
	m := newMachine(t, sdei.DefaultPlatform())
	if _, err := NewRunner(m).Run(sc); err == nil {
		t.Fatalf("enable of an unregistered event passed")
	}
}

func TestStress(t *testing.T) {
	rec, mem := trace.OpenMemory()
	m, err := New(sdei.DefaultPlatform(), Options{Logger: slog.New(slog.DiscardHandler), Trace: rec})
	if err != nil {
		t.Fatal(err)
	}

	const iterations = 50
	res, err := Stress(context.Background(), m, StressOptions{
		Iterations: iterations,
		Private:    8,
		Shared:     1804,
	})
	if err != nil {
		t.Fatalf("Stress: %v", err)
	}
	for core, n := range res.Private {
		if n != iterations {
			t.Fatalf("core %d handled %d private events, want %d", core, n, iterations)
		}
	}
	if res.Shared == 0 {
		t.Fatalf("shared event never handled")
	}
	for core := 0; core < m.Cores(); core++ {
		if st, _ := m.SDEI.EventState(core, 8); st != 0 {
			t.Fatalf("core %d: event 8 left %v", core, st)
		}
	}

	reader, err := trace.NewReaderFromBytes(mem.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	n, err := reader.Count(trace.SearchOptions{Kinds: []trace.Kind{trace.KindDispatch}, Events: []int32{8}})
	if err != nil {
		t.Fatal(err)
	}
	if n != iterations*m.Cores() {
		t.Fatalf("%d dispatch records, want %d", n, iterations*m.Cores())
	}
}

func TestStressSignal(t *testing.T) {
	m := newMachine(t, sdei.DefaultPlatform())
	res, err := Stress(context.Background(), m, StressOptions{Iterations: 10, Private: 0})
	if err != nil {
		t.Fatalf("Stress: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 10, 10, 10}, res.Private); diff != "" {
		t.Fatalf("dispatch counts mismatch (-want +got):\n%s", diff)
	}

	if _, err := Stress(context.Background(), m, StressOptions{Iterations: 1, Private: 1804}); err == nil {
		t.Fatalf("shared event accepted as private")
	}
}
