package sdei

import (
	"fmt"
	"math"

	"github.com/tinyrange/sdei/internal/cpuctx"
)

// FunctionID is an SDEI SMC function identifier (SMC64 fast calls).
type FunctionID uint32

const (
	FnVersion FunctionID = 0xC4000020 + iota
	FnEventRegister
	FnEventEnable
	FnEventDisable
	FnEventContext
	FnEventComplete
	FnEventCompleteAndResume
	FnEventUnregister
	FnEventStatus
	FnEventGetInfo
	FnEventRoutingSet
	FnPEMask
	FnPEUnmask
	FnInterruptBind
	FnInterruptRelease
	FnEventSignal
	FnFeatures
	FnPrivateReset
	FnSharedReset
)

var functionNames = [...]string{
	"SDEI_VERSION",
	"SDEI_EVENT_REGISTER",
	"SDEI_EVENT_ENABLE",
	"SDEI_EVENT_DISABLE",
	"SDEI_EVENT_CONTEXT",
	"SDEI_EVENT_COMPLETE",
	"SDEI_EVENT_COMPLETE_AND_RESUME",
	"SDEI_EVENT_UNREGISTER",
	"SDEI_EVENT_STATUS",
	"SDEI_EVENT_GET_INFO",
	"SDEI_EVENT_ROUTING_SET",
	"SDEI_PE_MASK",
	"SDEI_PE_UNMASK",
	"SDEI_INTERRUPT_BIND",
	"SDEI_INTERRUPT_RELEASE",
	"SDEI_EVENT_SIGNAL",
	"SDEI_FEATURES",
	"SDEI_PRIVATE_RESET",
	"SDEI_SHARED_RESET",
}

func (f FunctionID) String() string {
	if f >= FnVersion && f <= FnSharedReset {
		return functionNames[f-FnVersion]
	}
	return fmt.Sprintf("FunctionID(%#x)", uint32(f))
}

// ParseFunctionID returns the function named name, with or without the
// SDEI_ prefix.
func ParseFunctionID(name string) (FunctionID, error) {
	for i, n := range functionNames {
		if n == name || n == "SDEI_"+name {
			return FnVersion + FunctionID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown SDEI function %q", name)
}

const (
	versionMajor  = 1
	versionMinor  = 0
	versionVendor = 0

	// FeatureBindSlots is the FEATURES query for dynamic slot counts.
	FeatureBindSlots = 0
)

// Version is the value SDEI_VERSION returns.
func Version() uint64 {
	return uint64(versionMajor)<<48 | uint64(versionMinor)<<32 | uint64(versionVendor)
}

// HandleSMC services the SDEI call in the registers of world on core. X0
// holds the function id and X1-X5 the arguments. The result is written back
// to X0, except after a successful completion, which has already replaced
// the context.
func (s *Service) HandleSMC(core int, world cpuctx.SecurityState) {
	ctx := s.ctx.Context(core, world)
	fid := FunctionID(uint32(ctx.GP(0)))
	args := [5]uint64{ctx.GP(1), ctx.GP(2), ctx.GP(3), ctx.GP(4), ctx.GP(5)}

	ret := s.call(core, world, fid, args)
	if (fid == FnEventComplete || fid == FnEventCompleteAndResume) && ret == Success {
		return
	}
	ctx.SetGP(0, uint64(ret))
}

// Call services an SDEI call made by world on core with up to five
// arguments and returns its result.
func (s *Service) Call(core int, world cpuctx.SecurityState, fid FunctionID, args ...uint64) Status {
	var a [5]uint64
	if len(args) > len(a) {
		return Invalid
	}
	copy(a[:], args)
	return s.call(core, world, fid, a)
}

// fromClient reports whether the caller is the non-secure client at the
// expected exception level.
func (s *Service) fromClient(core int, world cpuctx.SecurityState) bool {
	if world != cpuctx.NonSecure {
		return false
	}
	spsr := s.ctx.Context(core, world).SPSR
	return cpuctx.IsAArch64(spsr) && cpuctx.ELFromSPSR(spsr) == s.ctx.ClientEL()
}

func eventArg(x uint64) (int32, bool) {
	if x > math.MaxInt32 {
		return 0, false
	}
	return int32(x), true
}

func (s *Service) call(core int, world cpuctx.SecurityState, fid FunctionID, a [5]uint64) Status {
	if !s.fromClient(core, world) {
		s.logger.Warn("sdei: call from outside the client", "core", core, "fid", fid, "world", world)
		return Unknown
	}
	ret := s.dispatchCall(core, fid, a)

	s.logger.Debug("sdei: call", "core", core, "fid", fid,
		"x1", a[0], "x2", a[1], "x3", a[2], "x4", a[3], "x5", a[4], "ret", ret)
	ev, _ := eventArg(a[0])
	s.trace.Call(core, uint32(fid), ev, int64(ret))
	return ret
}

func (s *Service) dispatchCall(core int, fid FunctionID, a [5]uint64) Status {
	switch fid {
	case FnVersion:
		return Status(Version())
	case FnEventContext:
		return s.Context(core, a[0])
	case FnEventComplete:
		return s.Complete(core, false, a[0])
	case FnEventCompleteAndResume:
		return s.Complete(core, true, a[0])
	case FnPEMask:
		return s.Mask(core)
	case FnPEUnmask:
		return s.Unmask(core)
	case FnInterruptBind:
		if a[0] > math.MaxUint32 {
			return Invalid
		}
		return s.Bind(core, uint32(a[0]))
	case FnFeatures:
		return s.Features(a[0])
	case FnPrivateReset:
		return s.PrivateReset(core)
	case FnSharedReset:
		return s.SharedReset(core)
	}

	// The rest take an event number.
	if fid < FnVersion || fid > FnSharedReset {
		s.logger.Warn("sdei: unimplemented call", "core", core, "fid", fid)
		return Unknown
	}
	ev, ok := eventArg(a[0])
	if !ok {
		return Invalid
	}
	switch fid {
	case FnEventRegister:
		return s.Register(core, ev, a[1], a[2], RegisterFlags(a[3]), a[4])
	case FnEventEnable:
		return s.Enable(core, ev)
	case FnEventDisable:
		return s.Disable(core, ev)
	case FnEventUnregister:
		return s.Unregister(core, ev)
	case FnEventStatus:
		return s.Status(core, ev)
	case FnEventGetInfo:
		return s.GetInfo(core, ev, InfoField(a[1]))
	case FnEventRoutingSet:
		return s.RoutingSet(core, ev, RegisterFlags(a[1]), a[2])
	case FnInterruptRelease:
		return s.Release(core, ev)
	case FnEventSignal:
		return s.Signal(core, ev, a[1])
	}
	return Unknown
}

// Signal raises signalable event ev on the core with affinity target.
func (s *Service) Signal(core int, ev int32, target uint64) Status {
	m := s.table.Find(ev)
	if m == nil || !m.Signalable() {
		return Invalid
	}
	tgt, ok := s.ctx.CoreFromMPIDR(target)
	if !ok {
		return Invalid
	}
	if err := s.ctrl.RaiseSGI(m.Interrupt(), tgt); err != nil {
		s.logger.Debug("sdei: signal failed", "core", core, "event", ev, "target", tgt, "err", err)
		return Invalid
	}
	return Success
}

// Features answers an SDEI_FEATURES query.
func (s *Service) Features(feature uint64) Status {
	if feature != FeatureBindSlots {
		return Invalid
	}
	private, shared := s.table.dynamicSlots()
	return Status(private<<16 | shared)
}

// PrivateReset unregisters every private event of core. It stops at the
// first event that is still running.
func (s *Service) PrivateReset(core int) Status {
	for _, m := range s.table.private {
		if !m.Bound() {
			continue
		}
		// Not being registered is fine; running is not.
		if s.Unregister(core, m.event) == Pending {
			return Pending
		}
	}
	return Success
}

// SharedReset unregisters every shared event and releases every bound
// dynamic event. It fails if an event is still running, or if a dynamic
// event is still registered somewhere.
func (s *Service) SharedReset(core int) Status {
	for _, m := range s.table.shared {
		if !m.Bound() {
			continue
		}
		if s.Unregister(core, m.event) == Pending {
			return Pending
		}
	}

	for _, maps := range [][]*EventMap{s.table.private, s.table.shared} {
		for _, m := range maps {
			if !m.Dynamic() || !m.Bound() {
				continue
			}
			if s.Release(core, m.event) != Success {
				return Denied
			}
		}
	}
	return Success
}
