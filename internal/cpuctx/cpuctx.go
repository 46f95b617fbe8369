// Package cpuctx models the per-core CPU context an EL3 monitor keeps for
// each security world: general purpose registers, the EL3 exception return
// state and the banked EL1/EL2 system registers that are swapped on a
// world switch.
package cpuctx

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCore     = errors.New("invalid core index")
	ErrInvalidClientEL = errors.New("client exception level must be 1 or 2")
)

// SecurityState identifies the world a core was executing in.
type SecurityState uint8

const (
	Secure SecurityState = iota
	NonSecure
)

// Other returns the opposite world.
func (s SecurityState) Other() SecurityState {
	if s == Secure {
		return NonSecure
	}
	return Secure
}

func (s SecurityState) String() string {
	switch s {
	case Secure:
		return "secure"
	case NonSecure:
		return "non-secure"
	default:
		return fmt.Sprintf("SecurityState(%d)", s)
	}
}

// NumGPRegs is the number of general purpose registers (X0-X30).
const NumGPRegs = 31

// SysRegs holds the banked lower-EL system registers that belong to a world.
type SysRegs struct {
	ELREL1   uint64
	SPSREL1  uint64
	VBAREL1  uint64
	SCTLREL1 uint64
	ELREL2   uint64
	SPSREL2  uint64
}

// Context is the saved state of one world on one core.
type Context struct {
	X [NumGPRegs]uint64

	// EL3 exception return state.
	ELR  uint64
	SPSR uint64

	SysRegs SysRegs
}

// GP returns general purpose register n.
func (c *Context) GP(n int) uint64 { return c.X[n] }

// SetGP sets general purpose register n.
func (c *Context) SetGP(n int, v uint64) { c.X[n] = v }

type core struct {
	ctx      [2]Context
	live     SysRegs
	nextEret SecurityState
}

// Manager owns the contexts of every core. A core's state must only be
// touched by the caller acting as that core.
type Manager struct {
	cores    []core
	clientEL uint8
}

// New builds a Manager for the given number of cores. The non-secure world
// of every core starts at the client exception level with all exceptions
// masked, and the next exception return targets the non-secure world.
func New(cores int, clientEL uint8) (*Manager, error) {
	if cores <= 0 {
		return nil, fmt.Errorf("cpuctx: %d cores: %w", cores, ErrInvalidCore)
	}
	if clientEL != 1 && clientEL != 2 {
		return nil, fmt.Errorf("cpuctx: EL%d: %w", clientEL, ErrInvalidClientEL)
	}

	m := &Manager{
		cores:    make([]core, cores),
		clientEL: clientEL,
	}
	for i := range m.cores {
		c := &m.cores[i]
		c.ctx[NonSecure].SPSR = SPSR64(clientEL, ModeSPELx, DAIFAll)
		c.ctx[Secure].SPSR = SPSR64(1, ModeSPELx, DAIFAll)
		c.nextEret = NonSecure
	}
	return m, nil
}

// Cores returns the number of cores managed.
func (m *Manager) Cores() int { return len(m.cores) }

// ClientEL returns the exception level the non-secure client runs at.
func (m *Manager) ClientEL() uint8 { return m.clientEL }

func (m *Manager) core(idx int) *core {
	if idx < 0 || idx >= len(m.cores) {
		panic(fmt.Sprintf("cpuctx: core %d out of range [0, %d)", idx, len(m.cores)))
	}
	return &m.cores[idx]
}

// Context returns the saved context of world ss on core.
func (m *Manager) Context(core int, ss SecurityState) *Context {
	return &m.core(core).ctx[ss]
}

// SaveSysRegs copies the live lower-EL system registers into the context of
// world ss.
func (m *Manager) SaveSysRegs(core int, ss SecurityState) {
	c := m.core(core)
	c.ctx[ss].SysRegs = c.live
}

// RestoreSysRegs loads the system registers saved for world ss into the
// live registers.
func (m *Manager) RestoreSysRegs(core int, ss SecurityState) {
	c := m.core(core)
	c.live = c.ctx[ss].SysRegs
}

// LiveSysRegs returns the system registers currently loaded on core.
func (m *Manager) LiveSysRegs(core int) *SysRegs {
	return &m.core(core).live
}

// SetNextEret selects the world the next exception return enters.
func (m *Manager) SetNextEret(core int, ss SecurityState) {
	m.core(core).nextEret = ss
}

// NextEret returns the world the next exception return enters.
func (m *Manager) NextEret(core int) SecurityState {
	return m.core(core).nextEret
}

// SetELRSPSR sets the EL3 exception return address and state for world ss.
func (m *Manager) SetELRSPSR(core int, ss SecurityState, elr, spsr uint64) {
	ctx := &m.core(core).ctx[ss]
	ctx.ELR = elr
	ctx.SPSR = spsr
}
