package cpuctx

import "fmt"

// AArch64 SPSR layout.
const (
	// Stack pointer selection in M[0].
	ModeSPEL0 = 0
	ModeSPELx = 1

	spsrELShift   = 2
	spsrELMask    = 0x3
	spsrDAIFShift = 6
	spsrDAIFMask  = 0xf
	spsrRW32      = 1 << 4

	// DAIFAll masks debug, SError, IRQ and FIQ.
	DAIFAll = 0xf
)

// SPSR64 encodes an AArch64 SPSR for a return to el with the given stack
// pointer selection and DAIF mask.
func SPSR64(el uint8, sp uint8, daif uint8) uint64 {
	return uint64(daif&spsrDAIFMask)<<spsrDAIFShift |
		uint64(el&spsrELMask)<<spsrELShift |
		uint64(sp&1)
}

// ELFromSPSR returns the exception level encoded in an AArch64 SPSR.
func ELFromSPSR(spsr uint64) uint8 {
	return uint8((spsr >> spsrELShift) & spsrELMask)
}

// IsAArch64 reports whether spsr describes an AArch64 state.
func IsAArch64(spsr uint64) bool {
	return spsr&spsrRW32 == 0
}

// DAIF returns the exception mask bits of spsr.
func DAIF(spsr uint64) uint8 {
	return uint8((spsr >> spsrDAIFShift) & spsrDAIFMask)
}

// MPIDR affinity fields.
const (
	mpidrAff0Mask  = 0xff
	mpidrAffMask   = 0xff00ffffff
	mpidrAff0Shift = 0
	mpidrMaxCores  = 256
)

// MPIDR returns the affinity value of core. Cores are laid out flat in Aff0.
func MPIDR(core int) uint64 {
	if core < 0 || core >= mpidrMaxCores {
		panic(fmt.Sprintf("cpuctx: core %d has no flat MPIDR", core))
	}
	return uint64(core) << mpidrAff0Shift
}

// CoreFromMPIDR returns the core index addressed by mpidr. Only the affinity
// fields are considered.
func (m *Manager) CoreFromMPIDR(mpidr uint64) (int, bool) {
	aff := mpidr & mpidrAffMask
	if aff&^mpidrAff0Mask != 0 {
		return 0, false
	}
	idx := int(aff & mpidrAff0Mask)
	if idx >= len(m.cores) {
		return 0, false
	}
	return idx, true
}
