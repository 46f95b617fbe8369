package sdei

import (
	"errors"
	"fmt"
)

// Status is the value an SDEI call returns in X0. Negative values are
// errors; everything else is call specific.
type Status int64

const (
	Success  Status = 0
	Unknown  Status = -1
	Invalid  Status = -2
	Denied   Status = -3
	Pending  Status = -5
	NoMemory Status = -10
)

var (
	ErrNotSupported      = errors.New("sdei: not supported")
	ErrInvalidParameters = errors.New("sdei: invalid parameters")
	ErrDenied            = errors.New("sdei: denied")
	ErrPending           = errors.New("sdei: pending")
	ErrOutOfResource     = errors.New("sdei: out of resource")
)

// IsError reports whether s is an error code.
func (s Status) IsError() bool { return s < 0 }

// Err returns the sentinel error for s, or nil for non-negative values.
func (s Status) Err() error {
	switch {
	case s >= 0:
		return nil
	case s == Unknown:
		return ErrNotSupported
	case s == Invalid:
		return ErrInvalidParameters
	case s == Denied:
		return ErrDenied
	case s == Pending:
		return ErrPending
	case s == NoMemory:
		return ErrOutOfResource
	default:
		return fmt.Errorf("sdei: unknown status %d", int64(s))
	}
}

func (s Status) String() string {
	switch s {
	case Unknown:
		return "NOT_SUPPORTED"
	case Invalid:
		return "INVALID_PARAMETERS"
	case Denied:
		return "DENIED"
	case Pending:
		return "PENDING"
	case NoMemory:
		return "OUT_OF_RESOURCE"
	}
	if s >= 0 {
		return fmt.Sprintf("%#x", uint64(s))
	}
	return fmt.Sprintf("Status(%d)", int64(s))
}
