package fed

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure classes surfaced by the runtime.
type ErrorKind int

const (
	// ErrInvalidIdentifier marks an unknown federate or handle id.
	ErrInvalidIdentifier ErrorKind = iota
	// ErrNameInUse marks a name collision within a registration namespace.
	ErrNameInUse
	// ErrFrozen marks a registration attempted after the federation
	// started operating.
	ErrFrozen
	// ErrLookAheadViolation marks a send whose explicit timestamp is
	// inside the federate's look-ahead horizon.
	ErrLookAheadViolation
	// ErrPhaseViolation marks an operation illegal in the federate's
	// current phase.
	ErrPhaseViolation
	// ErrUnknownDestination marks a message whose destination endpoint
	// could not be resolved anywhere in the federation.
	ErrUnknownDestination
	// ErrTransportFailure marks a broker connection or transmit failure.
	ErrTransportFailure
	// ErrTimeout marks an expired wait; the federation is unaffected.
	ErrTimeout
	// ErrIterationLimit marks an iterative time request that hit the
	// federate's maximum iteration count without convergence.
	ErrIterationLimit
)

var kindNames = map[ErrorKind]string{
	ErrInvalidIdentifier:  "invalid-identifier",
	ErrNameInUse:          "name-in-use",
	ErrFrozen:             "frozen",
	ErrLookAheadViolation: "look-ahead-violation",
	ErrPhaseViolation:     "phase-violation",
	ErrUnknownDestination: "unknown-destination",
	ErrTransportFailure:   "transport-failure",
	ErrTimeout:            "timeout",
	ErrIterationLimit:     "iteration-limit",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("error-kind(%d)", int(k))
}

// Error is the out-of-band failure channel of the federate API: a kind
// plus a human-readable message.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Msg
}

// Is supports errors.Is matching against another *Error by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds a runtime error of the given kind.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, returning ok=false for errors
// that did not originate in the runtime.
func KindOf(err error) (ErrorKind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}
