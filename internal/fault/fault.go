package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Kind implements error so it can be used directly
// as an errors.Is target.
type Kind int

const (
	// Unknown is returned by KindOf for errors that carry no Kind.
	Unknown Kind = iota
	AllocationFailure
	RadioJoinFailure
	AddressAcquisitionFailure
	ResolverConfigurationFailure
	TimeSyncFailure
	TransportFailure
	BufferOverflow
)

var kindNames = map[Kind]string{
	Unknown:                      "unknown",
	AllocationFailure:            "allocation failure",
	RadioJoinFailure:             "radio join failure",
	AddressAcquisitionFailure:    "address acquisition failure",
	ResolverConfigurationFailure: "resolver configuration failure",
	TimeSyncFailure:              "time sync failure",
	TransportFailure:             "transport failure",
	BufferOverflow:               "buffer overflow",
}

// String returns the human-readable kind name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Op names the stage or operation that failed (e.g. "rx-pool", "publish").
	Op string

	// Err is the underlying cause. May be nil.
	Err error
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches a bare Kind target against this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind of the first classified error in err's chain,
// or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// OpOf returns the Op of the first classified error in err's chain.
func OpOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Op
	}
	return ""
}
