package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/loader"
	"github.com/vatkit/vatkit/internal/pkg/transcript"
	"github.com/vatkit/vatkit/internal/pkg/types"
)

// PanicError wraps a kernel-fatal condition. Run returns it instead of
// raising a process-wide panic; the embedder decides how to die.
type PanicError struct {
	Err error
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("kernel halted: %v", e.Err)
}

func (e *PanicError) Unwrap() error {
	return e.Err
}

// errInvariant marks internal bookkeeping violations: persisted state the
// kernel itself wrote has gone inconsistent, which invalidates every
// guarantee downstream.
var errInvariant = errors.New("kernel invariant violation")

// IsKernelFatal classifies an error escaping a crank or a restart. Fatal
// errors stop the whole run loop; everything else terminates only the
// offending vat.
func IsKernelFatal(err error) bool {
	var dv *transcript.DeterminismViolationError
	if errors.As(err, &dv) {
		return true
	}
	var rf *loader.RecreationFailure
	if errors.As(err, &rf) {
		return true
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, errInvariant)
}

// vatFault is route's signal that a crank failed in a way attributable to
// one vat: the vat is terminated and the kernel continues.
type vatFault struct {
	vatID types.VatID
	cause error
}

func (e *vatFault) Error() string {
	return fmt.Sprintf("vat %s failed: %v", e.vatID, e.cause)
}

func (e *vatFault) Unwrap() error {
	return e.cause
}
