package loader

import (
	"fmt"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// PreconditionError reports an operation attempted before its required
// capability was established.
type PreconditionError struct {
	Op      string
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s requires %s", e.Op, e.Missing)
}

// RecreationFailure reports that a vat could not be rebuilt from persisted
// state at startup. There is no remaining way to report the failure to the
// vat's original callers, so this is always kernel-fatal.
type RecreationFailure struct {
	VatID types.VatID
	Err   error
}

func (e *RecreationFailure) Error() string {
	return fmt.Sprintf("cannot recreate vat %s: %v", e.VatID, e.Err)
}

func (e *RecreationFailure) Unwrap() error {
	return e.Err
}
