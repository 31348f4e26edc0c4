package transcript

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// Replayer walks a recorded transcript while a reconstructed vat re-executes
// it. During replay the vat's syscalls are not applied; each one is checked
// against the recording and answered with the recorded result.
type Replayer struct {
	vatID   types.VatID
	entries []Entry
	crank   int // index of the crank currently being replayed
	pos     int // index of the next expected syscall within that crank
	active  bool
}

// NewReplayer prepares replay of the given entries.
func NewReplayer(vatID types.VatID, entries []Entry) *Replayer {
	return &Replayer{vatID: vatID, entries: entries, crank: -1}
}

// BeginCrank advances to the next recorded crank and returns the delivery to
// re-inject. ok is false when the transcript is fully consumed.
func (r *Replayer) BeginCrank() (types.VatDelivery, bool) {
	if r.crank+1 >= len(r.entries) {
		return types.VatDelivery{}, false
	}
	r.crank++
	r.pos = 0
	r.active = true
	return r.entries[r.crank].Delivery, true
}

// HandleSyscall checks one vat-issued syscall against the recording and
// returns the recorded result. Any mismatch is a DeterminismViolationError.
func (r *Replayer) HandleSyscall(vs types.VatSyscall) (types.SyscallResult, error) {
	if !r.active {
		return types.SyscallResult{}, &DeterminismViolationError{
			VatID:  r.vatID,
			Crank:  uint64(r.crank + 1),
			Reason: "syscall issued outside a replayed crank",
		}
	}
	recorded := r.entries[r.crank].Syscalls
	if r.pos >= len(recorded) {
		return types.SyscallResult{}, &DeterminismViolationError{
			VatID:  r.vatID,
			Crank:  uint64(r.crank),
			Reason: fmt.Sprintf("extra syscall %s beyond the %d recorded", vs.Kind, len(recorded)),
		}
	}
	rec := recorded[r.pos]

	got, err := types.Encode(vs)
	if err != nil {
		return types.SyscallResult{}, err
	}
	want, err := types.Encode(rec.Syscall)
	if err != nil {
		return types.SyscallResult{}, err
	}
	if !bytes.Equal(got, want) {
		return types.SyscallResult{}, &DeterminismViolationError{
			VatID:  r.vatID,
			Crank:  uint64(r.crank),
			Reason: fmt.Sprintf("syscall %d: issued %s, recorded %s", r.pos, vs.Kind, rec.Syscall.Kind),
		}
	}
	r.pos++
	return rec.Result, nil
}

// FinishCrank verifies the vat issued every recorded syscall for the crank.
func (r *Replayer) FinishCrank() error {
	recorded := r.entries[r.crank].Syscalls
	r.active = false
	if r.pos != len(recorded) {
		return &DeterminismViolationError{
			VatID:  r.vatID,
			Crank:  uint64(r.crank),
			Reason: fmt.Sprintf("vat issued %d of %d recorded syscalls", r.pos, len(recorded)),
		}
	}
	return nil
}

// DeliverFn re-injects one delivery into the reconstructed vat. The vat's
// syscalls must be routed to the Replayer's HandleSyscall while the call is
// in flight.
type DeliverFn func(ctx context.Context, vd types.VatDelivery) error

// Run drives a complete replay: every recorded crank is re-delivered in order
// and checked. Any error is a determinism violation or a vat failure, both of
// which the caller must treat as fatal.
func (r *Replayer) Run(ctx context.Context, deliver DeliverFn) error {
	for {
		vd, ok := r.BeginCrank()
		if !ok {
			return nil
		}
		if err := deliver(ctx, vd); err != nil {
			return err
		}
		if err := r.FinishCrank(); err != nil {
			return err
		}
	}
}
