// Package meter enforces per-crank resource budgets for dynamic vats.
//
// A meter is a persisted counter of remaining compute/allocation units.
// Charging happens only during live execution, never during transcript
// replay. A charge that would underflow leaves the balance untouched, marks
// the meter exhausted, and surfaces MeterExhaustedError so the kernel can
// terminate the owning vat. Meters may be shared: every vat configured with
// the same meterID draws from the same balance.
package meter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

var log = logging.Logger("meter")

// Per-crank charge schedule. The constants are part of the kernel's
// deterministic behavior and must not vary across replicas.
const (
	// CrankCost is charged once for every delivery to a metered vat.
	CrankCost = uint64(1000)
	// SyscallCost is charged for each syscall the vat issues in a crank.
	SyscallCost = uint64(10)
)

// ID names a meter (m<N>).
type ID string

// NoMeter marks an unmetered vat.
const NoMeter = ID("")

// Validate checks the m<N> form.
func (id ID) Validate() error {
	s := string(id)
	if len(s) < 2 || s[0] != 'm' {
		return errors.Errorf("invalid meter ID %q", s)
	}
	if _, err := strconv.ParseUint(s[1:], 10, 64); err != nil {
		return errors.Errorf("invalid meter ID %q", s)
	}
	return nil
}

// State is the persisted balance of one meter. Threshold is the level at
// which embedders may want a low-balance notification; crossing it has no
// effect on execution.
type State struct {
	Remaining uint64 `cbor:"remaining"`
	Threshold uint64 `cbor:"threshold"`
	Exhausted bool   `cbor:"exhausted"`
}

// MeterExhaustedError reports a charge exceeding the remaining budget. The
// owning vat is terminated; the rest of the system continues.
type MeterExhaustedError struct {
	ID        ID
	Needed    uint64
	Remaining uint64
}

func (e *MeterExhaustedError) Error() string {
	return fmt.Sprintf("meter %s exhausted: needed %d, remaining %d", e.ID, e.Needed, e.Remaining)
}

var (
	meterPrefix = datastore.NewKey("/meters/state")
	counterKey  = datastore.NewKey("/meters/counter")
)

// Registry owns every meter's persisted state.
type Registry struct {
	ds datastore.Datastore
}

// NewRegistry builds a registry over the given datastore.
func NewRegistry(ds datastore.Datastore) *Registry {
	return &Registry{ds: ds}
}

// Create allocates a new meter with the given starting balance.
func (r *Registry) Create(ctx context.Context, remaining, threshold uint64) (ID, error) {
	n, err := r.nextIndex(ctx)
	if err != nil {
		return NoMeter, err
	}
	id := ID(fmt.Sprintf("m%d", n))
	if err := r.put(ctx, id, State{Remaining: remaining, Threshold: threshold}); err != nil {
		return NoMeter, err
	}
	log.Debugf("created meter %s remaining=%d", id, remaining)
	return id, nil
}

// Get reads a meter's state.
func (r *Registry) Get(ctx context.Context, id ID) (State, bool, error) {
	raw, err := r.ds.Get(ctx, meterPrefix.ChildString(string(id)))
	if err == datastore.ErrNotFound {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, errors.Wrapf(err, "reading meter %s", id)
	}
	var st State
	if err := types.Decode(raw, &st); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

// Charge deducts amount from the meter. On underflow the balance is left at
// its pre-charge value, the meter is marked exhausted, and
// MeterExhaustedError is returned. An already-exhausted meter refuses every
// charge, including zero.
func (r *Registry) Charge(ctx context.Context, id ID, amount uint64) error {
	st, found, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("charge against unknown meter %s", id)
	}
	if st.Exhausted || amount > st.Remaining {
		st.Exhausted = true
		if err := r.put(ctx, id, st); err != nil {
			return err
		}
		return &MeterExhaustedError{ID: id, Needed: amount, Remaining: st.Remaining}
	}
	st.Remaining -= amount
	return r.put(ctx, id, st)
}

// MarkExhausted flags the meter as exhausted without altering its balance.
// The kernel uses this after rolling back a failed crank, where the charges
// themselves are discarded but the exhaustion must survive.
func (r *Registry) MarkExhausted(ctx context.Context, id ID) error {
	st, found, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("exhausting unknown meter %s", id)
	}
	st.Exhausted = true
	return r.put(ctx, id, st)
}

// TopUp adds budget to a meter and clears exhaustion if the new balance is
// positive. Vats recreated against this meter become runnable again.
func (r *Registry) TopUp(ctx context.Context, id ID, amount uint64) (uint64, error) {
	st, found, err := r.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, errors.Errorf("top-up of unknown meter %s", id)
	}
	st.Remaining += amount
	if st.Remaining > 0 {
		st.Exhausted = false
	}
	if err := r.put(ctx, id, st); err != nil {
		return 0, err
	}
	log.Debugf("meter %s topped up to %d", id, st.Remaining)
	return st.Remaining, nil
}

func (r *Registry) put(ctx context.Context, id ID, st State) error {
	raw, err := types.Encode(st)
	if err != nil {
		return err
	}
	return errors.Wrapf(r.ds.Put(ctx, meterPrefix.ChildString(string(id)), raw), "writing meter %s", id)
}

func (r *Registry) nextIndex(ctx context.Context) (uint64, error) {
	n := uint64(1)
	raw, err := r.ds.Get(ctx, counterKey)
	if err == nil {
		parsed, perr := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if perr != nil {
			return 0, errors.Wrap(perr, "corrupt meter counter")
		}
		n = parsed + 1
	} else if err != datastore.ErrNotFound {
		return 0, errors.Wrap(err, "reading meter counter")
	}
	if err := r.ds.Put(ctx, counterKey, []byte(strconv.FormatUint(n, 10))); err != nil {
		return 0, errors.Wrap(err, "writing meter counter")
	}
	return n, nil
}
