// Package transcript records, per vat, the (delivery-in, syscalls-out) pairs
// of every crank and replays them against a freshly constructed vat instance
// after restart.
//
// Entries are stored in vat-local numbering, which makes a transcript
// self-contained: replay needs only the vat's manager, not the kernel's
// reference tables. Replay equality is byte equality of canonical encodings;
// divergence proves the vat is not a pure function of its delivery history
// and is fatal to the whole kernel.
package transcript

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// SyscallRecord pairs a syscall the vat issued with the result the kernel
// returned. Replay feeds the recorded result back so the vat observes an
// identical world.
type SyscallRecord struct {
	Syscall types.VatSyscall    `cbor:"syscall"`
	Result  types.SyscallResult `cbor:"result"`
}

// Entry is one crank's worth of transcript.
type Entry struct {
	Delivery types.VatDelivery `cbor:"delivery"`
	Syscalls []SyscallRecord   `cbor:"syscalls,omitempty"`
}

// DeterminismViolationError reports replay divergence. Kernel-fatal.
type DeterminismViolationError struct {
	VatID  types.VatID
	Crank  uint64
	Reason string
}

func (e *DeterminismViolationError) Error() string {
	return fmt.Sprintf("vat %s diverged from transcript at crank %d: %s", e.VatID, e.Crank, e.Reason)
}

// Store persists transcripts in the kernel datastore, one namespace per vat,
// entries keyed by zero-padded crank index so key order is replay order.
type Store struct {
	ds datastore.Datastore
}

// NewStore builds a transcript store over the given datastore.
func NewStore(ds datastore.Datastore) *Store {
	return &Store{ds: ds}
}

func vatPrefix(vatID types.VatID) datastore.Key {
	return datastore.NewKey("/transcript").ChildString(string(vatID))
}

func entryKey(vatID types.VatID, n uint64) datastore.Key {
	return vatPrefix(vatID).ChildString("entries").ChildString(fmt.Sprintf("%012d", n))
}

func lengthKey(vatID types.VatID) datastore.Key {
	return vatPrefix(vatID).ChildString("length")
}

// Append records one crank at the end of the vat's transcript.
func (s *Store) Append(ctx context.Context, vatID types.VatID, e Entry) error {
	n, err := s.Length(ctx, vatID)
	if err != nil {
		return err
	}
	raw, err := types.Encode(e)
	if err != nil {
		return err
	}
	if err := s.ds.Put(ctx, entryKey(vatID, n), raw); err != nil {
		return errors.Wrapf(err, "appending transcript for vat %s", vatID)
	}
	return errors.Wrapf(
		s.ds.Put(ctx, lengthKey(vatID), []byte(strconv.FormatUint(n+1, 10))),
		"bumping transcript length for vat %s", vatID)
}

// Length returns the number of recorded cranks for a vat.
func (s *Store) Length(ctx context.Context, vatID types.VatID) (uint64, error) {
	raw, err := s.ds.Get(ctx, lengthKey(vatID))
	if err == datastore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading transcript length for vat %s", vatID)
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt transcript length for vat %s", vatID)
	}
	return n, nil
}

// Entries reads the whole transcript in crank order.
func (s *Store) Entries(ctx context.Context, vatID types.VatID) ([]Entry, error) {
	res, err := s.ds.Query(ctx, query.Query{
		Prefix: vatPrefix(vatID).ChildString("entries").String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing transcript for vat %s", vatID)
	}
	defer res.Close() // nolint: errcheck

	var out []Entry
	for e := range res.Next() {
		if e.Error != nil {
			return nil, e.Error
		}
		var entry Entry
		if err := types.Decode(e.Value, &entry); err != nil {
			return nil, errors.Wrapf(err, "corrupt transcript entry %s", e.Key)
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeleteVat removes a terminated vat's transcript.
func (s *Store) DeleteVat(ctx context.Context, vatID types.VatID) error {
	res, err := s.ds.Query(ctx, query.Query{Prefix: vatPrefix(vatID).String(), KeysOnly: true})
	if err != nil {
		return errors.Wrapf(err, "listing transcript for vat %s", vatID)
	}
	defer res.Close() // nolint: errcheck
	for e := range res.Next() {
		if e.Error != nil {
			return e.Error
		}
		if err := s.ds.Delete(ctx, datastore.RawKey(e.Key)); err != nil {
			return err
		}
	}
	return nil
}
