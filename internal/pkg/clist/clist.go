// Package clist maintains each vat's private bijection between vat-local
// slots and kernel-wide krefs, and performs the reference translation on both
// sides of a crank: inbound deliveries kernel→vat, outbound syscalls
// vat→kernel.
//
// Translation is total and injective for the vat's lifetime: once a kref is
// paired with a slot the pairing never changes while the vat exists. A vref
// the vat never legitimately obtained is a programming error, fatal to the
// enclosing crank.
package clist

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// Allocator hands out fresh kernel-wide references when a vat exports
// something the kernel has not seen before. The kernel implements this; the
// table never invents krefs on its own.
type Allocator interface {
	AllocateObjectKRef(ctx context.Context, owner types.VatID) (types.KRef, error)
	AllocatePromiseKRef(ctx context.Context, allocator types.VatID) (types.KRef, error)
}

// UnknownRefError reports a vref that has no pairing in the vat's table and
// is not an export the vat may mint. The enclosing crank fails.
type UnknownRefError struct {
	VatID types.VatID
	VRef  types.VRef
}

func (e *UnknownRefError) Error() string {
	return fmt.Sprintf("vat %s referenced unknown slot %q", e.VatID, e.VRef)
}

// Table is one vat's translation table, persisted in the kernel datastore so
// pairings survive restart.
type Table struct {
	vatID types.VatID
	ds    datastore.Datastore
	alloc Allocator
}

// NewTable opens (or resumes) the table for a vat.
func NewTable(ds datastore.Datastore, vatID types.VatID, alloc Allocator) *Table {
	return &Table{vatID: vatID, ds: ds, alloc: alloc}
}

func (t *Table) prefix() datastore.Key {
	return datastore.NewKey("/clist").ChildString(string(t.vatID))
}

func (t *Table) kernelKey(kref types.KRef) datastore.Key {
	return t.prefix().ChildString("k").ChildString(string(kref))
}

func (t *Table) vatKey(vref types.VRef) datastore.Key {
	return t.prefix().ChildString("v").ChildString(string(vref))
}

func (t *Table) counterKey(name string) datastore.Key {
	return t.prefix().ChildString("counters").ChildString(name)
}

// MapKernelToVat returns the vat-local slot for a kref, allocating a fresh
// import slot (o-<N> or p-<N>) the first time the kernel shows this kref to
// the vat.
func (t *Table) MapKernelToVat(ctx context.Context, kref types.KRef) (types.VRef, error) {
	if err := kref.Validate(); err != nil {
		return types.NoVRef, err
	}
	raw, err := t.ds.Get(ctx, t.kernelKey(kref))
	if err == nil {
		return types.VRef(raw), nil
	}
	if err != datastore.ErrNotFound {
		return types.NoVRef, errors.Wrapf(err, "reading clist for vat %s", t.vatID)
	}

	var vref types.VRef
	if kref.IsPromise() {
		n, err := t.bump(ctx, "importPromise")
		if err != nil {
			return types.NoVRef, err
		}
		vref = types.MakeImportPromiseVRef(n)
	} else {
		n, err := t.bump(ctx, "importObject")
		if err != nil {
			return types.NoVRef, err
		}
		vref = types.MakeImportObjectVRef(n)
	}
	if err := t.record(ctx, kref, vref); err != nil {
		return types.NoVRef, err
	}
	return vref, nil
}

// MapVatToKernel returns the kref for a vat-local slot. A first-seen export
// slot (o+<N>, p+<N>) results in a fresh kref from the allocator; a
// first-seen import slot is an UnknownRefError.
func (t *Table) MapVatToKernel(ctx context.Context, vref types.VRef) (types.KRef, error) {
	if err := vref.Validate(); err != nil {
		return types.NoKRef, err
	}
	raw, err := t.ds.Get(ctx, t.vatKey(vref))
	if err == nil {
		return types.KRef(raw), nil
	}
	if err != datastore.ErrNotFound {
		return types.NoKRef, errors.Wrapf(err, "reading clist for vat %s", t.vatID)
	}
	if !vref.IsVatAllocated() {
		return types.NoKRef, &UnknownRefError{VatID: t.vatID, VRef: vref}
	}

	var kref types.KRef
	if vref.IsPromise() {
		kref, err = t.alloc.AllocatePromiseKRef(ctx, t.vatID)
	} else {
		kref, err = t.alloc.AllocateObjectKRef(ctx, t.vatID)
	}
	if err != nil {
		return types.NoKRef, err
	}
	if err := t.record(ctx, kref, vref); err != nil {
		return types.NoKRef, err
	}
	return kref, nil
}

// Forget removes the pairings for dropped imports. The krefs become eligible
// for later reclamation by the kernel once no vat holds them.
func (t *Table) Forget(ctx context.Context, vrefs []types.VRef) error {
	for _, vref := range vrefs {
		raw, err := t.ds.Get(ctx, t.vatKey(vref))
		if err == datastore.ErrNotFound {
			return &UnknownRefError{VatID: t.vatID, VRef: vref}
		}
		if err != nil {
			return errors.Wrapf(err, "reading clist for vat %s", t.vatID)
		}
		if err := t.ds.Delete(ctx, t.vatKey(vref)); err != nil {
			return err
		}
		if err := t.ds.Delete(ctx, t.kernelKey(types.KRef(raw))); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll drops the whole table; used when the vat is terminated.
func (t *Table) DeleteAll(ctx context.Context) error {
	res, err := t.ds.Query(ctx, query.Query{Prefix: t.prefix().String(), KeysOnly: true})
	if err != nil {
		return errors.Wrapf(err, "listing clist for vat %s", t.vatID)
	}
	defer res.Close() // nolint: errcheck
	for e := range res.Next() {
		if e.Error != nil {
			return e.Error
		}
		if err := t.ds.Delete(ctx, datastore.RawKey(e.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) record(ctx context.Context, kref types.KRef, vref types.VRef) error {
	if err := t.ds.Put(ctx, t.kernelKey(kref), []byte(vref)); err != nil {
		return errors.Wrapf(err, "writing clist for vat %s", t.vatID)
	}
	return errors.Wrapf(t.ds.Put(ctx, t.vatKey(vref), []byte(kref)), "writing clist for vat %s", t.vatID)
}

func (t *Table) bump(ctx context.Context, name string) (uint64, error) {
	n := uint64(0)
	raw, err := t.ds.Get(ctx, t.counterKey(name))
	if err == nil {
		parsed, perr := strconv.ParseUint(string(raw), 10, 64)
		if perr != nil {
			return 0, errors.Wrapf(perr, "corrupt clist counter %s for vat %s", name, t.vatID)
		}
		n = parsed
	} else if err != datastore.ErrNotFound {
		return 0, errors.Wrapf(err, "reading clist counter for vat %s", t.vatID)
	}
	if err := t.ds.Put(ctx, t.counterKey(name), []byte(strconv.FormatUint(n+1, 10))); err != nil {
		return 0, err
	}
	return n, nil
}
