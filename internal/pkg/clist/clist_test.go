package clist

import (
	"context"
	"fmt"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// countingAllocator hands out sequential krefs the way the kernel does.
type countingAllocator struct {
	nextObject  uint64
	nextPromise uint64
}

func (a *countingAllocator) AllocateObjectKRef(_ context.Context, _ types.VatID) (types.KRef, error) {
	a.nextObject++
	return types.MakeObjectKRef(a.nextObject), nil
}

func (a *countingAllocator) AllocatePromiseKRef(_ context.Context, _ types.VatID) (types.KRef, error) {
	a.nextPromise++
	return types.MakePromiseKRef(a.nextPromise), nil
}

func newTestTable(t *testing.T) (*Table, *countingAllocator) {
	t.Helper()
	alloc := &countingAllocator{}
	return NewTable(datastore.NewMapDatastore(), types.VatID("v1"), alloc), alloc
}

func TestKernelToVatIsStable(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)
	ko := types.MakeObjectKRef(42)

	first, err := table.MapKernelToVat(ctx, ko)
	require.NoError(t, err)
	assert.Equal(t, types.MakeImportObjectVRef(0), first)

	again, err := table.MapKernelToVat(ctx, ko)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// and the reverse direction agrees
	back, err := table.MapVatToKernel(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, ko, back)
}

func TestImportSlotsAllocateSequentially(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	for i := 0; i < 3; i++ {
		vref, err := table.MapKernelToVat(ctx, types.MakeObjectKRef(uint64(100+i)))
		require.NoError(t, err)
		assert.Equal(t, types.MakeImportObjectVRef(uint64(i)), vref)
	}
	vref, err := table.MapKernelToVat(ctx, types.MakePromiseKRef(7))
	require.NoError(t, err)
	assert.Equal(t, types.MakeImportPromiseVRef(0), vref)
}

func TestExportsAllocateKRefs(t *testing.T) {
	ctx := context.Background()
	table, alloc := newTestTable(t)

	kref, err := table.MapVatToKernel(ctx, types.MakeExportObjectVRef(1))
	require.NoError(t, err)
	assert.Equal(t, types.MakeObjectKRef(1), kref)
	assert.Equal(t, uint64(1), alloc.nextObject)

	// same slot, same kref
	again, err := table.MapVatToKernel(ctx, types.MakeExportObjectVRef(1))
	require.NoError(t, err)
	assert.Equal(t, kref, again)
	assert.Equal(t, uint64(1), alloc.nextObject)

	kp, err := table.MapVatToKernel(ctx, types.MakeExportPromiseVRef(5))
	require.NoError(t, err)
	assert.True(t, kp.IsPromise())
}

func TestUnknownImportIsAnError(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	var unknown *UnknownRefError
	_, err := table.MapVatToKernel(ctx, types.MakeImportObjectVRef(9))
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, types.VatID("v1"), unknown.VatID)
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)
	ko := types.MakeObjectKRef(1)

	vref, err := table.MapKernelToVat(ctx, ko)
	require.NoError(t, err)
	require.NoError(t, table.Forget(ctx, []types.VRef{vref}))

	var unknown *UnknownRefError
	_, err = table.MapVatToKernel(ctx, vref)
	assert.ErrorAs(t, err, &unknown)

	// showing the kref again yields a fresh slot, not the old one
	fresh, err := table.MapKernelToVat(ctx, ko)
	require.NoError(t, err)
	assert.NotEqual(t, vref, fresh)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)
	for i := 0; i < 4; i++ {
		_, err := table.MapKernelToVat(ctx, types.MakeObjectKRef(uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, table.DeleteAll(ctx))

	var unknown *UnknownRefError
	_, err := table.MapVatToKernel(ctx, types.MakeImportObjectVRef(0))
	assert.ErrorAs(t, err, &unknown)
}

func TestDeliveryTranslation(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	d := types.Delivery{
		Kind:   types.DeliverMessage,
		Target: types.MakeObjectKRef(10),
		Method: "deposit",
		Args: types.CapData{
			Body:  []byte(`[1]`),
			Slots: []types.KRef{types.MakeObjectKRef(11)},
		},
		Result: types.MakePromiseKRef(12),
	}
	vd, err := table.DeliveryToVat(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, types.MakeImportObjectVRef(0), vd.Target)
	assert.Equal(t, "deposit", vd.Method)
	assert.Equal(t, []types.VRef{types.MakeImportObjectVRef(1)}, vd.Args.Slots)
	assert.Equal(t, types.MakeImportPromiseVRef(0), vd.Result)

	// translating the same delivery again reuses the same slots
	vd2, err := table.DeliveryToVat(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, vd, vd2)
}

func TestSyscallTranslation(t *testing.T) {
	ctx := context.Background()
	table, _ := newTestTable(t)

	// the vat sends to an object it imported earlier
	target, err := table.MapKernelToVat(ctx, types.MakeObjectKRef(1))
	require.NoError(t, err)

	vs := types.VatSyscall{
		Kind:   types.SyscallSend,
		Target: target,
		Method: "notify",
		Args: types.VatCapData{
			Body:  []byte(`[]`),
			Slots: []types.VRef{types.MakeExportObjectVRef(0)},
		},
		Result: types.MakeExportPromiseVRef(0),
	}
	ks, err := table.SyscallToKernel(ctx, vs)
	require.NoError(t, err)
	assert.Equal(t, types.MakeObjectKRef(1), ks.Target)
	require.Len(t, ks.Args.Slots, 1)
	assert.False(t, ks.Args.Slots[0].IsPromise())
	assert.True(t, ks.Result.IsPromise())

	// sending via a slot the vat never held fails the crank
	var unknown *UnknownRefError
	_, err = table.SyscallToKernel(ctx, types.VatSyscall{
		Kind:   types.SyscallSend,
		Target: types.MakeImportObjectVRef(99),
		Method: "steal",
	})
	assert.ErrorAs(t, err, &unknown)
}

func TestTablesAreIsolatedPerVat(t *testing.T) {
	ctx := context.Background()
	ds := datastore.NewMapDatastore()
	alloc := &countingAllocator{}
	a := NewTable(ds, types.VatID("v1"), alloc)
	b := NewTable(ds, types.VatID("v2"), alloc)

	ko := types.MakeObjectKRef(1)
	va, err := a.MapKernelToVat(ctx, ko)
	require.NoError(t, err)

	// v2 has no pairing for v1's slot even though the kref is shared
	_, err = b.MapVatToKernel(ctx, va)
	var unknown *UnknownRefError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, types.VatID("v2"), unknown.VatID)

	vb, err := b.MapKernelToVat(ctx, ko)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%s", va), fmt.Sprintf("%s", vb)) // both start at o-0
}
