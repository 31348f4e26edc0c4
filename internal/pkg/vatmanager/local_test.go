package vatmanager

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vatkit/vatkit/internal/pkg/bundle"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

func echoSetup(p VatPowers) (DispatchFn, error) {
	return func(ctx context.Context, vd types.VatDelivery) error {
		if vd.Kind != types.DeliverMessage {
			return nil
		}
		_, err := p.Syscall(types.VatSyscall{
			Kind:  types.SyscallVatstoreSet,
			Key:   "last",
			Value: []byte(vd.Method),
		})
		return err
	}, nil
}

func collectSyscalls(sink *[]types.VatSyscall) SyscallHandler {
	return func(vs types.VatSyscall) (types.SyscallResult, error) {
		*sink = append(*sink, vs)
		return types.SyscallResult{}, nil
	}
}

func TestLocalFactorySetupPath(t *testing.T) {
	ctx := context.Background()
	var syscalls []types.VatSyscall

	f := NewLocalFactory(nil)
	h, err := f.Create(ctx, "v1", ManagerOptions{
		ManagerType:            vatoptions.ManagerLocal,
		EnableSetup:            true,
		Setup:                  echoSetup,
		VirtualObjectCacheSize: 10,
		ConsoleTag:             "v1",
	}, collectSyscalls(&syscalls))
	require.NoError(t, err)
	assert.Equal(t, types.VatID("v1"), h.VatID())

	res, err := h.Deliver(ctx, types.VatDelivery{
		Kind:   types.DeliverMessage,
		Target: types.MakeExportObjectVRef(0),
		Method: "ping",
	})
	require.NoError(t, err)
	assert.True(t, res.Ok)
	assert.Equal(t, deliveryBaseCompute+syscallCompute, res.Compute)
	require.Len(t, syscalls, 1)
	assert.Equal(t, []byte("ping"), syscalls[0].Value)
}

func TestLocalFactoryBundlePath(t *testing.T) {
	ctx := context.Background()
	b := &bundle.Bundle{Format: "opaque", Data: []byte("echo")}

	f := NewLocalFactory(func(got *bundle.Bundle) (SetupFn, error) {
		assert.Equal(t, b, got)
		return echoSetup, nil
	})
	var syscalls []types.VatSyscall
	h, err := f.Create(ctx, "v2", ManagerOptions{
		ManagerType:            vatoptions.ManagerLocal,
		Bundle:                 b,
		VirtualObjectCacheSize: 1,
	}, collectSyscalls(&syscalls))
	require.NoError(t, err)

	res, err := h.Deliver(ctx, types.VatDelivery{
		Kind:   types.DeliverMessage,
		Target: types.MakeExportObjectVRef(0),
		Method: "m",
	})
	require.NoError(t, err)
	assert.True(t, res.Ok)
}

func TestLocalFactoryRejectsForeignManagerType(t *testing.T) {
	f := NewLocalFactory(nil)
	_, err := f.Create(context.Background(), "v1", ManagerOptions{
		ManagerType: vatoptions.ManagerType("xsnap"),
		EnableSetup: true,
		Setup:       echoSetup,
	}, collectSyscalls(&[]types.VatSyscall{}))
	assert.Error(t, err)
}

func TestLocalFactoryNeedsADefinition(t *testing.T) {
	f := NewLocalFactory(nil)
	_, err := f.Create(context.Background(), "v1", ManagerOptions{
		ManagerType: vatoptions.ManagerLocal,
	}, collectSyscalls(&[]types.VatSyscall{}))
	assert.ErrorIs(t, err, ErrNoSetup)

	// setup without enableSetup is not honored
	_, err = f.Create(context.Background(), "v1", ManagerOptions{
		ManagerType: vatoptions.ManagerLocal,
		Setup:       echoSetup,
	}, collectSyscalls(&[]types.VatSyscall{}))
	assert.ErrorIs(t, err, ErrNoSetup)
}

func TestVatFailureIsReportedNotReturned(t *testing.T) {
	ctx := context.Background()
	f := NewLocalFactory(nil)
	h, err := f.Create(ctx, "v1", ManagerOptions{
		ManagerType: vatoptions.ManagerLocal,
		EnableSetup: true,
		Setup: func(p VatPowers) (DispatchFn, error) {
			return func(ctx context.Context, vd types.VatDelivery) error {
				return errors.New("vat code exploded")
			}, nil
		},
	}, collectSyscalls(&[]types.VatSyscall{}))
	require.NoError(t, err)

	res, err := h.Deliver(ctx, types.VatDelivery{Kind: types.DeliverBringOutYourDead})
	require.NoError(t, err)
	assert.False(t, res.Ok)
	assert.Contains(t, res.Problem, "vat code exploded")
}

func TestKernelSyscallRefusalFailsTheCrank(t *testing.T) {
	ctx := context.Background()
	refused := errors.New("unknown slot")
	f := NewLocalFactory(nil)
	h, err := f.Create(ctx, "v1", ManagerOptions{
		ManagerType: vatoptions.ManagerLocal,
		EnableSetup: true,
		Setup: func(p VatPowers) (DispatchFn, error) {
			return func(ctx context.Context, vd types.VatDelivery) error {
				// the vat swallows the kernel's refusal
				p.Syscall(types.VatSyscall{Kind: types.SyscallVatstoreGet, Key: "x"}) // nolint: errcheck
				return nil
			}, nil
		},
	}, func(vs types.VatSyscall) (types.SyscallResult, error) {
		return types.SyscallResult{}, refused
	})
	require.NoError(t, err)

	_, err = h.Deliver(ctx, types.VatDelivery{Kind: types.DeliverBringOutYourDead})
	assert.ErrorIs(t, err, refused)
}

func TestVirtualObjectCacheHonorsSize(t *testing.T) {
	ctx := context.Background()
	f := NewLocalFactory(nil)
	var cacheLen func() int
	h, err := f.Create(ctx, "v1", ManagerOptions{
		ManagerType:            vatoptions.ManagerLocal,
		EnableSetup:            true,
		VirtualObjectCacheSize: 2,
		Setup: func(p VatPowers) (DispatchFn, error) {
			cacheLen = p.Cache.Len
			return func(ctx context.Context, vd types.VatDelivery) error {
				p.Cache.Add(vd.Method, struct{}{})
				return nil
			}, nil
		},
	}, collectSyscalls(&[]types.VatSyscall{}))
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c", "d"} {
		_, err := h.Deliver(ctx, types.VatDelivery{
			Kind:   types.DeliverMessage,
			Target: types.MakeExportObjectVRef(0),
			Method: m,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cacheLen())
}
