package vatmanager

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/bundle"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

// Per-delivery compute schedule for the local manager. The values are fixed
// so that identical deliveries always report identical compute.
const (
	deliveryBaseCompute = uint64(100)
	syscallCompute      = uint64(10)
)

// MaxSyscallsPerCrank bounds a single delivery's syscall count, standing in
// for the stack/allocation limits a real sandbox would impose.
const MaxSyscallsPerCrank = 10000

// VatPowers is what a locally hosted vat receives at setup time: its only
// channel back into the kernel, plus a bounded cache for its virtual objects.
type VatPowers struct {
	VatID   types.VatID
	Syscall SyscallHandler
	// Cache is the vat's virtual-object cache, sized by the
	// virtualObjectCacheSize option.
	Cache *lru.Cache
	// Console is the vat's log sink, keyed by the manager's console tag.
	Console *logging.ZapEventLogger
}

// DispatchFn handles one delivery inside the vat.
type DispatchFn func(ctx context.Context, vd types.VatDelivery) error

// SetupFn initializes a vat and returns its dispatcher. It runs once per
// manager construction, including reconstruction before replay.
type SetupFn func(p VatPowers) (DispatchFn, error)

// BundleResolver turns an opaque bundle into a setup function. It is the
// local stand-in for loading code into an isolated execution environment.
type BundleResolver func(b *bundle.Bundle) (SetupFn, error)

// LocalFactory hosts vats in-process. It supports the enableSetup path
// directly and delegates bundle interpretation to a resolver.
type LocalFactory struct {
	resolve BundleResolver
}

var _ Factory = (*LocalFactory)(nil)

// NewLocalFactory builds a local factory. resolve may be nil if only the
// setup-function path will be used.
func NewLocalFactory(resolve BundleResolver) *LocalFactory {
	return &LocalFactory{resolve: resolve}
}

// Create implements Factory.
func (f *LocalFactory) Create(ctx context.Context, vatID types.VatID, opts ManagerOptions, syscall SyscallHandler) (*Handle, error) {
	if opts.ManagerType != vatoptions.ManagerLocal {
		return nil, errors.Errorf("local factory cannot host manager type %q", opts.ManagerType)
	}

	var setup SetupFn
	switch {
	case opts.EnableSetup && opts.Setup != nil:
		setup = opts.Setup
	case opts.Bundle != nil && f.resolve != nil:
		var err error
		setup, err = f.resolve(opts.Bundle)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving bundle for vat %s", vatID)
		}
	default:
		return nil, ErrNoSetup
	}

	cacheSize := opts.VirtualObjectCacheSize
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "building virtual-object cache")
	}

	m := &localManager{vatID: vatID, syscall: syscall}
	dispatch, err := setup(VatPowers{
		VatID:   vatID,
		Syscall: m.handleSyscall,
		Cache:   cache,
		Console: logging.Logger("vat." + opts.ConsoleTag),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "setting up vat %s", vatID)
	}
	m.dispatch = dispatch

	return NewHandle(vatID, m.deliver, nil), nil
}

// localManager tracks per-delivery syscall counts so compute cost is a pure
// function of the vat's observable behavior.
type localManager struct {
	vatID    types.VatID
	syscall  SyscallHandler
	dispatch DispatchFn

	crankSyscalls uint64
	kernelErr     error
}

func (m *localManager) handleSyscall(vs types.VatSyscall) (types.SyscallResult, error) {
	if m.crankSyscalls >= MaxSyscallsPerCrank {
		return types.SyscallResult{}, errors.Errorf("vat %s exceeded %d syscalls in one crank", m.vatID, MaxSyscallsPerCrank)
	}
	m.crankSyscalls++
	res, err := m.syscall(vs)
	if err != nil && m.kernelErr == nil {
		// the kernel refused the syscall; remember it so the crank fails
		// even if the vat swallows the error
		m.kernelErr = err
	}
	return res, err
}

func (m *localManager) deliver(ctx context.Context, vd types.VatDelivery) (DeliveryResult, error) {
	m.crankSyscalls = 0
	m.kernelErr = nil
	err := m.dispatch(ctx, vd)
	if m.kernelErr != nil {
		return DeliveryResult{}, m.kernelErr
	}
	compute := deliveryBaseCompute + m.crankSyscalls*syscallCompute
	if err != nil {
		return DeliveryResult{Ok: false, Compute: compute, Problem: fmt.Sprintf("%v", err)}, nil
	}
	return DeliveryResult{Ok: true, Compute: compute}, nil
}
