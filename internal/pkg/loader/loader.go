// Package loader creates, recreates, and wires up vat instances: the vat
// manager factory.
//
// Four operations exist. CreateVatDynamically allocates a brand-new dynamic
// vat (requiring the vat-admin capability). RecreateDynamicVat and
// RecreateStaticVat rebuild vats from persisted state at startup — any
// failure there is kernel-fatal, because mid-restart no delivery path remains
// to report the error to the original requester. LoadTestVat bypasses bundle
// resolution for tests. Static vats additionally get CreateStaticVat for
// first-time allocation at kernel genesis.
package loader

import (
	"context"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/bundle"
	"github.com/vatkit/vatkit/internal/pkg/meter"
	"github.com/vatkit/vatkit/internal/pkg/slog"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatmanager"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

var log = logging.Logger("vatloader")

// VatInfo is the loader's result: a live manager handle plus the validated
// configuration the kernel needs to schedule the vat.
type VatInfo struct {
	Handle   *vatmanager.Handle
	Options  vatoptions.Options
	BundleID cid.Cid
	Slogger  *slog.VatSlogger
}

// Config carries the loader's injected collaborators.
type Config struct {
	// Keeper resolves named and content-addressed bundles.
	Keeper bundle.Keeper
	// Factory constructs the isolated execution environment per vat.
	Factory vatmanager.Factory
	// Journal receives vat lifecycle telemetry; defaults to a no-op sink.
	Journal slog.Journal
	// Meters validates meterIDs at creation time; may be nil when the
	// deployment never meters.
	Meters *meter.Registry
	// BindSyscall produces the syscall handler wired into each new manager.
	BindSyscall func(vatID types.VatID) vatmanager.SyscallHandler
	// Replay re-executes a vat's transcript against a fresh instance; used
	// by the recreation paths.
	Replay func(ctx context.Context, vatID types.VatID, h *vatmanager.Handle) error
	// Overrides are admin-level option overrides applied last, letting
	// kernel-wide policy force flags regardless of caller request.
	Overrides vatoptions.Bag
	// Panic is the operator-facing channel for kernel-fatal conditions;
	// it is informed before the error is re-raised. Defaults to logging.
	Panic func(err error)
}

// Loader implements the vat manager factory.
type Loader struct {
	cfg       Config
	adminKRef types.KRef
}

// New builds a loader.
func New(cfg Config) *Loader {
	if cfg.Journal == nil {
		cfg.Journal = slog.NopJournal()
	}
	if cfg.Panic == nil {
		cfg.Panic = func(err error) { log.Errorf("kernel panic: %v", err) }
	}
	return &Loader{cfg: cfg}
}

// SetVatAdmin establishes the vat-admin capability. Dynamic vat creation is
// refused until this has been called with a valid kref.
func (l *Loader) SetVatAdmin(kref types.KRef) error {
	if err := kref.Validate(); err != nil {
		return err
	}
	l.adminKRef = kref
	return nil
}

// VatAdmin returns the admin capability kref, or NoKRef if unset.
func (l *Loader) VatAdmin() types.KRef {
	return l.adminKRef
}

// CreateVatDynamically allocates a brand-new dynamic vat.
func (l *Loader) CreateVatDynamically(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, bag vatoptions.Bag) (*VatInfo, error) {
	if l.adminKRef == types.NoKRef {
		return nil, &PreconditionError{Op: "dynamic vat creation", Missing: "the vat-admin capability"}
	}
	opts, err := vatoptions.ParseDynamic(vatoptions.Merge(bag, l.cfg.Overrides))
	if err != nil {
		return nil, err
	}
	if err := l.checkMeter(ctx, opts); err != nil {
		return nil, err
	}
	return l.create(ctx, vatID, source, opts, true, nil)
}

// CreateStaticVat allocates a static vat at kernel genesis. Static vats are
// never metered; the static allow-list enforces that.
func (l *Loader) CreateStaticVat(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, bag vatoptions.Bag) (*VatInfo, error) {
	opts, err := vatoptions.ParseStatic(vatoptions.Merge(bag, l.cfg.Overrides))
	if err != nil {
		return nil, err
	}
	return l.create(ctx, vatID, source, opts, false, nil)
}

// RecreateDynamicVat rebuilds a dynamic vat from persisted state at startup
// and replays its transcript. Failure is kernel-fatal.
func (l *Loader) RecreateDynamicVat(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, bag vatoptions.Bag) (*VatInfo, error) {
	opts, err := vatoptions.ParseDynamic(vatoptions.Merge(bag, l.cfg.Overrides))
	if err != nil {
		return nil, l.fatal(vatID, err)
	}
	return l.recreate(ctx, vatID, source, opts, true)
}

// RecreateStaticVat rebuilds a static vat from persisted state at startup
// and replays its transcript. Failure is kernel-fatal.
func (l *Loader) RecreateStaticVat(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, bag vatoptions.Bag) (*VatInfo, error) {
	opts, err := vatoptions.ParseStatic(vatoptions.Merge(bag, l.cfg.Overrides))
	if err != nil {
		return nil, l.fatal(vatID, err)
	}
	return l.recreate(ctx, vatID, source, opts, false)
}

// LoadTestVat builds a vat around a caller-supplied setup function, skipping
// bundle resolution. Testing only.
func (l *Loader) LoadTestVat(ctx context.Context, vatID types.VatID, setup vatmanager.SetupFn, bag vatoptions.Bag) (*VatInfo, error) {
	opts, err := vatoptions.ParseStatic(vatoptions.Merge(bag, l.cfg.Overrides))
	if err != nil {
		return nil, err
	}
	opts.EnableSetup = true
	opts.ManagerType = vatoptions.ManagerLocal
	opts.UseTranscript = true
	return l.create(ctx, vatID, bundle.SourceSpec{}, opts, false, setup)
}

func (l *Loader) recreate(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, opts vatoptions.Options, dynamic bool) (*VatInfo, error) {
	vi, err := l.create(ctx, vatID, source, opts, dynamic, nil)
	if err != nil {
		return nil, l.fatal(vatID, err)
	}
	if l.cfg.Replay != nil {
		if err := l.cfg.Replay(ctx, vatID, vi.Handle); err != nil {
			return nil, l.fatal(vatID, err)
		}
	}
	return vi, nil
}

// create is the shared creation algorithm: resolve the source, compose
// manager options, bind the syscall handler, bracket construction in the
// slog, and invoke the manager factory.
func (l *Loader) create(ctx context.Context, vatID types.VatID, source bundle.SourceSpec, opts vatoptions.Options, dynamic bool, setup vatmanager.SetupFn) (*VatInfo, error) {
	if err := vatID.Validate(); err != nil {
		return nil, err
	}

	var bnd *bundle.Bundle
	bundleID := cid.Undef
	if setup == nil {
		var err error
		bnd, bundleID, err = bundle.Resolve(ctx, source, l.cfg.Keeper)
		if err != nil {
			return nil, err
		}
	}

	mopts := vatmanager.ManagerOptions{
		ManagerType:            opts.ManagerType,
		Bundle:                 bnd,
		Metered:                opts.Metered(),
		EnableSetup:            opts.EnableSetup,
		EnableDisavow:          opts.EnableDisavow,
		EnablePipelining:       opts.EnablePipelining,
		UseTranscript:          opts.UseTranscript,
		VirtualObjectCacheSize: opts.VirtualObjectCacheSize,
		ConsoleTag:             string(vatID),
		Setup:                  setup,
	}

	syscall := func(vs types.VatSyscall) (types.SyscallResult, error) {
		return types.SyscallResult{}, errors.Errorf("vat %s has no syscall binding", vatID)
	}
	if l.cfg.BindSyscall != nil {
		syscall = l.cfg.BindSyscall(vatID)
	}

	slogger := slog.ProvideVatSlogger(l.cfg.Journal, vatID, dynamic, opts.Description, opts.Name, string(opts.ManagerType))
	handle, err := l.cfg.Factory.Create(ctx, vatID, mopts, syscall)
	if err != nil {
		return nil, errors.Wrapf(err, "constructing manager for vat %s", vatID)
	}
	slogger.Startup()
	log.Debugf("vat %s ready (dynamic=%v, bundle=%s)", vatID, dynamic, bundleID)

	return &VatInfo{Handle: handle, Options: opts, BundleID: bundleID, Slogger: slogger}, nil
}

func (l *Loader) checkMeter(ctx context.Context, opts vatoptions.Options) error {
	if !opts.Metered() {
		return nil
	}
	if l.cfg.Meters == nil {
		return errors.Errorf("meterID %q supplied but this kernel has no meter registry", opts.MeterID)
	}
	id := meter.ID(opts.MeterID)
	if err := id.Validate(); err != nil {
		return err
	}
	_, found, err := l.cfg.Meters.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("unknown meter %q", opts.MeterID)
	}
	return nil
}

// fatal wraps err as a RecreationFailure, reports it on the panic channel,
// and returns it for re-raising.
func (l *Loader) fatal(vatID types.VatID, err error) error {
	rf := &RecreationFailure{VatID: vatID, Err: err}
	l.cfg.Panic(rf)
	return rf
}
