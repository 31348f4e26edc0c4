// Package kernel is the deterministic heart of the system: it owns the vat
// tables, the promise table, the run-queue, and the crank loop that drives
// every delivery. All kernel state lives in one datastore and every crank
// commits or aborts atomically, so two replicas fed the same inputs hold
// byte-identical state.
package kernel

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/bundle"
	"github.com/vatkit/vatkit/internal/pkg/clist"
	"github.com/vatkit/vatkit/internal/pkg/loader"
	"github.com/vatkit/vatkit/internal/pkg/meter"
	"github.com/vatkit/vatkit/internal/pkg/metrics"
	"github.com/vatkit/vatkit/internal/pkg/slog"
	"github.com/vatkit/vatkit/internal/pkg/transcript"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatmanager"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

var log = logging.Logger("kernel")

var (
	cranksTotal   = metrics.NewInt64Counter("kernel_cranks_total", "Deliveries executed by the kernel")
	crankFailures = metrics.NewInt64Counter("kernel_crank_failures_total", "Cranks that aborted and terminated their vat")
	terminations  = metrics.NewInt64Counter("kernel_vat_terminations_total", "Vats removed from the kernel")
	queueDepth    = metrics.NewInt64Gauge("kernel_run_queue_depth", "Deliveries waiting on the run-queue")
)

// Config carries the kernel's injected collaborators. Datastore and Factory
// are required; everything else has a working default.
type Config struct {
	// Datastore persists every kernel table. Hand two kernels the same
	// (copied) datastore and they are the same kernel.
	Datastore datastore.Batching
	// Factory constructs the isolated execution environment per vat.
	Factory vatmanager.Factory
	// Journal receives lifecycle and crank telemetry.
	Journal slog.Journal
	// Overrides are admin-level vat option overrides applied after every
	// caller-supplied bag.
	Overrides vatoptions.Bag
	// OnPanic is told about kernel-fatal conditions before Run returns
	// them. Defaults to logging.
	OnPanic func(err error)
}

// vatEntry is the runtime half of a vat: the live manager plus per-crank
// scratch state. The durable half is the vatRecord in the keeper.
type vatEntry struct {
	vatID   types.VatID
	record  vatRecord
	options vatoptions.Options
	handle  *vatmanager.Handle
	clist   *clist.Table
	slogger *slog.VatSlogger

	// replayer is non-nil only while the vat's transcript is being
	// replayed; it captures syscalls instead of the live handler.
	replayer *transcript.Replayer
	// crank is non-nil only while a delivery to this vat is executing.
	crank *crankScratch
}

type crankScratch struct {
	ctx     context.Context
	records []transcript.SyscallRecord
}

type pendingExit struct {
	vatID   types.VatID
	failure bool
	info    types.CapData
}

// Kernel is single-threaded: the embedder drives it from one goroutine, the
// way the crank model requires.
type Kernel struct {
	bds    *crankBuffer
	keeper *keeper
	// backKeeper and backMeters write straight to the backing store for
	// the few effects that must survive a crank abort: crank numbering
	// and meter exhaustion.
	backKeeper  *keeper
	meters      *meter.Registry
	backMeters  *meter.Registry
	transcripts *transcript.Store
	bundles     *bundle.Store
	loader      *loader.Loader
	journal     slog.Journal

	queue []types.Delivery
	vats  map[types.VatID]*vatEntry

	exit    *pendingExit
	onPanic func(error)
	halted  error
}

// New assembles a kernel over the given datastore. Call Start before
// anything else to load persisted state and recreate surviving vats.
func New(cfg Config) (*Kernel, error) {
	if cfg.Datastore == nil {
		return nil, errors.New("kernel requires a datastore")
	}
	if cfg.Factory == nil {
		return nil, errors.New("kernel requires a vat manager factory")
	}
	journal := cfg.Journal
	if journal == nil {
		journal = slog.NopJournal()
	}
	onPanic := cfg.OnPanic
	if onPanic == nil {
		onPanic = func(err error) { log.Errorf("kernel panic: %v", err) }
	}

	bds := newCrankBuffer(cfg.Datastore)
	k := &Kernel{
		bds:         bds,
		keeper:      newKeeper(bds),
		backKeeper:  newKeeper(cfg.Datastore),
		meters:      meter.NewRegistry(bds),
		backMeters:  meter.NewRegistry(cfg.Datastore),
		transcripts: transcript.NewStore(bds),
		bundles:     bundle.NewStore(bds),
		journal:     journal,
		vats:        make(map[types.VatID]*vatEntry),
		onPanic:     onPanic,
	}
	k.loader = loader.New(loader.Config{
		Keeper:      k.bundles,
		Factory:     cfg.Factory,
		Journal:     journal,
		Meters:      k.meters,
		BindSyscall: k.bindSyscall,
		Replay:      k.replayVat,
		Overrides:   cfg.Overrides,
		Panic:       onPanic,
	})
	return k, nil
}

// Start loads the run-queue and recreates every surviving vat from its
// bundle plus transcript. A vat that cannot be brought back exactly is a
// kernel-fatal condition: better no kernel than a divergent one.
func (k *Kernel) Start(ctx context.Context) error {
	queue, err := k.keeper.LoadQueue(ctx)
	if err != nil {
		return err
	}
	k.queue = queue

	vatIDs, err := k.keeper.ListVats(ctx)
	if err != nil {
		return err
	}
	for _, vatID := range vatIDs {
		rec, found, err := k.keeper.GetVat(ctx, vatID)
		if err != nil {
			return err
		}
		if !found || rec.Terminated {
			continue
		}
		if rec.Ephemeral {
			// Setup-backed test vats have no bundle to recreate from.
			log.Warnf("skipping ephemeral vat %s at restart", vatID)
			continue
		}
		if err := k.recreateVat(ctx, vatID, rec); err != nil {
			k.bds.Abort()
			k.halted = asPanic(err)
			return k.halted
		}
	}
	return k.bds.Commit(ctx)
}

func (k *Kernel) recreateVat(ctx context.Context, vatID types.VatID, rec vatRecord) error {
	entry := &vatEntry{vatID: vatID, record: rec}
	entry.clist = clist.NewTable(k.bds, vatID, k.keeper)
	// Provisional registration: the syscall handler resolves entries at
	// call time, and replay runs before this function returns.
	k.vats[vatID] = entry

	id, err := cid.Parse(rec.BundleID)
	if err != nil {
		delete(k.vats, vatID)
		return errors.Wrapf(err, "vat %s has corrupt bundle ID", vatID)
	}
	source := bundle.FromID(id)
	bag := bagFromRecord(rec)

	var vi *loader.VatInfo
	if rec.Dynamic {
		vi, err = k.loader.RecreateDynamicVat(ctx, vatID, source, bag)
	} else {
		vi, err = k.loader.RecreateStaticVat(ctx, vatID, source, bag)
	}
	if err != nil {
		delete(k.vats, vatID)
		return err
	}
	entry.handle = vi.Handle
	entry.options = vi.Options
	entry.slogger = vi.Slogger
	return nil
}

// replayVat re-executes a vat's recorded transcript against a freshly built
// manager, comparing each syscall against the recording. Any divergence is
// kernel-fatal (the loader wraps it into a RecreationFailure).
func (k *Kernel) replayVat(ctx context.Context, vatID types.VatID, h *vatmanager.Handle) error {
	entries, err := k.transcripts.Entries(ctx, vatID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	entry := k.vats[vatID]
	if entry == nil {
		return errors.Wrapf(errInvariant, "replay of unregistered vat %s", vatID)
	}
	r := transcript.NewReplayer(vatID, entries)
	entry.replayer = r
	defer func() { entry.replayer = nil }()
	return r.Run(ctx, func(ctx context.Context, vd types.VatDelivery) error {
		res, derr := h.Deliver(ctx, vd)
		if derr != nil {
			return derr
		}
		if !res.Ok {
			return errors.Errorf("vat %s failed during replay: %s", vatID, res.Problem)
		}
		return nil
	})
}

// SetVatAdmin designates the object reference allowed to create dynamic
// vats.
func (k *Kernel) SetVatAdmin(kref types.KRef) error {
	return k.loader.SetVatAdmin(kref)
}

// InstallBundle stores a bundle and returns its content address.
func (k *Kernel) InstallBundle(ctx context.Context, b *bundle.Bundle) (cid.Cid, error) {
	id, err := k.bundles.Add(ctx, b)
	if err != nil {
		k.bds.Abort()
		return cid.Undef, err
	}
	return id, k.bds.Commit(ctx)
}

// NameBundle binds a stable name to an installed bundle.
func (k *Kernel) NameBundle(ctx context.Context, name string, id cid.Cid) error {
	if err := k.bundles.Name(ctx, name, id); err != nil {
		k.bds.Abort()
		return err
	}
	return k.bds.Commit(ctx)
}

// CreateDynamicVat validates and constructs a new dynamic vat, registers it,
// and queues its startVat delivery. On any error no vat exists afterwards.
func (k *Kernel) CreateDynamicVat(ctx context.Context, source bundle.SourceSpec, bag vatoptions.Bag) (types.VatID, error) {
	if k.halted != nil {
		return "", k.halted
	}
	vatID, err := k.keeper.NextVatID(ctx)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	vi, err := k.loader.CreateVatDynamically(ctx, vatID, source, bag)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	if err := k.finishCreate(ctx, vatID, vi, vatRecord{Dynamic: true, BundleID: vi.BundleID.String(), Bag: bag}); err != nil {
		k.bds.Abort()
		delete(k.vats, vatID)
		return "", err
	}
	return vatID, nil
}

// AddStaticVat constructs a named static vat during kernel genesis.
func (k *Kernel) AddStaticVat(ctx context.Context, name string, source bundle.SourceSpec, bag vatoptions.Bag) (types.VatID, error) {
	if k.halted != nil {
		return "", k.halted
	}
	vatID, err := k.keeper.NextVatID(ctx)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	named := vatoptions.Merge(bag, vatoptions.Bag{"name": name})
	vi, err := k.loader.CreateStaticVat(ctx, vatID, source, named)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	if err := k.finishCreate(ctx, vatID, vi, vatRecord{BundleID: vi.BundleID.String(), Bag: named}); err != nil {
		k.bds.Abort()
		delete(k.vats, vatID)
		return "", err
	}
	return vatID, nil
}

// LoadTestVat constructs a vat straight from a setup function, skipping
// bundle resolution. Test vats do not survive a restart.
func (k *Kernel) LoadTestVat(ctx context.Context, setup vatmanager.SetupFn, bag vatoptions.Bag) (types.VatID, error) {
	if k.halted != nil {
		return "", k.halted
	}
	vatID, err := k.keeper.NextVatID(ctx)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	vi, err := k.loader.LoadTestVat(ctx, vatID, setup, bag)
	if err != nil {
		k.bds.Abort()
		return "", err
	}
	if err := k.finishCreate(ctx, vatID, vi, vatRecord{Ephemeral: true, Bag: bag}); err != nil {
		k.bds.Abort()
		delete(k.vats, vatID)
		return "", err
	}
	return vatID, nil
}

func (k *Kernel) finishCreate(ctx context.Context, vatID types.VatID, vi *loader.VatInfo, rec vatRecord) error {
	if err := k.keeper.PutVat(ctx, vatID, rec); err != nil {
		return err
	}
	entry := &vatEntry{
		vatID:   vatID,
		record:  rec,
		options: vi.Options,
		handle:  vi.Handle,
		slogger: vi.Slogger,
	}
	entry.clist = clist.NewTable(k.bds, vatID, k.keeper)
	k.vats[vatID] = entry

	// The root object exists before the first delivery so other vats (and
	// the embedder) can address the new vat immediately.
	if _, err := entry.clist.MapVatToKernel(ctx, types.MakeExportObjectVRef(0)); err != nil {
		return err
	}
	if err := k.enqueue(ctx, types.Delivery{
		Kind: types.DeliverStartVat,
		Vat:  vatID,
		Args: types.CapData{Body: []byte("{}")},
	}); err != nil {
		return err
	}
	return k.bds.Commit(ctx)
}

// VatRoot returns the kernel reference of a vat's root object.
func (k *Kernel) VatRoot(ctx context.Context, vatID types.VatID) (types.KRef, error) {
	entry := k.vats[vatID]
	if entry == nil {
		return types.NoKRef, errors.Errorf("unknown vat %s", vatID)
	}
	return entry.clist.MapVatToKernel(ctx, types.MakeExportObjectVRef(0))
}

// QueueMessage injects a message from outside vat space. When withResult is
// set a fresh kernel promise is minted and returned so the embedder can
// observe the outcome via PromiseInfo.
func (k *Kernel) QueueMessage(ctx context.Context, target types.KRef, method string, args types.CapData, withResult bool) (types.KRef, error) {
	if k.halted != nil {
		return types.NoKRef, k.halted
	}
	if err := target.Validate(); err != nil {
		return types.NoKRef, err
	}
	result := types.NoKRef
	if withResult {
		var err error
		if result, err = k.keeper.AllocateKernelPromise(ctx); err != nil {
			k.bds.Abort()
			return types.NoKRef, err
		}
	}
	d := types.Delivery{
		Kind:   types.DeliverMessage,
		Target: target,
		Method: method,
		Args:   args,
		Result: result,
	}
	if err := k.enqueue(ctx, d); err != nil {
		k.bds.Abort()
		return types.NoKRef, err
	}
	return result, k.bds.Commit(ctx)
}

// PromiseInfo is the embedder's view of one kernel promise.
type PromiseInfo struct {
	Resolved    bool
	Rejected    bool
	Data        types.CapData
	Decider     types.VatID
	Subscribers []types.VatID
	QueuedCount int
}

// PromiseInfo reports the current state of a kernel promise.
func (k *Kernel) PromiseInfo(ctx context.Context, kref types.KRef) (PromiseInfo, bool, error) {
	rec, found, err := k.keeper.GetPromise(ctx, kref)
	if err != nil || !found {
		return PromiseInfo{}, found, err
	}
	return PromiseInfo{
		Resolved:    rec.State != promiseUnresolved,
		Rejected:    rec.State == promiseRejected,
		Data:        rec.Data,
		Decider:     rec.Decider,
		Subscribers: rec.Subscribers,
		QueuedCount: len(rec.Queue),
	}, true, nil
}

// CreateMeter allocates a meter with the given starting budget.
func (k *Kernel) CreateMeter(ctx context.Context, remaining, threshold uint64) (meter.ID, error) {
	id, err := k.meters.Create(ctx, remaining, threshold)
	if err != nil {
		k.bds.Abort()
		return meter.NoMeter, err
	}
	return id, k.bds.Commit(ctx)
}

// TopUpMeter adds budget to a meter; a vat terminated for exhaustion stays
// terminated, but the meter becomes chargeable again.
func (k *Kernel) TopUpMeter(ctx context.Context, id meter.ID, amount uint64) (uint64, error) {
	remaining, err := k.meters.TopUp(ctx, id, amount)
	if err != nil {
		k.bds.Abort()
		return 0, err
	}
	return remaining, k.bds.Commit(ctx)
}

// MeterState reads a meter's balance.
func (k *Kernel) MeterState(ctx context.Context, id meter.ID) (meter.State, bool, error) {
	return k.meters.Get(ctx, id)
}

// TerminateVat removes a vat by administrative decision.
func (k *Kernel) TerminateVat(ctx context.Context, vatID types.VatID, reason string) error {
	if k.halted != nil {
		return k.halted
	}
	if err := k.terminateVat(ctx, vatID, reason, types.CapData{Body: terminationBody(reason)}); err != nil {
		k.bds.Abort()
		return err
	}
	return k.bds.Commit(ctx)
}

// QueueLength reports the number of deliveries waiting to run.
func (k *Kernel) QueueLength() int {
	return len(k.queue)
}

// IsVatActive reports whether the vat is registered and not terminated.
func (k *Kernel) IsVatActive(vatID types.VatID) bool {
	entry := k.vats[vatID]
	return entry != nil && !entry.record.Terminated
}

func (k *Kernel) enqueue(ctx context.Context, d types.Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	k.queue = append(k.queue, d)
	return k.persistQueue(ctx)
}

func (k *Kernel) persistQueue(ctx context.Context) error {
	return k.keeper.SaveQueue(ctx, k.queue)
}

func asPanic(err error) error {
	var pe *PanicError
	if errors.As(err, &pe) {
		return err
	}
	return &PanicError{Err: err}
}

func terminationBody(reason string) []byte {
	raw, err := types.Encode(reason)
	if err != nil {
		return []byte("\"vat terminated\"")
	}
	return raw
}

// terminateVat performs the full cleanup of one vat: reject every promise it
// decides, drop its translation table, transcript, and vatstore, and shut
// the manager down. Its exported objects remain in the object table so
// future messages to them reject cleanly.
func (k *Kernel) terminateVat(ctx context.Context, vatID types.VatID, reason string, rejection types.CapData) error {
	rec, found, err := k.keeper.GetVat(ctx, vatID)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("unknown vat %s", vatID)
	}
	if rec.Terminated {
		return nil
	}
	rec.Terminated = true
	if err := k.keeper.PutVat(ctx, vatID, rec); err != nil {
		return err
	}

	if len(rejection.Body) == 0 {
		rejection = types.CapData{Body: terminationBody(reason)}
	}
	kps, err := k.keeper.listPromises(ctx)
	if err != nil {
		return err
	}
	for _, kp := range kps {
		prec, pfound, err := k.keeper.GetPromise(ctx, kp)
		if err != nil {
			return err
		}
		if !pfound || prec.State != promiseUnresolved || prec.Decider != vatID {
			continue
		}
		if err := k.resolvePromise(ctx, kp, true, rejection, vatID); err != nil {
			return err
		}
	}

	table := clist.NewTable(k.bds, vatID, k.keeper)
	if err := table.DeleteAll(ctx); err != nil {
		return err
	}
	if err := k.transcripts.DeleteVat(ctx, vatID); err != nil {
		return err
	}
	if err := k.keeper.DeleteVatstore(ctx, vatID); err != nil {
		return err
	}

	if entry := k.vats[vatID]; entry != nil {
		if entry.handle != nil {
			if err := entry.handle.Shutdown(ctx); err != nil {
				log.Warnf("vat %s shutdown: %v", vatID, err)
			}
		}
		if entry.slogger != nil {
			entry.slogger.Terminated(reason)
		}
		delete(k.vats, vatID)
	}
	terminations.Inc(ctx, 1)
	log.Infow("vat terminated", "vatID", string(vatID), "reason", reason)
	return nil
}

// resolvePromise settles one promise, notifies every subscriber except the
// one doing the resolving, and requeues any messages that were waiting on
// it. Requeued messages route again and now find the settled state.
func (k *Kernel) resolvePromise(ctx context.Context, kp types.KRef, rejected bool, data types.CapData, exclude types.VatID) error {
	rec, found, err := k.keeper.GetPromise(ctx, kp)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(errInvariant, "resolving unknown promise %s", kp)
	}
	if rec.State != promiseUnresolved {
		return errors.Wrapf(errInvariant, "resolving settled promise %s", kp)
	}

	subscribers := rec.Subscribers
	queued := rec.Queue
	if rejected {
		rec.State = promiseRejected
	} else {
		rec.State = promiseFulfilled
	}
	rec.Data = data
	rec.Decider = ""
	rec.Subscribers = nil
	rec.Queue = nil
	if err := k.keeper.PutPromise(ctx, kp, rec); err != nil {
		return err
	}

	for _, sub := range subscribers {
		if sub == exclude || !k.IsVatActive(sub) {
			continue
		}
		if err := k.enqueue(ctx, types.Delivery{
			Kind: types.DeliverNotify,
			Vat:  sub,
			Resolutions: []types.Resolution{
				{Promise: kp, Rejected: rejected, Data: data},
			},
		}); err != nil {
			return err
		}
	}
	for _, d := range queued {
		if err := k.enqueue(ctx, d); err != nil {
			return err
		}
	}
	return nil
}
