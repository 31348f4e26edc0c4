package kernel

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/meter"
	"github.com/vatkit/vatkit/internal/pkg/transcript"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatmanager"
)

// Step pops one delivery off the run-queue and executes it as one crank.
// It returns false when the queue is empty. A crank that fails for reasons
// attributable to its vat rolls back, terminates the vat, and still counts
// as progress; a kernel-fatal failure halts the kernel and is returned.
func (k *Kernel) Step(ctx context.Context) (bool, error) {
	if k.halted != nil {
		return false, k.halted
	}
	if len(k.queue) == 0 {
		return false, nil
	}
	d := k.queue[0]
	k.queue = k.queue[1:]
	// The crank buffer rolls back datastore writes on abort; the in-memory
	// queue needs the same treatment for anything the crank enqueued.
	snapshot := append([]types.Delivery(nil), k.queue...)
	if err := k.persistQueue(ctx); err != nil {
		return false, k.halt(err)
	}

	err := k.route(ctx, d)
	if err == nil {
		if cerr := k.bds.Commit(ctx); cerr != nil {
			return false, k.halt(cerr)
		}
		cranksTotal.Inc(ctx, 1)
		queueDepth.Set(ctx, int64(len(k.queue)))
		if exit := k.exit; exit != nil {
			k.exit = nil
			rejection := exit.info
			reason := "vat exited"
			if exit.failure {
				reason = "vat exited with failure"
			}
			if terr := k.terminateVat(ctx, exit.vatID, reason, rejection); terr != nil {
				k.bds.Abort()
				return false, k.halt(terr)
			}
			if cerr := k.bds.Commit(ctx); cerr != nil {
				return false, k.halt(cerr)
			}
		}
		return true, nil
	}

	k.exit = nil
	var vf *vatFault
	if errors.As(err, &vf) && !IsKernelFatal(err) {
		// The delivery stays consumed; only its effects are discarded.
		k.bds.Abort()
		k.queue = snapshot
		if perr := k.persistQueue(ctx); perr != nil {
			return false, k.halt(perr)
		}
		var me *meter.MeterExhaustedError
		if errors.As(vf.cause, &me) {
			if merr := k.backMeters.MarkExhausted(ctx, me.ID); merr != nil {
				return false, k.halt(merr)
			}
		}
		if terr := k.terminateVat(ctx, vf.vatID, vf.cause.Error(), types.CapData{}); terr != nil {
			k.bds.Abort()
			return false, k.halt(terr)
		}
		if cerr := k.bds.Commit(ctx); cerr != nil {
			return false, k.halt(cerr)
		}
		crankFailures.Inc(ctx, 1)
		queueDepth.Set(ctx, int64(len(k.queue)))
		return true, nil
	}

	k.bds.Abort()
	k.queue = snapshot
	return false, k.halt(err)
}

func (k *Kernel) halt(err error) error {
	k.halted = asPanic(err)
	k.onPanic(k.halted)
	return k.halted
}

// Run executes cranks until the queue drains, the context is cancelled, or
// the kernel halts. It returns the number of cranks executed.
func (k *Kernel) Run(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		progressed, err := k.Step(ctx)
		if err != nil {
			return n, err
		}
		if !progressed {
			return n, nil
		}
		n++
	}
}

func (k *Kernel) route(ctx context.Context, d types.Delivery) error {
	switch d.Kind {
	case types.DeliverMessage:
		if d.Target.IsPromise() {
			return k.routeToPromise(ctx, d)
		}
		owner, found, err := k.keeper.ObjectOwner(ctx, d.Target)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(errInvariant, "message to unowned object %s", d.Target)
		}
		return k.deliverToVat(ctx, owner, d)
	case types.DeliverNotify, types.DeliverStartVat, types.DeliverBringOutYourDead:
		return k.deliverToVat(ctx, d.Vat, d)
	default:
		return errors.Wrapf(errInvariant, "unroutable delivery kind %d", d.Kind)
	}
}

// routeToPromise handles a message targeting a promise. A settled promise
// forwards to its resolution (or rejects the result); an unresolved one
// queues on the promise, or pipelines straight to the decider when that vat
// opted in.
func (k *Kernel) routeToPromise(ctx context.Context, d types.Delivery) error {
	rec, found, err := k.keeper.GetPromise(ctx, d.Target)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(errInvariant, "message to unknown promise %s", d.Target)
	}
	switch rec.State {
	case promiseFulfilled:
		if len(rec.Data.Slots) == 1 && !rec.Data.Slots[0].IsPromise() {
			d.Target = rec.Data.Slots[0]
			return k.enqueue(ctx, d)
		}
		return k.rejectResult(ctx, d.Result, types.CapData{
			Body: terminationBody("cannot deliver to a promise resolved to data"),
		})
	case promiseRejected:
		return k.rejectResult(ctx, d.Result, rec.Data)
	default:
		if rec.Decider != "" {
			if decider := k.vats[rec.Decider]; decider != nil && decider.options.EnablePipelining {
				return k.deliverToVat(ctx, rec.Decider, d)
			}
		}
		rec.Queue = append(rec.Queue, d)
		return k.keeper.PutPromise(ctx, d.Target, rec)
	}
}

// rejectResult rejects a message's result promise, or quietly drops the
// message when it carried none.
func (k *Kernel) rejectResult(ctx context.Context, result types.KRef, data types.CapData) error {
	if result == types.NoKRef {
		return nil
	}
	return k.resolvePromise(ctx, result, true, data, "")
}

// deliverToVat executes one crank against one vat: translate the delivery,
// charge the meter, dispatch, record the transcript entry, and schedule
// garbage collection. All writes land in the crank buffer; the caller
// commits or aborts.
func (k *Kernel) deliverToVat(ctx context.Context, vatID types.VatID, d types.Delivery) error {
	entry := k.vats[vatID]
	if entry == nil {
		rec, found, err := k.keeper.GetVat(ctx, vatID)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(errInvariant, "delivery to unknown vat %s", vatID)
		}
		if rec.Terminated || rec.Ephemeral {
			if d.Kind == types.DeliverMessage {
				return k.rejectResult(ctx, d.Result, types.CapData{Body: terminationBody("vat terminated")})
			}
			return nil
		}
		return errors.Wrapf(errInvariant, "vat %s recorded but not loaded", vatID)
	}

	// The message's result promise is now decided by the receiving vat.
	if d.Kind == types.DeliverMessage && d.Result != types.NoKRef {
		prec, found, err := k.keeper.GetPromise(ctx, d.Result)
		if err != nil {
			return err
		}
		if !found {
			return errors.Wrapf(errInvariant, "message result %s is not a known promise", d.Result)
		}
		prec.Decider = vatID
		if err := k.keeper.PutPromise(ctx, d.Result, prec); err != nil {
			return err
		}
	}

	vd, err := entry.clist.DeliveryToVat(ctx, d)
	if err != nil {
		return &vatFault{vatID: vatID, cause: err}
	}

	crankNum, err := k.backKeeper.NextCrank(ctx)
	if err != nil {
		return err
	}
	entry.slogger.CrankStart(crankNum, d.Kind.String())

	metered := entry.options.Metered()
	meterID := meter.ID(entry.options.MeterID)
	if metered {
		if cerr := k.meters.Charge(ctx, meterID, meter.CrankCost); cerr != nil {
			entry.slogger.CrankFinish(crankNum, false)
			return &vatFault{vatID: vatID, cause: cerr}
		}
	}

	sc := &crankScratch{ctx: ctx}
	entry.crank = sc
	res, derr := entry.handle.Deliver(ctx, vd)
	entry.crank = nil

	var cause error
	switch {
	case derr != nil:
		cause = derr
	case !res.Ok:
		cause = errors.Errorf("vat code failed: %s", res.Problem)
	}
	if cause == nil && metered {
		if cerr := k.meters.Charge(ctx, meterID, res.Compute); cerr != nil {
			cause = cerr
		}
	}
	if cause != nil {
		entry.slogger.CrankFinish(crankNum, false)
		if IsKernelFatal(cause) {
			return cause
		}
		return &vatFault{vatID: vatID, cause: cause}
	}

	if entry.options.UseTranscript {
		if terr := k.transcripts.Append(ctx, vatID, transcript.Entry{Delivery: vd, Syscalls: sc.records}); terr != nil {
			return terr
		}
	}
	entry.slogger.CrankFinish(crankNum, true)

	if entry.options.ReapInterval != 0 && d.Kind != types.DeliverBringOutYourDead {
		n, rerr := k.keeper.ReapCount(ctx, vatID)
		if rerr != nil {
			return rerr
		}
		n++
		if n >= entry.options.ReapInterval {
			if qerr := k.enqueue(ctx, types.Delivery{Kind: types.DeliverBringOutYourDead, Vat: vatID}); qerr != nil {
				return qerr
			}
			n = 0
		}
		if rerr := k.keeper.SetReapCount(ctx, vatID, n); rerr != nil {
			return rerr
		}
	}
	return nil
}

// bindSyscall gives the loader a handler wired to one vat. The entry is
// resolved at call time, which lets replay interpose before the vat is fully
// registered.
func (k *Kernel) bindSyscall(vatID types.VatID) vatmanager.SyscallHandler {
	return func(vs types.VatSyscall) (types.SyscallResult, error) {
		return k.handleSyscall(vatID, vs)
	}
}

func (k *Kernel) handleSyscall(vatID types.VatID, vs types.VatSyscall) (types.SyscallResult, error) {
	entry := k.vats[vatID]
	if entry == nil {
		return types.SyscallResult{}, errors.Errorf("syscall from unknown vat %s", vatID)
	}
	if entry.replayer != nil {
		return entry.replayer.HandleSyscall(vs)
	}
	sc := entry.crank
	if sc == nil {
		return types.SyscallResult{}, errors.Errorf("vat %s issued a syscall outside a crank", vatID)
	}
	ctx := sc.ctx

	ks, err := entry.clist.SyscallToKernel(ctx, vs)
	if err != nil {
		return types.SyscallResult{}, err
	}
	if entry.options.Metered() {
		if cerr := k.meters.Charge(ctx, meter.ID(entry.options.MeterID), meter.SyscallCost); cerr != nil {
			return types.SyscallResult{}, cerr
		}
	}
	result, err := k.applySyscall(ctx, vatID, ks)
	if err != nil {
		return types.SyscallResult{}, err
	}
	if entry.options.UseTranscript {
		sc.records = append(sc.records, transcript.SyscallRecord{Syscall: vs, Result: result})
	}
	return result, nil
}

// applySyscall gives a translated syscall its kernel-side effect.
func (k *Kernel) applySyscall(ctx context.Context, vatID types.VatID, ks types.Syscall) (types.SyscallResult, error) {
	var zero types.SyscallResult
	switch ks.Kind {
	case types.SyscallSend:
		if ks.Result != types.NoKRef {
			// The result's decider is unknown until the message lands.
			rec, found, err := k.keeper.GetPromise(ctx, ks.Result)
			if err != nil {
				return zero, err
			}
			if !found {
				return zero, errors.Wrapf(errInvariant, "send result %s is not a known promise", ks.Result)
			}
			rec.Decider = ""
			if err := k.keeper.PutPromise(ctx, ks.Result, rec); err != nil {
				return zero, err
			}
		}
		return zero, k.enqueue(ctx, types.Delivery{
			Kind:   types.DeliverMessage,
			Target: ks.Target,
			Method: ks.Method,
			Args:   ks.Args,
			Result: ks.Result,
		})

	case types.SyscallSubscribe:
		rec, found, err := k.keeper.GetPromise(ctx, ks.Promise)
		if err != nil {
			return zero, err
		}
		if !found {
			return zero, errors.Wrapf(errInvariant, "subscribe to unknown promise %s", ks.Promise)
		}
		if rec.State == promiseUnresolved {
			if !rec.hasSubscriber(vatID) {
				rec.Subscribers = append(rec.Subscribers, vatID)
				return zero, k.keeper.PutPromise(ctx, ks.Promise, rec)
			}
			return zero, nil
		}
		// Already settled: notify immediately.
		return zero, k.enqueue(ctx, types.Delivery{
			Kind: types.DeliverNotify,
			Vat:  vatID,
			Resolutions: []types.Resolution{
				{Promise: ks.Promise, Rejected: rec.State == promiseRejected, Data: rec.Data},
			},
		})

	case types.SyscallResolve:
		// Validate every resolution before applying any, so a bad batch
		// has no partial effect even within the crank buffer.
		for _, r := range ks.Resolutions {
			rec, found, err := k.keeper.GetPromise(ctx, r.Promise)
			if err != nil {
				return zero, err
			}
			if !found {
				return zero, errors.Errorf("vat %s resolved unknown promise %s", vatID, r.Promise)
			}
			if rec.State != promiseUnresolved {
				return zero, errors.Errorf("vat %s resolved already-settled promise %s", vatID, r.Promise)
			}
			if rec.Decider != vatID {
				return zero, errors.Errorf("vat %s is not the decider of %s", vatID, r.Promise)
			}
		}
		for _, r := range ks.Resolutions {
			if err := k.resolvePromise(ctx, r.Promise, r.Rejected, r.Data, vatID); err != nil {
				return zero, err
			}
		}
		return zero, nil

	case types.SyscallExit:
		k.exit = &pendingExit{vatID: vatID, failure: ks.Failure, info: ks.Info}
		return zero, nil

	case types.SyscallVatstoreGet:
		value, found, err := k.keeper.VatstoreGet(ctx, vatID, ks.Key)
		if err != nil {
			return zero, err
		}
		return types.SyscallResult{Value: value, Found: found}, nil

	case types.SyscallVatstoreSet:
		return zero, k.keeper.VatstoreSet(ctx, vatID, ks.Key, ks.Value)

	case types.SyscallVatstoreDelete:
		return zero, k.keeper.VatstoreDelete(ctx, vatID, ks.Key)

	case types.SyscallDropImports:
		// The c-list pairings were already retired during translation;
		// the kernel keeps the objects alive for their other holders.
		return zero, nil

	default:
		return zero, errors.Wrapf(errInvariant, "unapplied syscall kind %d", ks.Kind)
	}
}
