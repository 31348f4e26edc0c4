package clist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

// DeliveryToVat translates a kernel delivery into the vat's local numbering
// before presentation. New krefs are paired with fresh import slots as a side
// effect.
func (t *Table) DeliveryToVat(ctx context.Context, d types.Delivery) (types.VatDelivery, error) {
	out := types.VatDelivery{Kind: d.Kind, Method: d.Method}
	var err error

	switch d.Kind {
	case types.DeliverMessage:
		if out.Target, err = t.MapKernelToVat(ctx, d.Target); err != nil {
			return types.VatDelivery{}, err
		}
		if out.Args, err = t.capDataToVat(ctx, d.Args); err != nil {
			return types.VatDelivery{}, err
		}
		if d.Result != types.NoKRef {
			if out.Result, err = t.MapKernelToVat(ctx, d.Result); err != nil {
				return types.VatDelivery{}, err
			}
		}
	case types.DeliverNotify:
		for _, r := range d.Resolutions {
			vr := types.VatResolution{Rejected: r.Rejected}
			if vr.Promise, err = t.MapKernelToVat(ctx, r.Promise); err != nil {
				return types.VatDelivery{}, err
			}
			if vr.Data, err = t.capDataToVat(ctx, r.Data); err != nil {
				return types.VatDelivery{}, err
			}
			out.Resolutions = append(out.Resolutions, vr)
		}
	case types.DeliverStartVat:
		if out.Args, err = t.capDataToVat(ctx, d.Args); err != nil {
			return types.VatDelivery{}, err
		}
	case types.DeliverBringOutYourDead:
	default:
		return types.VatDelivery{}, errors.Errorf("cannot translate delivery kind %d", d.Kind)
	}
	return out, nil
}

// SyscallToKernel translates a vat-issued syscall into kernel space. Export
// slots seen for the first time allocate fresh krefs; unknown import slots
// fail the crank.
func (t *Table) SyscallToKernel(ctx context.Context, vs types.VatSyscall) (types.Syscall, error) {
	if err := vs.Validate(); err != nil {
		return types.Syscall{}, err
	}
	out := types.Syscall{
		Kind:    vs.Kind,
		Method:  vs.Method,
		Failure: vs.Failure,
		Key:     vs.Key,
		Value:   vs.Value,
	}
	var err error

	switch vs.Kind {
	case types.SyscallSend:
		if out.Target, err = t.MapVatToKernel(ctx, vs.Target); err != nil {
			return types.Syscall{}, err
		}
		if out.Args, err = t.capDataToKernel(ctx, vs.Args); err != nil {
			return types.Syscall{}, err
		}
		if vs.Result != types.NoVRef {
			if out.Result, err = t.MapVatToKernel(ctx, vs.Result); err != nil {
				return types.Syscall{}, err
			}
		}
	case types.SyscallSubscribe:
		if out.Promise, err = t.MapVatToKernel(ctx, vs.Promise); err != nil {
			return types.Syscall{}, err
		}
	case types.SyscallResolve:
		for _, r := range vs.Resolutions {
			kr := types.Resolution{Rejected: r.Rejected}
			if kr.Promise, err = t.MapVatToKernel(ctx, r.Promise); err != nil {
				return types.Syscall{}, err
			}
			if kr.Data, err = t.capDataToKernel(ctx, r.Data); err != nil {
				return types.Syscall{}, err
			}
			out.Resolutions = append(out.Resolutions, kr)
		}
	case types.SyscallExit:
		if out.Info, err = t.capDataToKernel(ctx, vs.Info); err != nil {
			return types.Syscall{}, err
		}
	case types.SyscallVatstoreGet, types.SyscallVatstoreSet, types.SyscallVatstoreDelete:
	case types.SyscallDropImports:
		for _, ref := range vs.Refs {
			kref, err := t.MapVatToKernel(ctx, ref)
			if err != nil {
				return types.Syscall{}, err
			}
			out.Refs = append(out.Refs, kref)
		}
		if err := t.Forget(ctx, vs.Refs); err != nil {
			return types.Syscall{}, err
		}
	default:
		return types.Syscall{}, errors.Errorf("cannot translate syscall kind %d", vs.Kind)
	}
	return out, nil
}

func (t *Table) capDataToVat(ctx context.Context, cd types.CapData) (types.VatCapData, error) {
	out := types.VatCapData{Body: cd.Body}
	for _, kref := range cd.Slots {
		vref, err := t.MapKernelToVat(ctx, kref)
		if err != nil {
			return types.VatCapData{}, err
		}
		out.Slots = append(out.Slots, vref)
	}
	return out, nil
}

func (t *Table) capDataToKernel(ctx context.Context, cd types.VatCapData) (types.CapData, error) {
	out := types.CapData{Body: cd.Body}
	for _, vref := range cd.Slots {
		kref, err := t.MapVatToKernel(ctx, vref)
		if err != nil {
			return types.CapData{}, err
		}
		out.Slots = append(out.Slots, kref)
	}
	return out, nil
}
