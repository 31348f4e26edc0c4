// Package vatmanager defines the boundary between the kernel and the
// isolated execution environment hosting a vat's code.
//
// The kernel never assumes a particular sandboxing technology: it holds a
// Factory, asks it for a Handle per vat, and pushes deliveries through the
// Handle. Everything on the far side of a Handle is untrusted; the only way
// back into the kernel is the SyscallHandler the factory was given.
package vatmanager

import (
	"context"

	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/bundle"
	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

// SyscallHandler carries a vat-issued syscall into the kernel and returns the
// kernel's answer. During transcript replay the kernel substitutes a handler
// that asserts against the recording instead of applying effects.
type SyscallHandler func(vs types.VatSyscall) (types.SyscallResult, error)

// DeliveryResult reports the outcome of one delivery.
type DeliveryResult struct {
	// Ok is false when the vat's own code failed; the kernel terminates the
	// vat but keeps running.
	Ok bool
	// Compute is the execution cost the manager measured, charged against
	// the vat's meter if it has one.
	Compute uint64
	// Problem describes the vat failure when Ok is false.
	Problem string
}

// ManagerOptions is the composed configuration handed to a Factory. It is
// assembled by the vat loader from validated vat options plus kernel policy.
type ManagerOptions struct {
	ManagerType vatoptions.ManagerType
	Bundle      *bundle.Bundle
	Metered     bool

	EnableSetup      bool
	EnableDisavow    bool
	EnablePipelining bool
	UseTranscript    bool

	VirtualObjectCacheSize int

	// ConsoleTag keys the vat's console output in logs, normally the vatID.
	ConsoleTag string

	// Setup bypasses bundle resolution with a caller-supplied setup
	// function; only honored when EnableSetup is true (the loadTestVat
	// path).
	Setup SetupFn
}

// Handle is a live vat instance ready to receive deliveries. At most one
// Handle is active per vat at a time.
type Handle struct {
	vatID    types.VatID
	deliver  func(ctx context.Context, vd types.VatDelivery) (DeliveryResult, error)
	shutdown func(ctx context.Context) error
}

// NewHandle wraps a manager implementation's entry points. Factories call
// this; the kernel only consumes the result.
func NewHandle(
	vatID types.VatID,
	deliver func(ctx context.Context, vd types.VatDelivery) (DeliveryResult, error),
	shutdown func(ctx context.Context) error,
) *Handle {
	return &Handle{vatID: vatID, deliver: deliver, shutdown: shutdown}
}

// VatID returns the identity of the hosted vat.
func (h *Handle) VatID() types.VatID {
	return h.vatID
}

// Deliver pushes one delivery into the vat and blocks until the vat yields.
// A non-nil error is a manager-level failure; vat-code failures come back as
// DeliveryResult.Ok == false.
func (h *Handle) Deliver(ctx context.Context, vd types.VatDelivery) (DeliveryResult, error) {
	return h.deliver(ctx, vd)
}

// Shutdown releases the vat instance.
func (h *Handle) Shutdown(ctx context.Context) error {
	if h.shutdown == nil {
		return nil
	}
	return h.shutdown(ctx)
}

// Factory constructs manager instances. The concrete sandbox is entirely
// behind this interface.
type Factory interface {
	Create(ctx context.Context, vatID types.VatID, opts ManagerOptions, syscall SyscallHandler) (*Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, vatID types.VatID, opts ManagerOptions, syscall SyscallHandler) (*Handle, error)

// Create implements Factory.
func (f FactoryFunc) Create(ctx context.Context, vatID types.VatID, opts ManagerOptions, syscall SyscallHandler) (*Handle, error) {
	return f(ctx, vatID, opts, syscall)
}

// ErrNoSetup is returned when a setup-function path is requested without a
// setup function, or vice versa.
var ErrNoSetup = errors.New("manager options carry no usable vat definition")
