// Package types holds the identifiers and wire values shared by every kernel
// component: vat identities, kernel-wide and vat-local references, deliveries,
// and syscalls.
//
// Reference grammar:
//
//	VatID  v<N>            kernel-assigned vat identity
//	KRef   ko<N> | kp<N>   kernel-wide object / promise reference
//	VRef   o±<N> | p±<N>   vat-local object / promise slot; "+" slots are
//	                       allocated by the vat (exports), "-" slots by the
//	                       kernel (imports)
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// VatID identifies a single vat for the lifetime of the kernel.
type VatID string

// MakeVatID builds the VatID for the given allocation index.
func MakeVatID(n uint64) VatID {
	return VatID(fmt.Sprintf("v%d", n))
}

// Validate checks the v<N> form.
func (id VatID) Validate() error {
	s := string(id)
	if len(s) < 2 || s[0] != 'v' {
		return errors.Errorf("invalid vat ID %q", s)
	}
	if _, err := strconv.ParseUint(s[1:], 10, 64); err != nil {
		return errors.Errorf("invalid vat ID %q", s)
	}
	return nil
}

// KRef is a kernel-wide reference to an exported object (ko<N>) or a promise
// (kp<N>). KRefs are stable across restarts and never shown to vats directly.
type KRef string

// NoKRef is the zero KRef, used where a result promise is absent.
const NoKRef = KRef("")

// MakeObjectKRef builds the object kref for an allocation index.
func MakeObjectKRef(n uint64) KRef {
	return KRef(fmt.Sprintf("ko%d", n))
}

// MakePromiseKRef builds the promise kref for an allocation index.
func MakePromiseKRef(n uint64) KRef {
	return KRef(fmt.Sprintf("kp%d", n))
}

// IsPromise reports whether the kref names a promise.
func (k KRef) IsPromise() bool {
	return strings.HasPrefix(string(k), "kp")
}

// Validate checks the ko<N>/kp<N> form.
func (k KRef) Validate() error {
	s := string(k)
	if len(s) < 3 || s[0] != 'k' || (s[1] != 'o' && s[1] != 'p') {
		return errors.Errorf("invalid kref %q", s)
	}
	if _, err := strconv.ParseUint(s[2:], 10, 64); err != nil {
		return errors.Errorf("invalid kref %q", s)
	}
	return nil
}

// VRef is a vat-local reference. The owning vat allocates "+" slots for the
// things it exports; the kernel allocates "-" slots for the things the vat
// imports. A VRef is only meaningful relative to one vat's translation table.
type VRef string

// NoVRef is the zero VRef.
const NoVRef = VRef("")

// MakeExportObjectVRef builds the vat-allocated object slot o+<N>.
func MakeExportObjectVRef(n uint64) VRef {
	return VRef(fmt.Sprintf("o+%d", n))
}

// MakeImportObjectVRef builds the kernel-allocated object slot o-<N>.
func MakeImportObjectVRef(n uint64) VRef {
	return VRef(fmt.Sprintf("o-%d", n))
}

// MakeExportPromiseVRef builds the vat-allocated promise slot p+<N>.
func MakeExportPromiseVRef(n uint64) VRef {
	return VRef(fmt.Sprintf("p+%d", n))
}

// MakeImportPromiseVRef builds the kernel-allocated promise slot p-<N>.
func MakeImportPromiseVRef(n uint64) VRef {
	return VRef(fmt.Sprintf("p-%d", n))
}

// IsPromise reports whether the vref names a promise slot.
func (v VRef) IsPromise() bool {
	return strings.HasPrefix(string(v), "p")
}

// IsVatAllocated reports whether the slot was allocated by the vat itself
// (an export) rather than by the kernel (an import).
func (v VRef) IsVatAllocated() bool {
	return len(v) >= 2 && v[1] == '+'
}

// Validate checks the o±<N>/p±<N> form.
func (v VRef) Validate() error {
	s := string(v)
	if len(s) < 3 || (s[0] != 'o' && s[0] != 'p') || (s[1] != '+' && s[1] != '-') {
		return errors.Errorf("invalid vref %q", s)
	}
	if _, err := strconv.ParseUint(s[2:], 10, 64); err != nil {
		return errors.Errorf("invalid vref %q", s)
	}
	return nil
}
