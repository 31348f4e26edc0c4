package bundle

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// InvalidSourceError reports a source descriptor with zero or more than one
// of {inline bundle, bundle name, bundle ID} present. Creation fails before
// any resources are allocated.
type InvalidSourceError struct {
	Forms int
}

func (e *InvalidSourceError) Error() string {
	return fmt.Sprintf("vat source must have exactly one form, got %d", e.Forms)
}

// UnknownBundleError reports a name or ID that did not resolve via the
// keeper. During initial creation this fails the request; during recreation
// it is escalated to a kernel-fatal configuration error by the caller.
type UnknownBundleError struct {
	Name string
	ID   cid.Cid
}

func (e *UnknownBundleError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("no bundle named %q", e.Name)
	}
	return fmt.Sprintf("no bundle with ID %s", e.ID)
}
