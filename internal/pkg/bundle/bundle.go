// Package bundle defines the opaque code artifact a vat runs, its
// content-addressed identity, and the keeper interface through which the
// kernel resolves bundles at vat-creation time.
//
// The kernel never inspects a bundle's contents; it hands the bundle to the
// isolated execution environment behind the vat-manager boundary.
package bundle

import (
	"context"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"
)

// Bundle is a packaged vat code artifact. Format names the packaging scheme;
// Data is the opaque payload.
type Bundle struct {
	Format string `cbor:"format"`
	Data   []byte `cbor:"data"`
}

// ID computes the bundle's content address: a CIDv1 over the raw payload with
// blake2b-256, so equal bundles always carry equal IDs across restarts.
func (b *Bundle) ID() (cid.Cid, error) {
	hash, err := mh.Sum(b.Data, mh.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, errors.Wrap(err, "hashing bundle")
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}

// Keeper is the persistence collaborator consulted synchronously during vat
// creation. An absent bundle is reported with found=false, not an error.
type Keeper interface {
	GetNamedBundle(ctx context.Context, name string) (*Bundle, bool, error)
	GetBundle(ctx context.Context, id cid.Cid) (*Bundle, bool, error)
}
