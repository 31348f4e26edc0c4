package bundle

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
)

// SourceSpec identifies how a vat's code is obtained. Exactly one of the
// three forms must be present; the source is resolved once at creation time
// and never mutated afterward.
type SourceSpec struct {
	Bundle     *Bundle
	BundleName string
	BundleID   cid.Cid
}

// FromBundle builds a source around an inline bundle.
func FromBundle(b *Bundle) SourceSpec {
	return SourceSpec{Bundle: b}
}

// FromName builds a source resolved against the keeper's named-bundle table.
func FromName(name string) SourceSpec {
	return SourceSpec{BundleName: name}
}

// FromID builds a source resolved by content address.
func FromID(id cid.Cid) SourceSpec {
	return SourceSpec{BundleID: id}
}

// Validate enforces the exactly-one-form invariant.
func (s SourceSpec) Validate() error {
	forms := 0
	if s.Bundle != nil {
		forms++
	}
	if s.BundleName != "" {
		forms++
	}
	if s.BundleID.Defined() {
		forms++
	}
	if forms != 1 {
		return &InvalidSourceError{Forms: forms}
	}
	return nil
}

// Resolve validates the source and produces the concrete bundle plus its
// content address, consulting the keeper for the named and by-ID forms.
func Resolve(ctx context.Context, s SourceSpec, keeper Keeper) (*Bundle, cid.Cid, error) {
	if err := s.Validate(); err != nil {
		return nil, cid.Undef, err
	}
	switch {
	case s.Bundle != nil:
		id, err := s.Bundle.ID()
		if err != nil {
			return nil, cid.Undef, err
		}
		return s.Bundle, id, nil
	case s.BundleName != "":
		b, found, err := keeper.GetNamedBundle(ctx, s.BundleName)
		if err != nil {
			return nil, cid.Undef, errors.Wrapf(err, "looking up bundle %q", s.BundleName)
		}
		if !found {
			return nil, cid.Undef, &UnknownBundleError{Name: s.BundleName}
		}
		id, err := b.ID()
		if err != nil {
			return nil, cid.Undef, err
		}
		return b, id, nil
	default:
		b, found, err := keeper.GetBundle(ctx, s.BundleID)
		if err != nil {
			return nil, cid.Undef, errors.Wrapf(err, "looking up bundle %s", s.BundleID)
		}
		if !found {
			return nil, cid.Undef, &UnknownBundleError{ID: s.BundleID}
		}
		return b, s.BundleID, nil
	}
}
