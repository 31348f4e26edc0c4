package bundle

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
)

var (
	dataPrefix = datastore.NewKey("/bundles/data")
	namePrefix = datastore.NewKey("/bundles/names")
)

// Store is a datastore-backed bundle keeper. Bundles are stored under their
// content address; names are an indirection onto IDs.
type Store struct {
	ds datastore.Datastore
}

var _ Keeper = (*Store)(nil)

// NewStore builds a bundle store over the given datastore.
func NewStore(ds datastore.Datastore) *Store {
	return &Store{ds: ds}
}

// Add persists a bundle and returns its content address. Adding the same
// bundle twice is a no-op yielding the same ID.
func (s *Store) Add(ctx context.Context, b *Bundle) (cid.Cid, error) {
	id, err := b.ID()
	if err != nil {
		return cid.Undef, err
	}
	raw, err := types.Encode(b)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.ds.Put(ctx, dataPrefix.ChildString(id.String()), raw); err != nil {
		return cid.Undef, errors.Wrap(err, "storing bundle")
	}
	return id, nil
}

// Name records a well-known name for a previously added bundle.
func (s *Store) Name(ctx context.Context, name string, id cid.Cid) error {
	has, err := s.ds.Has(ctx, dataPrefix.ChildString(id.String()))
	if err != nil {
		return errors.Wrap(err, "checking bundle presence")
	}
	if !has {
		return &UnknownBundleError{ID: id}
	}
	return s.ds.Put(ctx, namePrefix.ChildString(name), []byte(id.String()))
}

// GetBundle implements Keeper.
func (s *Store) GetBundle(ctx context.Context, id cid.Cid) (*Bundle, bool, error) {
	raw, err := s.ds.Get(ctx, dataPrefix.ChildString(id.String()))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading bundle")
	}
	var b Bundle
	if err := types.Decode(raw, &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

// GetNamedBundle implements Keeper.
func (s *Store) GetNamedBundle(ctx context.Context, name string) (*Bundle, bool, error) {
	raw, err := s.ds.Get(ctx, namePrefix.ChildString(name))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "reading bundle name")
	}
	id, err := cid.Decode(string(raw))
	if err != nil {
		return nil, false, errors.Wrapf(err, "corrupt bundle name entry %q", name)
	}
	return s.GetBundle(ctx, id)
}
