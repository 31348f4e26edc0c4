package kernel

import (
	"context"

	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"
)

// Dump returns every committed kernel key/value pair. Two kernels that
// processed the same inputs must produce identical dumps; the comparison is
// how replica divergence and replay fidelity are checked.
func (k *Kernel) Dump(ctx context.Context) (map[string][]byte, error) {
	if k.bds.Dirty() {
		return nil, errors.New("dump with uncommitted crank state")
	}
	res, err := k.backKeeper.ds.Query(ctx, query.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "dumping kernel state")
	}
	defer res.Close() // nolint: errcheck
	out := make(map[string][]byte)
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		out[r.Key] = r.Value
	}
	return out, nil
}
