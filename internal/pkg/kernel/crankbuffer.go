package kernel

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

// crankBuffer is a write-back overlay on the kernel's backing datastore.
// Every subsystem writes through it during a crank; Commit flushes the
// accumulated writes in one batch and Abort discards them, which is what
// makes a crank atomic.
type crankBuffer struct {
	mu      sync.Mutex
	backing datastore.Batching
	writes  map[datastore.Key][]byte
	deletes map[datastore.Key]struct{}
}

var _ datastore.Datastore = (*crankBuffer)(nil)

func newCrankBuffer(backing datastore.Batching) *crankBuffer {
	return &crankBuffer{
		backing: backing,
		writes:  make(map[datastore.Key][]byte),
		deletes: make(map[datastore.Key]struct{}),
	}
}

func (b *crankBuffer) Get(ctx context.Context, key datastore.Key) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.writes[key]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	if _, ok := b.deletes[key]; ok {
		return nil, datastore.ErrNotFound
	}
	return b.backing.Get(ctx, key)
}

func (b *crankBuffer) Has(ctx context.Context, key datastore.Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.writes[key]; ok {
		return true, nil
	}
	if _, ok := b.deletes[key]; ok {
		return false, nil
	}
	return b.backing.Has(ctx, key)
}

func (b *crankBuffer) GetSize(ctx context.Context, key datastore.Key) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.writes[key]; ok {
		return len(v), nil
	}
	if _, ok := b.deletes[key]; ok {
		return -1, datastore.ErrNotFound
	}
	return b.backing.GetSize(ctx, key)
}

func (b *crankBuffer) Put(ctx context.Context, key datastore.Key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	b.writes[key] = cp
	delete(b.deletes, key)
	return nil
}

func (b *crankBuffer) Delete(ctx context.Context, key datastore.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.writes, key)
	b.deletes[key] = struct{}{}
	return nil
}

// Query merges the overlay with the backing store. Only prefix selection
// and key ordering are honored beyond what the backing store applies,
// which covers every query the kernel issues.
func (b *crankBuffer) Query(ctx context.Context, q query.Query) (query.Results, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := query.Query{Prefix: q.Prefix}
	res, err := b.backing.Query(ctx, base)
	if err != nil {
		return nil, err
	}
	defer res.Close() // nolint: errcheck

	merged := make(map[string][]byte)
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		merged[r.Key] = r.Value
	}
	prefix := q.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for k, v := range b.writes {
		if prefix == "" || strings.HasPrefix(k.String(), prefix) {
			merged[k.String()] = v
		}
	}
	for k := range b.deletes {
		delete(merged, k.String())
	}

	entries := make([]query.Entry, 0, len(merged))
	for k, v := range merged {
		e := query.Entry{Key: k}
		if !q.KeysOnly {
			e.Value = v
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return query.ResultsWithEntries(q, entries), nil
}

func (b *crankBuffer) Sync(ctx context.Context, prefix datastore.Key) error {
	return nil
}

func (b *crankBuffer) Close() error {
	return nil
}

// Dirty reports whether the buffer holds uncommitted writes.
func (b *crankBuffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes) > 0 || len(b.deletes) > 0
}

// Commit flushes buffered writes to the backing store and resets the
// overlay.
func (b *crankBuffer) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, err := b.backing.Batch(ctx)
	if err != nil {
		return err
	}
	for key, value := range b.writes {
		if err := batch.Put(ctx, key, value); err != nil {
			return err
		}
	}
	for key := range b.deletes {
		if err := batch.Delete(ctx, key); err != nil {
			return err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	b.writes = make(map[datastore.Key][]byte)
	b.deletes = make(map[datastore.Key]struct{})
	return nil
}

// Abort discards buffered writes, restoring the backing store view.
func (b *crankBuffer) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = make(map[datastore.Key][]byte)
	b.deletes = make(map[datastore.Key]struct{})
}
