package kernel

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"

	"github.com/vatkit/vatkit/internal/pkg/types"
	"github.com/vatkit/vatkit/internal/pkg/vatoptions"
)

// Datastore layout:
//
//	/kernel/vats/<vatID>            cbor(vatRecord)
//	/kernel/objects/<kref>          owner vatID
//	/kernel/promises/<kref>         cbor(promiseRecord)
//	/kernel/runqueue                cbor([]Delivery)
//	/kernel/counters/<name>         decimal
//	/kernel/vatstore/<vatID>/<key>  raw value
//	/kernel/reap/<vatID>            decimal deliveries since last reap
var (
	vatsPrefix     = datastore.NewKey("/kernel/vats")
	objectsPrefix  = datastore.NewKey("/kernel/objects")
	promisesPrefix = datastore.NewKey("/kernel/promises")
	runQueueKey    = datastore.NewKey("/kernel/runqueue")
	countersPrefix = datastore.NewKey("/kernel/counters")
	vatstorePrefix = datastore.NewKey("/kernel/vatstore")
	reapPrefix     = datastore.NewKey("/kernel/reap")
)

// vatRecord is the durable half of a vat: everything needed to recreate
// it after a restart. Runtime state (manager handle, c-list cache) lives
// in vatEntry.
type vatRecord struct {
	Dynamic    bool                   `cbor:"dynamic"`
	Terminated bool                   `cbor:"terminated"`
	Ephemeral  bool                   `cbor:"ephemeral,omitempty"`
	BundleID   string                 `cbor:"bundleID,omitempty"`
	Bag        map[string]interface{} `cbor:"bag,omitempty"`
}

type promiseState uint8

const (
	promiseUnresolved promiseState = iota + 1
	promiseFulfilled
	promiseRejected
)

// promiseRecord tracks a kernel promise. Decider is empty while the
// message carrying the promise as its result is still in flight.
type promiseRecord struct {
	State       promiseState     `cbor:"state"`
	Decider     types.VatID      `cbor:"decider,omitempty"`
	Subscribers []types.VatID    `cbor:"subscribers,omitempty"`
	Queue       []types.Delivery `cbor:"queue,omitempty"`
	Data        types.CapData    `cbor:"data,omitempty"`
}

func (r *promiseRecord) hasSubscriber(vatID types.VatID) bool {
	for _, s := range r.Subscribers {
		if s == vatID {
			return true
		}
	}
	return false
}

// keeper persists kernel tables through whatever datastore it is handed;
// the kernel hands it the crank buffer so keeper writes obey crank
// atomicity.
type keeper struct {
	ds datastore.Datastore
}

func newKeeper(ds datastore.Datastore) *keeper {
	return &keeper{ds: ds}
}

func (s *keeper) nextCounter(ctx context.Context, name string) (uint64, error) {
	key := countersPrefix.ChildString(name)
	next := uint64(1)
	raw, err := s.ds.Get(ctx, key)
	switch {
	case err == nil:
		cur, perr := strconv.ParseUint(string(raw), 10, 64)
		if perr != nil {
			return 0, errors.Wrapf(perr, "corrupt counter %s", name)
		}
		next = cur + 1
	case errors.Is(err, datastore.ErrNotFound):
	default:
		return 0, errors.Wrapf(err, "reading counter %s", name)
	}
	if err := s.ds.Put(ctx, key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, errors.Wrapf(err, "writing counter %s", name)
	}
	return next, nil
}

func (s *keeper) NextVatID(ctx context.Context) (types.VatID, error) {
	n, err := s.nextCounter(ctx, "vat")
	if err != nil {
		return "", err
	}
	return types.MakeVatID(n), nil
}

func (s *keeper) NextCrank(ctx context.Context) (uint64, error) {
	return s.nextCounter(ctx, "crank")
}

// AllocateObjectKRef implements clist.Allocator for vat object exports.
func (s *keeper) AllocateObjectKRef(ctx context.Context, owner types.VatID) (types.KRef, error) {
	n, err := s.nextCounter(ctx, "object")
	if err != nil {
		return types.NoKRef, err
	}
	kref := types.MakeObjectKRef(n)
	if err := s.ds.Put(ctx, objectsPrefix.ChildString(string(kref)), []byte(owner)); err != nil {
		return types.NoKRef, errors.Wrapf(err, "recording owner of %s", kref)
	}
	return kref, nil
}

// AllocatePromiseKRef implements clist.Allocator for vat promise exports.
// The exporting vat starts as decider; the kernel adjusts deciders as the
// promise travels.
func (s *keeper) AllocatePromiseKRef(ctx context.Context, allocator types.VatID) (types.KRef, error) {
	n, err := s.nextCounter(ctx, "promise")
	if err != nil {
		return types.NoKRef, err
	}
	kref := types.MakePromiseKRef(n)
	rec := promiseRecord{State: promiseUnresolved, Decider: allocator}
	if err := s.PutPromise(ctx, kref, rec); err != nil {
		return types.NoKRef, err
	}
	return kref, nil
}

// AllocateKernelPromise mints a promise with no decider, for externally
// injected messages.
func (s *keeper) AllocateKernelPromise(ctx context.Context) (types.KRef, error) {
	n, err := s.nextCounter(ctx, "promise")
	if err != nil {
		return types.NoKRef, err
	}
	kref := types.MakePromiseKRef(n)
	if err := s.PutPromise(ctx, kref, promiseRecord{State: promiseUnresolved}); err != nil {
		return types.NoKRef, err
	}
	return kref, nil
}

func (s *keeper) ObjectOwner(ctx context.Context, kref types.KRef) (types.VatID, bool, error) {
	raw, err := s.ds.Get(ctx, objectsPrefix.ChildString(string(kref)))
	if errors.Is(err, datastore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "reading owner of %s", kref)
	}
	return types.VatID(raw), true, nil
}

func (s *keeper) GetPromise(ctx context.Context, kref types.KRef) (promiseRecord, bool, error) {
	var rec promiseRecord
	raw, err := s.ds.Get(ctx, promisesPrefix.ChildString(string(kref)))
	if errors.Is(err, datastore.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errors.Wrapf(err, "reading promise %s", kref)
	}
	if err := types.Decode(raw, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "decoding promise %s", kref)
	}
	return rec, true, nil
}

func (s *keeper) PutPromise(ctx context.Context, kref types.KRef, rec promiseRecord) error {
	raw, err := types.Encode(&rec)
	if err != nil {
		return errors.Wrapf(err, "encoding promise %s", kref)
	}
	return s.ds.Put(ctx, promisesPrefix.ChildString(string(kref)), raw)
}

func (s *keeper) GetVat(ctx context.Context, vatID types.VatID) (vatRecord, bool, error) {
	var rec vatRecord
	raw, err := s.ds.Get(ctx, vatsPrefix.ChildString(string(vatID)))
	if errors.Is(err, datastore.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errors.Wrapf(err, "reading vat record %s", vatID)
	}
	if err := types.Decode(raw, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "decoding vat record %s", vatID)
	}
	return rec, true, nil
}

func (s *keeper) PutVat(ctx context.Context, vatID types.VatID, rec vatRecord) error {
	raw, err := types.Encode(&rec)
	if err != nil {
		return errors.Wrapf(err, "encoding vat record %s", vatID)
	}
	return s.ds.Put(ctx, vatsPrefix.ChildString(string(vatID)), raw)
}

// ListVats returns every recorded vat ID in creation order.
func (s *keeper) ListVats(ctx context.Context) ([]types.VatID, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: vatsPrefix.String(), KeysOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "listing vats")
	}
	defer res.Close() // nolint: errcheck
	var out []types.VatID
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		out = append(out, types.VatID(strings.TrimPrefix(r.Key, vatsPrefix.String()+"/")))
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.ParseUint(strings.TrimPrefix(string(out[i]), "v"), 10, 64)
		nj, _ := strconv.ParseUint(strings.TrimPrefix(string(out[j]), "v"), 10, 64)
		return ni < nj
	})
	return out, nil
}

func (s *keeper) SaveQueue(ctx context.Context, items []types.Delivery) error {
	raw, err := types.Encode(items)
	if err != nil {
		return errors.Wrap(err, "encoding run queue")
	}
	return s.ds.Put(ctx, runQueueKey, raw)
}

func (s *keeper) LoadQueue(ctx context.Context) ([]types.Delivery, error) {
	raw, err := s.ds.Get(ctx, runQueueKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading run queue")
	}
	var items []types.Delivery
	if err := types.Decode(raw, &items); err != nil {
		return nil, errors.Wrap(err, "decoding run queue")
	}
	return items, nil
}

func (s *keeper) vatstoreKey(vatID types.VatID, key string) datastore.Key {
	return vatstorePrefix.ChildString(string(vatID)).ChildString(key)
}

func (s *keeper) VatstoreGet(ctx context.Context, vatID types.VatID, key string) ([]byte, bool, error) {
	raw, err := s.ds.Get(ctx, s.vatstoreKey(vatID, key))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "vatstore get %s/%s", vatID, key)
	}
	return raw, true, nil
}

func (s *keeper) VatstoreSet(ctx context.Context, vatID types.VatID, key string, value []byte) error {
	return s.ds.Put(ctx, s.vatstoreKey(vatID, key), value)
}

func (s *keeper) VatstoreDelete(ctx context.Context, vatID types.VatID, key string) error {
	return s.ds.Delete(ctx, s.vatstoreKey(vatID, key))
}

// DeleteVatstore drops every vatstore entry a vat owns, as part of
// termination cleanup.
func (s *keeper) DeleteVatstore(ctx context.Context, vatID types.VatID) error {
	prefix := vatstorePrefix.ChildString(string(vatID))
	res, err := s.ds.Query(ctx, query.Query{Prefix: prefix.String(), KeysOnly: true})
	if err != nil {
		return errors.Wrapf(err, "listing vatstore of %s", vatID)
	}
	defer res.Close() // nolint: errcheck
	for r := range res.Next() {
		if r.Error != nil {
			return r.Error
		}
		if err := s.ds.Delete(ctx, datastore.NewKey(r.Key)); err != nil {
			return errors.Wrapf(err, "deleting %s", r.Key)
		}
	}
	return nil
}

func (s *keeper) ReapCount(ctx context.Context, vatID types.VatID) (uint64, error) {
	raw, err := s.ds.Get(ctx, reapPrefix.ChildString(string(vatID)))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading reap count of %s", vatID)
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt reap count of %s", vatID)
	}
	return n, nil
}

func (s *keeper) SetReapCount(ctx context.Context, vatID types.VatID, n uint64) error {
	return s.ds.Put(ctx, reapPrefix.ChildString(string(vatID)), []byte(strconv.FormatUint(n, 10)))
}

// listPromises returns every promise kref, ascending. Used by
// termination cleanup and by state dumps.
func (s *keeper) listPromises(ctx context.Context) ([]types.KRef, error) {
	res, err := s.ds.Query(ctx, query.Query{Prefix: promisesPrefix.String(), KeysOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "listing promises")
	}
	defer res.Close() // nolint: errcheck
	var out []types.KRef
	for r := range res.Next() {
		if r.Error != nil {
			return nil, r.Error
		}
		out = append(out, types.KRef(strings.TrimPrefix(r.Key, promisesPrefix.String()+"/")))
	}
	sort.Slice(out, func(i, j int) bool {
		ni, _ := strconv.ParseUint(strings.TrimPrefix(string(out[i]), "kp"), 10, 64)
		nj, _ := strconv.ParseUint(strings.TrimPrefix(string(out[j]), "kp"), 10, 64)
		return ni < nj
	})
	return out, nil
}

// bagFromRecord rebuilds the option bag a vat was created with.
// CBOR round-tripping turns numbers into uint64/int64, which the option
// parser accepts.
func bagFromRecord(rec vatRecord) vatoptions.Bag {
	if rec.Bag == nil {
		return vatoptions.Bag{}
	}
	bag := make(vatoptions.Bag, len(rec.Bag))
	for k, v := range rec.Bag {
		bag[k] = v
	}
	return bag
}
