package memcached

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database"
)

const (
	indexKey   = "instances"
	recordKey  = "instance/"
	maxRetries = 10
)

var errConflict = xerrors.New("memcached: too many conflicts while updating the index")

// InstanceDatabase stores each record as an item that expires natively.
// Because memcached can't enumerate keys, the ids are also kept in an index item which is updated with CAS.
type InstanceDatabase struct {
	client *memcache.Client
	prefix string
	now    func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

// index maps the id of the instance to the expiration time of the record.
type index map[string]time.Time

func NewInstanceDatabase(client *memcache.Client, prefix string) *InstanceDatabase {
	return &InstanceDatabase{client: client, prefix: prefix, now: time.Now}
}

func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return database.Unavailable(err)
	}

	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(record); err != nil {
		return database.Rejected(err)
	}
	err := d.client.Set(&memcache.Item{
		Key:        d.key(recordKey + record.Id),
		Value:      buf.Bytes(),
		Expiration: expiration(ttl),
	})
	if err != nil {
		return storageError(err)
	}

	expiresAt := record.ExpiresAt(ttl)
	err = d.updateIndex(ctx, func(idx index) {
		idx[record.Id] = expiresAt
	})
	if err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, database.Unavailable(err)
	}

	idx, _, err := d.getIndex()
	if err != nil {
		return nil, storageError(err)
	}
	if len(idx) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(idx))
	for id := range idx {
		keys = append(keys, d.key(recordKey+id))
	}
	items, err := d.client.GetMulti(keys)
	if err != nil {
		return nil, storageError(err)
	}

	records := make([]*database.InstanceRecord, 0, len(items))
	for _, item := range items {
		record := &database.InstanceRecord{}
		if err := gob.NewDecoder(bytes.NewReader(item.Value)).Decode(record); err != nil {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })

	return records, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	if err := d.client.Delete(d.key(recordKey + id)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return storageError(err)
	}
	err := d.updateIndex(ctx, func(idx index) {
		delete(idx, id)
	})
	if err != nil {
		return storageError(err)
	}

	return nil
}

// updateIndex applies fn to the index and writes it back with CAS. Entries that have expired are dropped.
func (d *InstanceDatabase) updateIndex(ctx context.Context, fn func(idx index)) error {
	for range maxRetries {
		if err := ctx.Err(); err != nil {
			return err
		}

		idx, item, err := d.getIndex()
		if err != nil {
			return err
		}
		fn(idx)
		idx.sweep(d.now())

		value, err := idx.encode()
		if err != nil {
			return err
		}
		if item == nil {
			err = d.client.Add(&memcache.Item{Key: d.key(indexKey), Value: value})
		} else {
			item.Value = value
			err = d.client.CompareAndSwap(item)
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, memcache.ErrCASConflict), errors.Is(err, memcache.ErrNotStored), errors.Is(err, memcache.ErrCacheMiss):
			continue
		default:
			return err
		}
	}

	return errConflict
}

// getIndex returns the index and its item. The item is nil when the index doesn't exist yet.
func (d *InstanceDatabase) getIndex() (index, *memcache.Item, error) {
	item, err := d.client.Get(d.key(indexKey))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return make(index), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	idx, err := decodeIndex(item.Value)
	if err != nil {
		// A broken index is rebuilt by the publishers.
		return make(index), item, nil
	}
	return idx, item, nil
}

func (d *InstanceDatabase) key(k string) string {
	return d.prefix + k
}

func (idx index) sweep(now time.Time) {
	for id, expiresAt := range idx {
		if expiresAt.Before(now) {
			delete(idx, id)
		}
	}
}

func (idx index) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(map[string]time.Time(idx)); err != nil {
		return nil, xerrors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func decodeIndex(b []byte) (index, error) {
	idx := make(map[string]time.Time)
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&idx); err != nil {
		return nil, xerrors.WithStack(err)
	}
	return index(idx), nil
}

// expiration converts ttl to the expiration of memcached in seconds. It's rounded up.
func expiration(ttl time.Duration) int32 {
	s := math.Ceil(ttl.Seconds())
	if s < 1 {
		s = 1
	}
	return int32(s)
}

func storageError(err error) error {
	switch {
	case errors.Is(err, memcache.ErrMalformedKey):
		return database.Rejected(err)
	default:
		return database.Unavailable(err)
	}
}
