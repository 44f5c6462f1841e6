package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.f110.dev/instances/pkg/database"
)

type entry struct {
	record   *database.InstanceRecord
	expireAt time.Time
}

// InstanceDatabase keeps records in the process memory.
// A single value can be shared by several engines to simulate peers.
type InstanceDatabase struct {
	mu      sync.Mutex
	records map[string]*entry
	now     func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

func NewInstanceDatabase() *InstanceDatabase {
	return &InstanceDatabase{records: make(map[string]*entry), now: time.Now}
}

func (d *InstanceDatabase) Publish(_ context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = d.now().Add(ttl)
	}
	d.records[record.Id] = &entry{record: record.Clone(), expireAt: exp}
	return nil
}

func (d *InstanceDatabase) FetchAll(_ context.Context) ([]*database.InstanceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	result := make([]*database.InstanceRecord, 0, len(d.records))
	for id, e := range d.records {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(d.records, id)
			continue
		}
		result = append(result, e.record.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })

	return result, nil
}

func (d *InstanceDatabase) Leave(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.records, id)
	return nil
}

// Len returns the number of records including expired ones that have not been swept yet.
func (d *InstanceDatabase) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.records)
}
