package instances

import (
	"context"
	"sync"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeBackend never expires records by itself.
type fakeBackend struct {
	mu         sync.Mutex
	records    map[string]*database.InstanceRecord
	publishErr error
	fetchErr   error
	hidden     map[string]struct{}
	published  int
	fetched    int
	left       []string
}

var _ database.InstanceDatabase = &fakeBackend{}
var _ database.Leaver = &fakeBackend{}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{records: make(map[string]*database.InstanceRecord), hidden: make(map[string]struct{})}
}

func (f *fakeBackend) Publish(_ context.Context, record *database.InstanceRecord, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.published++
	f.records[record.Id] = record.Clone()
	return nil
}

func (f *fakeBackend) FetchAll(_ context.Context) ([]*database.InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	f.fetched++
	result := make([]*database.InstanceRecord, 0, len(f.records))
	for _, v := range f.records {
		if _, ok := f.hidden[v.Id]; ok {
			continue
		}
		result = append(result, v.Clone())
	}
	return result, nil
}

func (f *fakeBackend) Leave(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.left = append(f.left, id)
	delete(f.records, id)
	return nil
}

func (f *fakeBackend) Put(r *database.InstanceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.Id] = r.Clone()
}

func (f *fakeBackend) Hide(id string, hide bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hide {
		f.hidden[id] = struct{}{}
	} else {
		delete(f.hidden, id)
	}
}

func (f *fakeBackend) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeBackend) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeBackend) Published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

// withoutLeave hides the Leave method of the backend so that a stopped engine leaves its record behind.
type withoutLeave struct {
	database.InstanceDatabase
}

var errConnection = xerrors.New("connection refused")

func dataExtractor() (any, error) {
	return "data", nil
}
