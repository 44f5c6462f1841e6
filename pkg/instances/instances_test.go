package instances

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/database/memory"
)

func TestNew(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		i, err := New(10*time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)

		assert.NotEmpty(t, i.ID())
		assert.Equal(t, LeaderNone, i.LeaderStrategy().Kind)
		assert.Equal(t, ErrorStrategyError, i.ErrorStrategy())
		assert.Equal(t, 20*time.Second, i.TTL())
	})

	t.Run("Options", func(t *testing.T) {
		i, err := New(10*time.Second, newFakeBackend(), dataExtractor,
			WithLeaderStrategy(OldestLeader),
			WithErrorStrategy(ErrorStrategyUseLastInfo),
			WithID("node-1"),
		)
		require.NoError(t, err)

		assert.Equal(t, "node-1", i.ID())
		assert.Equal(t, LeaderOldest, i.LeaderStrategy().Kind)
		assert.Equal(t, ErrorStrategyUseLastInfo, i.ErrorStrategy())
	})

	t.Run("Unique identity", func(t *testing.T) {
		a, err := New(time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)
		b, err := New(time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("Missing interval", func(t *testing.T) {
		_, err := New(0, newFakeBackend(), dataExtractor)
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "update interval")
	})

	t.Run("Missing backend", func(t *testing.T) {
		_, err := New(time.Second, nil, dataExtractor)
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "backend")
	})

	t.Run("Missing extractor", func(t *testing.T) {
		_, err := New(time.Second, newFakeBackend(), nil)
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "info extractor")
	})
}

func TestInstances_BeforeAnyUpdate(t *testing.T) {
	i, err := New(time.Second, newFakeBackend(), dataExtractor)
	require.NoError(t, err)

	_, err = i.InstanceInfo()
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	_, err = i.Snapshot()
	assert.ErrorIs(t, err, ErrNotYetAvailable)
	assert.Equal(t, 0, i.InstancesCount())
	assert.Len(t, i.ListActiveInstances(), 0)
	_, ok := i.CurrentLeader()
	assert.False(t, ok)
	assert.False(t, i.Ready())
}

func TestInstances_Update(t *testing.T) {
	backend := newFakeBackend()
	i, err := New(time.Second, backend, dataExtractor, WithID("self"))
	require.NoError(t, err)

	require.NoError(t, i.Update(context.Background()))

	info, err := i.InstanceInfo()
	require.NoError(t, err)
	assert.Equal(t, "self", info.Id)
	assert.Equal(t, RoleUnknown, info.Role)
	var data string
	require.NoError(t, info.Decode(&data))
	assert.Equal(t, "data", data)

	assert.Equal(t, 1, i.InstancesCount())
	list := i.ListActiveInstances()
	require.Len(t, list, 1)
	assert.Equal(t, "self", list[0].Id)
	assert.Equal(t, RoleUnknown, list[0].Role)
	_, ok := i.CurrentLeader()
	assert.False(t, ok)

	assert.Equal(t, 1, backend.Published())
	assert.EqualValues(t, 1, i.Stat().Succeeded())

	// Values handed out are copies of the snapshot.
	list[0].Payload[0] = 'x'
	info.Payload[0] = 'x'
	require.NoError(t, i.ListActiveInstances()[0].Decode(&data))
	assert.Equal(t, "data", data)
	self, err := i.InstanceInfo()
	require.NoError(t, err)
	require.NoError(t, self.Decode(&data))
	assert.Equal(t, "data", data)
}

func TestInstances_ErrorStrategy(t *testing.T) {
	cases := []struct {
		Name      string
		Strategy  ErrorStrategy
		Fail      func(b *fakeBackend)
		Available bool
	}{
		{
			Name:     "Error/publish",
			Strategy: ErrorStrategyError,
			Fail:     func(b *fakeBackend) { b.SetPublishError(errConnection) },
		},
		{
			Name:     "Error/fetch",
			Strategy: ErrorStrategyError,
			Fail:     func(b *fakeBackend) { b.SetFetchError(database.Unavailable(errConnection)) },
		},
		{
			Name:      "UseLastInfo/publish",
			Strategy:  ErrorStrategyUseLastInfo,
			Fail:      func(b *fakeBackend) { b.SetPublishError(database.Rejected(errConnection)) },
			Available: true,
		},
		{
			Name:      "UseLastInfo/fetch",
			Strategy:  ErrorStrategyUseLastInfo,
			Fail:      func(b *fakeBackend) { b.SetFetchError(errConnection) },
			Available: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			backend := newFakeBackend()
			i, err := New(time.Second, backend, dataExtractor, WithID("self"), WithErrorStrategy(tc.Strategy))
			require.NoError(t, err)

			require.NoError(t, i.Update(context.Background()))
			before, err := i.InstanceInfo()
			require.NoError(t, err)

			tc.Fail(backend)
			err = i.Update(context.Background())
			require.Error(t, err)
			assert.True(t, database.IsStorageError(err))
			assert.EqualValues(t, 1, i.Stat().StorageFailed())

			after, err := i.InstanceInfo()
			if tc.Available {
				require.NoError(t, err)
				assert.Equal(t, before, after)
				assert.Equal(t, 1, i.InstancesCount())
			} else {
				assert.ErrorIs(t, err, ErrNotYetAvailable)
				assert.Equal(t, 0, i.InstancesCount())
				assert.Nil(t, i.ListActiveInstances())
			}

			// Recovered
			backend.SetPublishError(nil)
			backend.SetFetchError(nil)
			require.NoError(t, i.Update(context.Background()))
			info, err := i.InstanceInfo()
			require.NoError(t, err)
			assert.Equal(t, "self", info.Id)
			s, err := i.Snapshot()
			require.NoError(t, err)
			assert.EqualValues(t, 2, s.Version)
		})
	}
}

func TestInstances_ExtractionFailed(t *testing.T) {
	t.Run("Error", func(t *testing.T) {
		fail := false
		i, err := New(time.Second, newFakeBackend(), func() (any, error) {
			if fail {
				return nil, errors.New("no metadata")
			}
			return "data", nil
		})
		require.NoError(t, err)
		require.NoError(t, i.Update(context.Background()))

		fail = true
		err = i.Update(context.Background())
		require.ErrorIs(t, err, ErrExtractionFailed)
		assert.Contains(t, err.Error(), "no metadata")
		assert.EqualValues(t, 1, i.Stat().ExtractionFailed())

		// The snapshot of the last successful cycle is kept
		_, err = i.InstanceInfo()
		assert.NoError(t, err)
	})

	t.Run("Panic", func(t *testing.T) {
		backend := newFakeBackend()
		i, err := New(time.Second, backend, func() (any, error) {
			panic("boom")
		})
		require.NoError(t, err)

		err = i.Update(context.Background())
		require.ErrorIs(t, err, ErrExtractionFailed)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, 0, backend.Published())
	})

	t.Run("Unserializable", func(t *testing.T) {
		i, err := New(time.Second, newFakeBackend(), func() (any, error) {
			return make(chan int), nil
		})
		require.NoError(t, err)

		err = i.Update(context.Background())
		require.ErrorIs(t, err, ErrExtractionFailed)
	})
}

func TestInstances_Idempotent(t *testing.T) {
	backend := memory.NewInstanceDatabase()
	i, err := New(time.Second, backend, dataExtractor)
	require.NoError(t, err)

	require.NoError(t, i.Update(context.Background()))
	require.NoError(t, i.Update(context.Background()))

	assert.Equal(t, 1, i.InstancesCount())
	assert.Equal(t, 1, backend.Len())
}

func TestInstances_Expiry(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend()
	interval := time.Second
	i, err := New(interval, backend, dataExtractor, WithID("self"), WithClock(clock.Now))
	require.NoError(t, err)

	backend.Put(&database.InstanceRecord{Id: "fresh", StartedAt: clock.Now(), LastSeen: clock.Now().Add(-interval)})
	backend.Put(&database.InstanceRecord{Id: "boundary", StartedAt: clock.Now(), LastSeen: clock.Now().Add(-interval * ExpiryFactor)})
	backend.Put(&database.InstanceRecord{Id: "stale", StartedAt: clock.Now(), LastSeen: clock.Now().Add(-interval*ExpiryFactor - time.Millisecond)})

	require.NoError(t, i.Update(context.Background()))

	ids := make([]string, 0)
	for _, v := range i.ListActiveInstances() {
		ids = append(ids, v.Id)
	}
	assert.Equal(t, []string{"boundary", "fresh", "self"}, ids)
}

func TestInstances_Retention(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend()
	interval := time.Second
	i, err := New(interval, backend, dataExtractor, WithID("self"), WithClock(clock.Now))
	require.NoError(t, err)

	backend.Put(&database.InstanceRecord{Id: "peer", StartedAt: clock.Now(), LastSeen: clock.Now()})
	require.NoError(t, i.Update(context.Background()))
	assert.Equal(t, 2, i.InstancesCount())

	// The peer is missing from one fetch but is still within the expiry window
	backend.Hide("peer", true)
	clock.Advance(interval)
	require.NoError(t, i.Update(context.Background()))
	assert.Equal(t, 2, i.InstancesCount())
	_, ok := mustSnapshot(t, i).Get("peer")
	assert.True(t, ok)

	// The grace period is over
	clock.Advance(interval + time.Millisecond)
	require.NoError(t, i.Update(context.Background()))
	assert.Equal(t, 1, i.InstancesCount())
}

func TestInstances_DuplicateRecords(t *testing.T) {
	clock := newFakeClock()
	dup := &duplicateBackend{fakeBackend: newFakeBackend(), now: clock.Now}
	i, err := New(time.Second, dup, dataExtractor, WithID("self"), WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, i.Update(context.Background()))
	s := mustSnapshot(t, i)
	require.Equal(t, 2, s.Count())
	peer, ok := s.Get("peer")
	require.True(t, ok)
	assert.Equal(t, []byte(`"new"`), peer.Payload)
	// self is always the freshly published record
	assert.Equal(t, []byte(`"data"`), s.Self.Payload)
}

type duplicateBackend struct {
	*fakeBackend
	now func() time.Time
}

func (d *duplicateBackend) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	records, err := d.fakeBackend.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	return append(records,
		&database.InstanceRecord{Id: "peer", Payload: []byte(`"old"`), LastSeen: now.Add(-time.Second)},
		&database.InstanceRecord{Id: "peer", Payload: []byte(`"new"`), LastSeen: now},
		&database.InstanceRecord{Id: "self", Payload: []byte(`"stale self"`), LastSeen: now.Add(-time.Second)},
	), nil
}

func TestInstances_Leader(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend()
	backend.Put(&database.InstanceRecord{Id: "a", StartedAt: clock.Now().Add(-time.Hour), LastSeen: clock.Now()})
	backend.Put(&database.InstanceRecord{Id: "z", StartedAt: clock.Now().Add(time.Hour), LastSeen: clock.Now()})

	cases := []struct {
		Strategy LeaderStrategy
		Leader   string
	}{
		{Strategy: OldestLeader, Leader: "a"},
		{Strategy: NewestLeader, Leader: "z"},
		{Strategy: LowestIDLeader, Leader: "a"},
		{Strategy: CustomLeader(func(_ []*database.InstanceRecord) (string, bool) { return "m", true }), Leader: "m"},
	}
	for _, tc := range cases {
		t.Run(tc.Strategy.String(), func(t *testing.T) {
			i, err := New(time.Second, backend, dataExtractor, WithID("m"), WithClock(clock.Now), WithLeaderStrategy(tc.Strategy))
			require.NoError(t, err)
			require.NoError(t, i.Update(context.Background()))

			leader, ok := i.CurrentLeader()
			require.True(t, ok)
			assert.Equal(t, tc.Leader, leader)
			assert.Equal(t, tc.Leader == "m", i.IsLeader())

			for _, v := range i.ListActiveInstances() {
				if v.Id == tc.Leader {
					assert.Equal(t, RoleLeader, v.Role)
				} else {
					assert.Equal(t, RoleFollower, v.Role)
				}
			}
		})
	}
}

func TestInstances_WaitForFirstUpdate(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		i, err := New(time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)

		_, err = i.WaitForFirstUpdate(5 * time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		_, err = i.InstanceInfo()
		assert.ErrorIs(t, err, ErrNotYetAvailable)
	})

	t.Run("After update", func(t *testing.T) {
		i, err := New(time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)

		_, err = i.WaitForFirstUpdate(5 * time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)

		require.NoError(t, i.Update(context.Background()))

		// Zero timeout must not cause a false timeout once the first update is done
		s, err := i.WaitForFirstUpdate(0)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Count())
	})

	t.Run("Concurrent waiters", func(t *testing.T) {
		i, err := New(time.Second, newFakeBackend(), dataExtractor)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var succeeded int32
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := i.WaitForFirstUpdate(5 * time.Second); err == nil {
					atomic.AddInt32(&succeeded, 1)
				}
			}()
		}

		require.NoError(t, i.Update(context.Background()))
		wg.Wait()
		assert.EqualValues(t, 10, succeeded)
	})
}

// Readers must observe either the snapshot before or after a cycle. Every record served by the
// backend in one cycle carries the same generation, so a torn snapshot would mix generations.
func TestInstances_ConsistentSnapshot(t *testing.T) {
	backend := &generationBackend{peers: 5}
	var generation int64
	i, err := New(time.Second, backend, func() (any, error) {
		return atomic.AddInt64(&generation, 1), nil
	}, WithLeaderStrategy(LowestIDLeader))
	require.NoError(t, err)
	require.NoError(t, i.Update(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 16)
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				list := i.ListActiveInstances()
				if len(list) != 6 {
					errCh <- fmt.Errorf("unexpected count: %d", len(list))
					return
				}
				for _, v := range list[1:] {
					if string(v.Payload) != string(list[0].Payload) {
						errCh <- fmt.Errorf("torn snapshot: %s != %s", v.Payload, list[0].Payload)
						return
					}
				}
				s, err := i.Snapshot()
				if err != nil {
					errCh <- err
					return
				}
				if _, ok := s.Get(s.Leader); !ok {
					errCh <- fmt.Errorf("leader %s is not a member of the snapshot", s.Leader)
					return
				}
			}
		}()
	}

	for range 200 {
		require.NoError(t, i.Update(context.Background()))
	}
	cancel()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

type generationBackend struct {
	mu    sync.Mutex
	self  *database.InstanceRecord
	peers int
}

func (g *generationBackend) Publish(_ context.Context, record *database.InstanceRecord, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.self = record.Clone()
	return nil
}

func (g *generationBackend) FetchAll(_ context.Context) ([]*database.InstanceRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := []*database.InstanceRecord{g.self.Clone()}
	for n := range g.peers {
		result = append(result, &database.InstanceRecord{
			Id:        fmt.Sprintf("peer-%d", n),
			Payload:   g.self.Payload,
			StartedAt: g.self.StartedAt,
			LastSeen:  g.self.LastSeen,
		})
	}
	return result, nil
}

func mustSnapshot(t *testing.T, i *Instances) *Snapshot {
	t.Helper()

	s, err := i.Snapshot()
	require.NoError(t, err)
	return s
}
