package instances

import (
	"context"
	"sort"
	"time"

	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/database"
)

// update runs one update cycle.
// The returned error is informational. The snapshot visibility has already been decided by the error strategy.
func (i *Instances) update(ctx context.Context) error {
	if err := i.acquireCycle(ctx); err != nil {
		return err
	}
	defer i.releaseCycle()

	payload, err := i.extract()
	if err != nil {
		i.stat.ExtractionFailure()
		i.log.Warn("Failed to extract instance info", zap.Error(err))
		return err
	}

	self := &database.InstanceRecord{
		Id:        i.id,
		Payload:   payload,
		StartedAt: i.startedAt,
		LastSeen:  i.now(),
	}
	fetched, err := i.publishAndFetch(ctx, self)
	if err != nil {
		i.stat.StorageFailure()
		i.handleStorageError(err)
		return err
	}

	now := i.now()
	var prev []*database.InstanceRecord
	if i.lastGood != nil {
		prev = i.lastGood.records()
	}
	live := reconcile(now, i.TTL(), self, fetched, prev)
	s := i.buildSnapshot(now, live)
	i.install(s)
	i.stat.Success()

	return nil
}

// acquireCycle waits for the running cycle to finish until ctx is done.
func (i *Instances) acquireCycle(ctx context.Context) error {
	select {
	case i.cycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return xerrors.WithStack(ctx.Err())
	}
}

func (i *Instances) releaseCycle() {
	<-i.cycle
}

func (i *Instances) extract() (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = extractionFailed(xerrors.Newf("panic: %v", r))
		}
	}()

	v, err := i.extractor()
	if err != nil {
		return nil, extractionFailed(err)
	}
	b, err := i.codec.Marshal(v)
	if err != nil {
		return nil, extractionFailed(err)
	}

	return b, nil
}

func (i *Instances) publishAndFetch(ctx context.Context, self *database.InstanceRecord) ([]*database.InstanceRecord, error) {
	if err := i.backend.Publish(ctx, self, i.TTL()); err != nil {
		return nil, storageError(err)
	}
	records, err := i.backend.FetchAll(ctx)
	if err != nil {
		return nil, storageError(err)
	}

	return records, nil
}

// storageError makes sure that every failure of a backend is classified.
// An error that a backend did not classify is treated as unavailability.
func storageError(err error) error {
	if database.IsStorageError(err) {
		return err
	}
	return database.Unavailable(err)
}

func (i *Instances) handleStorageError(err error) {
	switch i.errorStrategy {
	case ErrorStrategyUseLastInfo:
		i.log.Warn("Failed to communicate with the backend. Keep the last info", zap.Error(err))
	default:
		i.log.Warn("Failed to communicate with the backend. Invalidate the instance info", zap.Error(err))
		i.current.Store(nil)
	}
}

// reconcile builds the live set.
// Fetched records are filtered by ttl. Peers that were live in the previous snapshot but are missing
// from fetched are carried over while they are still within ttl. self always wins over any other record
// of the same id.
func reconcile(now time.Time, ttl time.Duration, self *database.InstanceRecord, fetched, prev []*database.InstanceRecord) []*database.InstanceRecord {
	live := make(map[string]*database.InstanceRecord)
	isLive := func(r *database.InstanceRecord) bool {
		return now.Sub(r.LastSeen) <= ttl
	}

	for _, v := range fetched {
		if v == nil || v.Id == self.Id || !isLive(v) {
			continue
		}
		if cur, ok := live[v.Id]; ok && !v.LastSeen.After(cur.LastSeen) {
			continue
		}
		live[v.Id] = v
	}
	for _, v := range prev {
		if v.Id == self.Id {
			continue
		}
		if _, ok := live[v.Id]; ok {
			continue
		}
		if isLive(v) {
			live[v.Id] = v
		}
	}
	live[self.Id] = self

	result := make([]*database.InstanceRecord, 0, len(live))
	for _, v := range live {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })

	return result
}

func (i *Instances) buildSnapshot(now time.Time, live []*database.InstanceRecord) *Snapshot {
	leader, hasLeader := i.leaderStrategy.Elect(live)

	i.version++
	s := &Snapshot{
		Version:   i.version,
		UpdatedAt: now,
		Instances: make([]*Instance, len(live)),
	}
	if hasLeader {
		s.Leader = leader
	}
	for n, v := range live {
		inst := &Instance{
			Id:        v.Id,
			Role:      i.leaderStrategy.roleOf(v.Id, leader, hasLeader),
			Payload:   v.Payload,
			StartedAt: v.StartedAt,
			LastSeen:  v.LastSeen,
			codec:     i.codec,
		}
		s.Instances[n] = inst
		if v.Id == i.id {
			s.Self = inst
		}
	}

	return s
}

func (i *Instances) install(s *Snapshot) {
	i.lastGood = s
	i.current.Store(s)

	i.firstUpdateOnce.Do(func() {
		close(i.firstUpdate)
	})
	i.log.Debug("Updated instances",
		zap.Uint64("version", s.Version),
		zap.Int("count", s.Count()),
		zap.String("leader", s.Leader),
	)
}

// Update runs one update cycle synchronously. It is serialized with the scheduler.
// Most programs do not need this because Start drives the cycles.
func (i *Instances) Update(ctx context.Context) error {
	if err := i.update(ctx); err != nil {
		return xerrors.WithStack(err)
	}
	return nil
}
