// Package instances keeps track of the live instances of a service through a shared store.
//
// Every instance periodically publishes its own record and reads back the records of its peers.
// The result is exposed as an immutable Snapshot that is swapped atomically after each update cycle.
package instances

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"

	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/logger"
	"go.f110.dev/instances/pkg/stat"
)

// ExpiryFactor is the number of intervals a record stays live after its last publish.
const ExpiryFactor = 2

// InfoExtractor returns the metadata of the local instance. It is called once per update cycle.
type InfoExtractor func() (any, error)

type Option func(*Instances)

func WithLeaderStrategy(s LeaderStrategy) Option {
	return func(i *Instances) {
		i.leaderStrategy = s
	}
}

func WithErrorStrategy(s ErrorStrategy) Option {
	return func(i *Instances) {
		i.errorStrategy = s
	}
}

func WithCodec(c Codec) Option {
	return func(i *Instances) {
		i.codec = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(i *Instances) {
		i.log = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Instances) {
		i.now = now
	}
}

// WithID overrides the generated identity.
func WithID(id string) Option {
	return func(i *Instances) {
		i.id = id
	}
}

type Instances struct {
	id             string
	startedAt      time.Time
	interval       time.Duration
	backend        database.InstanceDatabase
	extractor      InfoExtractor
	leaderStrategy LeaderStrategy
	errorStrategy  ErrorStrategy
	codec          Codec
	log            *zap.Logger
	now            func() time.Time

	// current is nil until the first successful cycle and after a failed cycle under ErrorStrategyError.
	current atomic.Pointer[Snapshot]

	// cycle is a semaphore that serializes update cycles. lastGood and version are only touched while holding it.
	cycle    chan struct{}
	lastGood *Snapshot
	version  uint64

	firstUpdate     chan struct{}
	firstUpdateOnce sync.Once

	stat stat.Cycle

	mu      sync.Mutex
	cancel  func()
	done    chan struct{}
	stopped bool
}

func New(interval time.Duration, backend database.InstanceDatabase, extractor InfoExtractor, opts ...Option) (*Instances, error) {
	if interval <= 0 {
		return nil, xerrors.WithMessage(ErrInvalidConfig, "update interval is required")
	}
	if backend == nil {
		return nil, xerrors.WithMessage(ErrInvalidConfig, "backend is required")
	}
	if extractor == nil {
		return nil, xerrors.WithMessage(ErrInvalidConfig, "info extractor is required")
	}

	i := &Instances{
		id:             uuid.NewString(),
		interval:       interval,
		backend:        backend,
		extractor:      extractor,
		leaderStrategy: NoLeader,
		errorStrategy:  ErrorStrategyError,
		codec:          JSONCodec{},
		now:            time.Now,
		firstUpdate:    make(chan struct{}),
		cycle:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.id == "" {
		return nil, xerrors.WithMessage(ErrInvalidConfig, "instance id must not be empty")
	}
	if i.codec == nil {
		i.codec = JSONCodec{}
	}
	if i.log == nil {
		i.log = logger.Named("instances")
	}
	i.startedAt = i.now()

	return i, nil
}

func (i *Instances) ID() string {
	return i.id
}

func (i *Instances) Interval() time.Duration {
	return i.interval
}

// TTL is the freshness window of a record.
func (i *Instances) TTL() time.Duration {
	return i.interval * ExpiryFactor
}

func (i *Instances) LeaderStrategy() LeaderStrategy {
	return i.leaderStrategy
}

func (i *Instances) ErrorStrategy() ErrorStrategy {
	return i.errorStrategy
}

// Snapshot returns the current snapshot.
func (i *Instances) Snapshot() (*Snapshot, error) {
	s := i.current.Load()
	if s == nil {
		return nil, ErrNotYetAvailable
	}
	return s, nil
}

// InstanceInfo returns the record of the local instance as of the last successful cycle.
func (i *Instances) InstanceInfo() (*Instance, error) {
	s, err := i.Snapshot()
	if err != nil {
		return nil, err
	}
	return s.Self.clone(), nil
}

func (i *Instances) InstancesCount() int {
	s := i.current.Load()
	if s == nil {
		return 0
	}
	return s.Count()
}

func (i *Instances) ListActiveInstances() []*Instance {
	s := i.current.Load()
	if s == nil {
		return nil
	}
	return s.List()
}

func (i *Instances) CurrentLeader() (string, bool) {
	s := i.current.Load()
	if s == nil || !s.HasLeader() {
		return "", false
	}
	return s.Leader, true
}

// IsLeader reports whether the local instance is the elected leader.
func (i *Instances) IsLeader() bool {
	leader, ok := i.CurrentLeader()
	return ok && leader == i.id
}

// Ready reports whether the first update has completed.
func (i *Instances) Ready() bool {
	select {
	case <-i.firstUpdate:
		return true
	default:
		return false
	}
}

// WaitForFirstUpdate blocks until the first successful cycle or until timeout elapses.
// It returns immediately when the first update has already completed.
func (i *Instances) WaitForFirstUpdate(timeout time.Duration) (*Snapshot, error) {
	if !i.Ready() {
		t := time.NewTimer(timeout)
		defer t.Stop()

		select {
		case <-i.firstUpdate:
		case <-t.C:
			return nil, xerrors.WithStack(ErrTimeout)
		}
	}

	return i.Snapshot()
}

func (i *Instances) Stat() *stat.Cycle {
	return &i.stat
}
