package instances

import (
	"strings"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database"
)

type Role int

const (
	RoleUnknown Role = iota
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "leader":
		*r = RoleLeader
	case "follower":
		*r = RoleFollower
	default:
		*r = RoleUnknown
	}
	return nil
}

type LeaderStrategyKind int

const (
	LeaderNone LeaderStrategyKind = iota
	LeaderOldest
	LeaderNewest
	LeaderLowestID
	LeaderCustom
)

// ElectFunc selects the leader from the live set.
// It must be a pure function of its input so that every instance converges on the same leader.
type ElectFunc func(live []*database.InstanceRecord) (id string, ok bool)

type LeaderStrategy struct {
	Kind LeaderStrategyKind
	fn   ElectFunc
}

var (
	NoLeader       = LeaderStrategy{Kind: LeaderNone}
	OldestLeader   = LeaderStrategy{Kind: LeaderOldest}
	NewestLeader   = LeaderStrategy{Kind: LeaderNewest}
	LowestIDLeader = LeaderStrategy{Kind: LeaderLowestID}
)

func CustomLeader(fn ElectFunc) LeaderStrategy {
	return LeaderStrategy{Kind: LeaderCustom, fn: fn}
}

func ParseLeaderStrategy(s string) (LeaderStrategy, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoLeader, nil
	case "oldest":
		return OldestLeader, nil
	case "newest":
		return NewestLeader, nil
	case "lowest_id", "lowest-id":
		return LowestIDLeader, nil
	default:
		return LeaderStrategy{}, xerrors.WithMessagef(ErrInvalidConfig, "unknown leader strategy %q", s)
	}
}

func (s LeaderStrategy) String() string {
	switch s.Kind {
	case LeaderOldest:
		return "oldest"
	case LeaderNewest:
		return "newest"
	case LeaderLowestID:
		return "lowest_id"
	case LeaderCustom:
		return "custom"
	default:
		return "none"
	}
}

// Elect returns the leader of live. The result does not depend on the order of live.
func (s LeaderStrategy) Elect(live []*database.InstanceRecord) (string, bool) {
	if len(live) == 0 {
		return "", false
	}

	var leader *database.InstanceRecord
	switch s.Kind {
	case LeaderNone:
		return "", false
	case LeaderOldest:
		leader = pick(live, func(a, b *database.InstanceRecord) bool {
			if a.StartedAt.Equal(b.StartedAt) {
				return a.Id < b.Id
			}
			return a.StartedAt.Before(b.StartedAt)
		})
	case LeaderNewest:
		leader = pick(live, func(a, b *database.InstanceRecord) bool {
			if a.StartedAt.Equal(b.StartedAt) {
				return a.Id < b.Id
			}
			return a.StartedAt.After(b.StartedAt)
		})
	case LeaderLowestID:
		leader = pick(live, func(a, b *database.InstanceRecord) bool { return a.Id < b.Id })
	case LeaderCustom:
		if s.fn == nil {
			return "", false
		}
		id, ok := s.electCustom(live)
		if !ok {
			return "", false
		}
		// A custom function can only elect a live instance.
		for _, v := range live {
			if v.Id == id {
				return id, true
			}
		}
		return "", false
	}
	if leader == nil {
		return "", false
	}

	return leader.Id, true
}

// electCustom calls the custom function. A panic in the function means no leader.
func (s LeaderStrategy) electCustom(live []*database.InstanceRecord) (id string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			id, ok = "", false
		}
	}()

	return s.fn(live)
}

func (s LeaderStrategy) roleOf(id, leader string, hasLeader bool) Role {
	if s.Kind == LeaderNone {
		return RoleUnknown
	}
	if hasLeader && id == leader {
		return RoleLeader
	}
	return RoleFollower
}

// pick returns the element that is not preceded by any other element under less.
func pick(records []*database.InstanceRecord, less func(a, b *database.InstanceRecord) bool) *database.InstanceRecord {
	var best *database.InstanceRecord
	for _, v := range records {
		if best == nil || less(v, best) {
			best = v
		}
	}
	return best
}

type ErrorStrategy int

const (
	// ErrorStrategyError invalidates the snapshot after a failed cycle.
	ErrorStrategyError ErrorStrategy = iota
	// ErrorStrategyUseLastInfo keeps serving the last successful snapshot.
	ErrorStrategyUseLastInfo
)

func ParseErrorStrategy(s string) (ErrorStrategy, error) {
	switch strings.ToLower(s) {
	case "", "error":
		return ErrorStrategyError, nil
	case "use_last_info", "use-last-info", "uselastinfo":
		return ErrorStrategyUseLastInfo, nil
	default:
		return 0, xerrors.WithMessagef(ErrInvalidConfig, "unknown error strategy %q", s)
	}
}

func (s ErrorStrategy) String() string {
	switch s {
	case ErrorStrategyUseLastInfo:
		return "use_last_info"
	default:
		return "error"
	}
}
