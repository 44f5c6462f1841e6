package instances

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.f110.dev/instances/pkg/database"
)

func TestLeaderStrategy_Elect(t *testing.T) {
	base := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	live := []*database.InstanceRecord{
		{Id: "c", StartedAt: base.Add(-time.Minute)},
		{Id: "b", StartedAt: base.Add(-time.Minute)},
		{Id: "d", StartedAt: base.Add(time.Minute)},
		{Id: "a", StartedAt: base},
		{Id: "e", StartedAt: base.Add(time.Minute)},
	}

	cases := []struct {
		Strategy LeaderStrategy
		Leader   string
		Ok       bool
	}{
		{Strategy: NoLeader},
		{Strategy: OldestLeader, Leader: "b", Ok: true},
		{Strategy: NewestLeader, Leader: "d", Ok: true},
		{Strategy: LowestIDLeader, Leader: "a", Ok: true},
		{
			Strategy: CustomLeader(func(live []*database.InstanceRecord) (string, bool) {
				max := ""
				for _, v := range live {
					if v.Id > max {
						max = v.Id
					}
				}
				return max, true
			}),
			Leader: "e",
			Ok:     true,
		},
		{
			Strategy: CustomLeader(func(_ []*database.InstanceRecord) (string, bool) { return "not-live", true }),
		},
		{
			Strategy: CustomLeader(func(_ []*database.InstanceRecord) (string, bool) { return "", false }),
		},
		{Strategy: CustomLeader(nil)},
		{
			Strategy: CustomLeader(func(_ []*database.InstanceRecord) (string, bool) { panic("broken strategy") }),
		},
	}

	for _, tc := range cases {
		t.Run(tc.Strategy.String(), func(t *testing.T) {
			r := rand.New(rand.NewSource(1))
			input := make([]*database.InstanceRecord, len(live))
			copy(input, live)

			// Every instance has to reach the same result regardless of the order of its fetch.
			for range 20 {
				r.Shuffle(len(input), func(i, j int) { input[i], input[j] = input[j], input[i] })
				leader, ok := tc.Strategy.Elect(input)
				require.Equal(t, tc.Ok, ok)
				assert.Equal(t, tc.Leader, leader)
			}
		})
	}

	t.Run("Empty", func(t *testing.T) {
		_, ok := LowestIDLeader.Elect(nil)
		assert.False(t, ok)
	})
}

func TestInstances_PanickingLeaderStrategy(t *testing.T) {
	strategy := CustomLeader(func(_ []*database.InstanceRecord) (string, bool) { panic("broken strategy") })
	i, err := New(time.Second, newFakeBackend(), dataExtractor, WithID("self"), WithLeaderStrategy(strategy))
	require.NoError(t, err)

	require.NoError(t, i.Update(context.Background()))
	assert.Equal(t, 1, i.InstancesCount())
	_, ok := i.CurrentLeader()
	assert.False(t, ok)
	info, err := i.InstanceInfo()
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, info.Role)
}

func TestLeaderStrategy_roleOf(t *testing.T) {
	assert.Equal(t, RoleUnknown, NoLeader.roleOf("a", "", false))
	assert.Equal(t, RoleLeader, OldestLeader.roleOf("a", "a", true))
	assert.Equal(t, RoleFollower, OldestLeader.roleOf("b", "a", true))
	assert.Equal(t, RoleFollower, CustomLeader(nil).roleOf("b", "", false))
}

func TestParseLeaderStrategy(t *testing.T) {
	cases := map[string]LeaderStrategyKind{
		"":          LeaderNone,
		"none":      LeaderNone,
		"Oldest":    LeaderOldest,
		"newest":    LeaderNewest,
		"lowest_id": LeaderLowestID,
		"lowest-id": LeaderLowestID,
	}
	for in, expect := range cases {
		s, err := ParseLeaderStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, expect, s.Kind, in)
	}

	_, err := ParseLeaderStrategy("random")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseErrorStrategy(t *testing.T) {
	for _, in := range []string{"", "error", "ERROR"} {
		s, err := ParseErrorStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, ErrorStrategyError, s)
	}
	for _, in := range []string{"use_last_info", "use-last-info", "UseLastInfo"} {
		s, err := ParseErrorStrategy(in)
		require.NoError(t, err)
		assert.Equal(t, ErrorStrategyUseLastInfo, s)
	}

	_, err := ParseErrorStrategy("retry")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRole_Text(t *testing.T) {
	for _, r := range []Role{RoleUnknown, RoleLeader, RoleFollower} {
		b, err := r.MarshalText()
		require.NoError(t, err)

		var got Role
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, r, got)
	}
}

func TestParseCodec(t *testing.T) {
	for in, expect := range map[string]Codec{"": JSONCodec{}, "json": JSONCodec{}, "YAML": YAMLCodec{}} {
		c, err := ParseCodec(in)
		require.NoError(t, err, in)
		assert.Equal(t, expect, c, in)
	}

	_, err := ParseCodec("msgpack")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
