package presence

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeZSet implements the handful of sorted set commands the mirror uses.
type fakeZSet struct {
	redis.Cmdable
	sets map[string]map[string]float64
}

func (f *fakeZSet) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]float64)
	}
	for _, m := range members {
		f.sets[key][m.Member.(string)] = m.Score
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeZSet) ZRem(_ context.Context, key string, members ...any) *redis.IntCmd {
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeZSet) ZRange(_ context.Context, key string, _, _ int64) *redis.StringSliceCmd {
	set := f.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if set[out[i]] == set[out[j]] {
			return out[i] < out[j]
		}
		return set[out[i]] < set[out[j]]
	})
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeZSet) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.sets, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisMirror(t *testing.T) {
	ctx := context.Background()
	fake := &fakeZSet{sets: make(map[string]map[string]float64)}
	m := NewRedisMirror(fake, "")

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	require.NoError(t, m.SetOnline(ctx, "bob"))
	now = now.Add(time.Second)
	require.NoError(t, m.SetOnline(ctx, "alice"))

	online, err := m.online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "alice"}, online)
	require.Contains(t, fake.sets, DefaultMirrorKey)

	require.NoError(t, m.SetOffline(ctx, "bob"))
	online, err = m.online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, online)

	require.NoError(t, m.Reset(ctx))
	online, err = m.online(ctx)
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	require.Error(t, err)
}

func TestRegistryWithRedisMirror(t *testing.T) {
	ctx := context.Background()
	fake := &fakeZSet{sets: make(map[string]map[string]float64)}
	r := NewRegistry(Config{
		Directory: staticDirectory{alice, bob},
		Mirror:    NewRedisMirror(fake, "test"),
	})

	h := newHandle("h1")
	r.Register(ctx, alice, h)
	require.Contains(t, fake.sets["test"], "a")

	r.Unregister(ctx, "a", h)
	require.NotContains(t, fake.sets["test"], "a")
}
