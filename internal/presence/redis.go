package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMirrorKey = "zvonok:presence:online"
	pingTimeout      = 3 * time.Second
)

// RedisMirror keeps a sorted set of online identities scored by the time
// they came online, so that other processes can read presence.
type RedisMirror struct {
	rdb redis.Cmdable
	key string
	now func() time.Time
}

// NewRedisClient connects to url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func NewRedisMirror(rdb redis.Cmdable, key string) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	return &RedisMirror{rdb: rdb, key: key, now: time.Now}
}

// Reset drops entries left behind by a previous process.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.rdb.Del(ctx, m.key).Err()
}

func (m *RedisMirror) SetOnline(ctx context.Context, userID string) error {
	return m.rdb.ZAdd(ctx, m.key, redis.Z{
		Score:  float64(m.now().Unix()),
		Member: userID,
	}).Err()
}

func (m *RedisMirror) SetOffline(ctx context.Context, userID string) error {
	return m.rdb.ZRem(ctx, m.key, userID).Err()
}

// online returns the mirrored identities, oldest session first.
func (m *RedisMirror) online(ctx context.Context) ([]string, error) {
	return m.rdb.ZRange(ctx, m.key, 0, -1).Result()
}
