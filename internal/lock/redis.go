package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stagegate:lock:"

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

var ErrLockLost = errors.New("lock expired before release")

// Redis is a Keyed shared between processes. Each lock expires after TTL so a
// crashed holder cannot block a case forever.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
	// Retry is the wait between acquisition attempts.
	Retry time.Duration
	// OnLost is called when the key expired before release.
	OnLost func(key string)
}

// NewRedis parses url and pings the server.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{Client: client, TTL: ttl}, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	wait := r.Retry
	if wait <= 0 {
		wait = 25 * time.Millisecond
	}
	k := keyPrefix + key
	for {
		ok, err := r.Client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return func() {
		// release with a fresh context so a cancelled request still frees the key
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := release.Run(ctx, r.Client, []string{k}, token).Int()
		if (err != nil || n == 0) && r.OnLost != nil {
			r.OnLost(key)
		}
	}, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
