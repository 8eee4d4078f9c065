package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/ptdatax-ingest/pkg/logging"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a distributed lease: SET NX PX with a random owner token. While
// held, the lease is extended every TTL/3 so long scans do not lose it.
type Redis struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewRedis(client *redis.Client, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{Client: client, Key: key, TTL: ttl}
}

func (r *Redis) TryAcquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, r.Key, token, r.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", r.Key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	stop := make(chan struct{})
	go r.keepAlive(token, stop)

	return onceFunc(func() {
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.Client, []string{r.Key}, token).Err(); err != nil {
			logging.Error("Lease", err, "failed to release lease %s", r.Key)
		}
	}), nil
}

func (r *Redis) keepAlive(token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.TTL/3)
			n, err := extendScript.Run(ctx, r.Client, []string{r.Key}, token, r.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				logging.Warn("Lease", "failed to extend lease %s: %v", r.Key, err)
				continue
			}
			if n == 0 {
				logging.Warn("Lease", "lease %s lost to another owner", r.Key)
				return
			}
		}
	}
}
