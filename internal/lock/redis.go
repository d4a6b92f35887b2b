package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Holder is the value stored under a held lock key.
type Holder struct {
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// releaseScript deletes the key only while it still holds our value; an
// expired lease must not free a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX, shared by every replica that points
// at the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	owner  string
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

type RedisOptions struct {
	// Owner is recorded in the lock value for diagnostics.
	Owner string
	TTL   time.Duration
	Wait  time.Duration
	Retry time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 5 * time.Second
	}
	if o.Retry <= 0 {
		o.Retry = 25 * time.Millisecond
	}
	return o
}

func NewRedis(redisURL string, opts RedisOptions) (*Redis, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(parsed)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts), nil
}

func NewRedisWithClient(client *redis.Client, opts RedisOptions) *Redis {
	opts = opts.withDefaults()
	return &Redis{
		client: client,
		prefix: "stepdocs:lock:",
		owner:  opts.Owner,
		ttl:    opts.TTL,
		wait:   opts.Wait,
		retry:  opts.Retry,
	}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

func (r *Redis) Acquire(ctx context.Context, name string) (Release, error) {
	holder := Holder{Token: uuid.NewString(), Owner: r.owner, AcquiredAt: time.Now().UTC()}
	value, err := json.Marshal(holder)
	if err != nil {
		return nil, fmt.Errorf("marshal lock holder: %w", err)
	}

	key := r.key(name)
	deadline := time.Now().Add(r.wait)
	for {
		ok, err := r.client.SetNX(ctx, key, value, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", name, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", name, ErrNotAcquired)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", name, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func(ctx context.Context) error {
		var releaseErr error
		once.Do(func() {
			if err := releaseScript.Run(ctx, r.client, []string{key}, string(value)).Err(); err != nil && !errors.Is(err, redis.Nil) {
				releaseErr = fmt.Errorf("release %s: %w", name, err)
			}
		})
		return releaseErr
	}, nil
}

// Holder returns who currently holds name, if anyone.
func (r *Redis) Holder(ctx context.Context, name string) (Holder, bool, error) {
	raw, err := r.client.Get(ctx, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return Holder{}, false, nil
	}
	if err != nil {
		return Holder{}, false, fmt.Errorf("lookup lock %s: %w", name, err)
	}
	var holder Holder
	if err := json.Unmarshal([]byte(raw), &holder); err != nil {
		return Holder{}, false, fmt.Errorf("unmarshal lock holder: %w", err)
	}
	return holder, true, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
