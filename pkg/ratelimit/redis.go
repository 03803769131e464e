package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// Redis shares the window across processes. When Redis is unreachable it
// counts locally through Fallback, or admits everything if Fallback is nil.
type Redis struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Fallback *InMemory
}

func NewRedis(client redis.Scripter, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Second
	}
	return &Redis{
		Client:   client,
		Window:   window,
		Prefix:   "idsync:rate:",
		Fallback: NewInMemory(window),
	}
}

func (l *Redis) Allow(ctx context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) < 2 {
		return l.fallback(ctx, key, limit)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl < 0 {
		ttl = l.Window
	}
	return decide(int(res[0]), limit, time.Now().UTC().Add(ttl))
}

func (l *Redis) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
