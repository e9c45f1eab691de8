package provider

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pacer spaces out state-changing calls to one provider. The sync core
// calls Wait before every SetCardState so tests can substitute a no-op.
type Pacer interface {
	Wait(ctx context.Context, providerName string) error
}

// NopPacer never delays. Used in tests and for providers without limits.
type NopPacer struct{}

func (NopPacer) Wait(ctx context.Context, providerName string) error {
	return ctx.Err()
}

// RedisPacer paces calls with a token bucket shared across processes, so
// concurrently running jobs against the same provider stay under its limit.
type RedisPacer struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second

	// RetryDelay is how long Wait sleeps between denied attempts.
	// Zero means 1/RefillRate.
	RetryDelay time.Duration
}

var pacerBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1])
local last = tonumber(data[2])

if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = now - last
if delta < 0 then delta = 0 end

local filled = tokens + (delta * refill_rate)
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', filled, 'last', now)
redis.call('EXPIRE', key, ttl)

return allowed
`)

func (p *RedisPacer) key(providerName string) string {
	if p.Prefix == "" {
		return providerName
	}
	return p.Prefix + ":" + providerName
}

// Allow takes one token from the provider's bucket if available.
func (p *RedisPacer) Allow(ctx context.Context, providerName string) (bool, error) {
	if p.Redis == nil || p.Capacity <= 0 || p.RefillRate <= 0 {
		return true, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(float64(p.Capacity)/p.RefillRate) + 1

	res, err := pacerBucketScript.Run(ctx, p.Redis, []string{p.key(providerName)},
		p.Capacity, p.RefillRate, now, ttl).Result()
	if err != nil {
		return false, err
	}

	allowed, ok := toInt64(res)
	if !ok {
		return false, redis.ErrClosed
	}
	return allowed == 1, nil
}

// Wait blocks until a token is available or ctx is done. The delay between
// attempts is bounded, never unbounded busy-waiting.
func (p *RedisPacer) Wait(ctx context.Context, providerName string) error {
	delay := p.RetryDelay
	if delay <= 0 && p.RefillRate > 0 {
		delay = time.Duration(float64(time.Second) / p.RefillRate)
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	for {
		allowed, err := p.Allow(ctx, providerName)
		if err != nil {
			return &TransientError{Provider: providerName, Op: "pace", Err: err}
		}
		if allowed {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}
