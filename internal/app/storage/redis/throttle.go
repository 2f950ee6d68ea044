// Package redis implements the throttle store on Redis. The claim and revert
// operations each run as a single Lua script so the read-rotate-increment
// sequence is atomic across server instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/roomlift/roomlift/internal/app/domain/throttle"
	"github.com/roomlift/roomlift/internal/app/storage"
)

const keyPrefix = "roomlift:throttle:"

// claimScript rotates the window when it has elapsed, then increments the
// counter only when the call is admitted. Rejected attempts leave the counter
// untouched. Returns {allowed, remaining, windowEndsAt}.
var claimScript = redis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local started = tonumber(redis.call('HGET', KEYS[1], 'started') or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if started == 0 or now >= started + window then
	count = 0
	started = now
end

local allowed = 0
if count < limit then
	count = count + 1
	allowed = 1
	redis.call('HSET', KEYS[1], 'count', count, 'started', started, 'last_used', now)
else
	redis.call('HSET', KEYS[1], 'count', count, 'started', started)
end
redis.call('EXPIRE', KEYS[1], window * 2)
return {allowed, limit - count, started + window}
`)

// revertScript decrements the counter, flooring at zero, and stamps the
// record. Returns -1 when the record no longer exists.
var revertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if count > 0 then
	count = count - 1
end
redis.call('HSET', KEYS[1], 'count', count, 'last_used', ARGV[1])
return count
`)

// ThrottleStore implements storage.ThrottleStore backed by Redis.
type ThrottleStore struct {
	client *redis.Client
}

var _ storage.ThrottleStore = (*ThrottleStore)(nil)

// NewThrottleStore creates a ThrottleStore using the provided client.
func NewThrottleStore(client *redis.Client) *ThrottleStore {
	return &ThrottleStore{client: client}
}

func (s *ThrottleStore) Claim(ctx context.Context, tool, callerHash string, limit int, window time.Duration, now time.Time) (throttle.Decision, error) {
	key := keyPrefix + tool + ":" + callerHash
	res, err := claimScript.Run(ctx, s.client, []string{key},
		limit, int64(window.Seconds()), now.Unix()).Result()
	if err != nil {
		return throttle.Decision{}, fmt.Errorf("claim script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return throttle.Decision{}, fmt.Errorf("claim script: unexpected reply %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	endsAt, _ := vals[2].(int64)

	return throttle.Decision{
		Allowed:      allowed == 1,
		RecordID:     key,
		Remaining:    int(remaining),
		WindowEndsAt: time.Unix(endsAt, 0).UTC(),
	}, nil
}

func (s *ThrottleStore) Revert(ctx context.Context, recordID string, now time.Time) error {
	res, err := revertScript.Run(ctx, s.client, []string{recordID}, now.Unix()).Int64()
	if err != nil {
		return fmt.Errorf("revert script: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("revert: window record %s not found", recordID)
	}
	return nil
}
