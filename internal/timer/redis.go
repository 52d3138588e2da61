package timer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Timer stored in a Redis sorted set:
//
//	<prefix>timers  => ZSET member=instance id, score=resume-at (unix ms)
//
// ZADD replaces the score of an existing member, which gives the one timer
// per instance rule for free.
type Redis struct {
	client *redis.Client
	key    string
}

var _ Timer = (*Redis)(nil)

// Lua script popping due members atomically. Returns a flat list of
// member, score pairs.
const redisPopDueLua = `
local key = KEYS[1]
local now = ARGV[1]
local limit = tonumber(ARGV[2])

local items
if limit > 0 then
	items = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'WITHSCORES', 'LIMIT', 0, limit)
else
	items = redis.call('ZRANGEBYSCORE', key, '-inf', now, 'WITHSCORES')
end
for i = 1, #items, 2 do
	redis.call('ZREM', key, items[i])
end
return items
`

// NewRedis creates a Redis timer. prefix is optional but recommended
// (e.g. "drip:").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "drip:"
	}
	return &Redis{client: client, key: prefix + "timers"}
}

func (r *Redis) Arm(ctx context.Context, instanceID string, at time.Time) error {
	return r.client.ZAdd(ctx, r.key, redis.Z{Score: float64(at.UnixMilli()), Member: instanceID}).Err()
}

func (r *Redis) Cancel(ctx context.Context, instanceID string) error {
	return r.client.ZRem(ctx, r.key, instanceID).Err()
}

func (r *Redis) PopDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	res, err := r.client.Eval(ctx, redisPopDueLua, []string{r.key}, now.UnixMilli(), limit).Result()
	if err != nil {
		return nil, err
	}
	items, ok := res.([]any)
	if !ok {
		return nil, errors.New("timer: unexpected reply from redis")
	}
	out := make([]Entry, 0, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		id, _ := items[i].(string)
		scoreStr, _ := items[i+1].(string)
		ms, err := strconv.ParseFloat(scoreStr, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{InstanceID: id, At: time.UnixMilli(int64(ms)).UTC()})
	}
	return out, nil
}

func (r *Redis) Pending(ctx context.Context, instanceID string) (time.Time, bool, error) {
	score, err := r.client.ZScore(ctx, r.key, instanceID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.key).Result()
	return int(n), err
}
