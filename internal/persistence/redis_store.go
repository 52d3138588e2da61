package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/drip/pkg/api"
)

// RedisStore provides the pair locks, the delivery ledger and variant
// assignments on Redis. Keys:
//
//	<prefix>lock:<key>           => owner, with a PX expiry
//	<prefix>ledger:<token>       => msgpack-encoded DeliveryResult
//	<prefix>assign:<instance>    => HASH step id -> variant label
//
// Locks and the ledger are what multi-process deployments share; the
// remaining stores can live in SQL or MongoDB.
type RedisStore struct {
	client *redis.Client
	prefix string
	// LedgerTTL bounds how long delivery outcomes are remembered. Zero
	// keeps them forever.
	LedgerTTL time.Duration
}

var (
	_ LockStore       = (*RedisStore)(nil)
	_ LedgerStore     = (*RedisStore)(nil)
	_ AssignmentStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix defaults to "drip:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "drip:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyLock(key string) string      { return r.prefix + "lock:" + key }
func (r *RedisStore) keyLedger(token string) string  { return r.prefix + "ledger:" + token }
func (r *RedisStore) keyAssign(instID string) string { return r.prefix + "assign:" + instID }

var (
	// Acquire or refresh a lock; re-entrant for the same owner.
	// Returns 1 if acquired/refreshed, 0 otherwise.
	redisLockAcquire = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Release a lock held by owner. Returns 1 if released, 0 otherwise.
	redisLockRelease = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

func (r *RedisStore) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := redisLockAcquire.Run(ctx, r.client, []string{r.keyLock(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) Release(ctx context.Context, key, owner string) error {
	// Idempotent: a missing or foreign lock is left alone.
	return redisLockRelease.Run(ctx, r.client, []string{r.keyLock(key)}, owner).Err()
}

func (r *RedisStore) LookupDelivery(ctx context.Context, token string) (api.DeliveryResult, bool, error) {
	data, err := r.client.Get(ctx, r.keyLedger(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.DeliveryResult{}, false, nil
	}
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	res, err := DecodeValue[api.DeliveryResult](data)
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	return res, true, nil
}

func (r *RedisStore) RecordDelivery(ctx context.Context, token string, res api.DeliveryResult) (api.DeliveryResult, bool, error) {
	data, err := EncodeValue(res)
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	ok, err := r.client.SetNX(ctx, r.keyLedger(token), data, r.LedgerTTL).Result()
	if err != nil {
		return api.DeliveryResult{}, false, err
	}
	if ok {
		return res, true, nil
	}
	stored, _, err := r.LookupDelivery(ctx, token)
	return stored, false, err
}

func (r *RedisStore) GetAssignment(ctx context.Context, instanceID, stepID string) (string, bool, error) {
	label, err := r.client.HGet(ctx, r.keyAssign(instanceID), stepID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return label, true, nil
}

func (r *RedisStore) SaveAssignment(ctx context.Context, instanceID, stepID, label string) (string, error) {
	if _, err := r.client.HSetNX(ctx, r.keyAssign(instanceID), stepID, label).Result(); err != nil {
		return "", err
	}
	stored, _, err := r.GetAssignment(ctx, instanceID, stepID)
	return stored, err
}
