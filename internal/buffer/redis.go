package buffer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const arenaPrefix = "arena:transfer:"

// storeChunkScript writes one chunk, bumps the received counter only when
// the index is new, and reports progress, all in one round trip so
// concurrent chunk arrivals for the same transfer cannot race the
// completion check.
const storeChunkScript = `
local added = redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSETNX', KEYS[1], 'created', ARGV[3])
if added == 1 then
  redis.call('HINCRBY', KEYS[1], 'received', 1)
end
redis.call('EXPIRE', KEYS[1], ARGV[4])
local rcv = tonumber(redis.call('HGET', KEYS[1], 'received')) or 0
local tot = tonumber(redis.call('HGET', KEYS[1], 'total')) or 0
return {rcv, tot}
`

// RedisArena stores each transfer as one hash: chunk bytes under c:<index>
// fields, plus total, received and created bookkeeping fields. The key TTL
// is a backstop at twice the sweep threshold; the periodic sweep is the
// authoritative reaper.
type RedisArena struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisArena(rdb *redis.Client, ttl time.Duration) *RedisArena {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisArena{rdb: rdb, ttl: ttl}
}

func arenaKey(deviceID, name string) string { return arenaPrefix + deviceID + ":" + name }

func chunkField(index int) string { return "c:" + strconv.Itoa(index) }

func (a *RedisArena) Open(ctx context.Context, deviceID, name string, total int) error {
	k := arenaKey(deviceID, name)
	pipe := a.rdb.TxPipeline()
	pipe.HSet(ctx, k, "total", total)
	pipe.HSetNX(ctx, k, "created", time.Now().Unix())
	pipe.Expire(ctx, k, 2*a.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("open buffer %s/%s: %w", deviceID, name, err)
	}
	return nil
}

func (a *RedisArena) Store(ctx context.Context, deviceID, name string, index int, data []byte) (Progress, error) {
	res, err := a.rdb.Eval(ctx, storeChunkScript, []string{arenaKey(deviceID, name)},
		chunkField(index), data, time.Now().Unix(), int((2 * a.ttl).Seconds())).Result()
	if err != nil {
		return Progress{}, fmt.Errorf("store chunk %s/%s[%d]: %w", deviceID, name, index, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Progress{}, fmt.Errorf("store chunk %s/%s[%d]: unexpected reply %T", deviceID, name, index, res)
	}
	return Progress{Received: toInt(vals[0]), Total: toInt(vals[1])}, nil
}

func (a *RedisArena) Progress(ctx context.Context, deviceID, name string) (Progress, error) {
	vals, err := a.rdb.HMGet(ctx, arenaKey(deviceID, name), "received", "total").Result()
	if err != nil {
		return Progress{}, err
	}
	return Progress{Received: toInt(vals[0]), Total: toInt(vals[1])}, nil
}

func (a *RedisArena) Missing(ctx context.Context, deviceID, name string, total int) ([]int, error) {
	if total <= 0 {
		return nil, nil
	}
	fields := make([]string, total)
	for i := range fields {
		fields[i] = chunkField(i)
	}
	vals, err := a.rdb.HMGet(ctx, arenaKey(deviceID, name), fields...).Result()
	if err != nil {
		return nil, err
	}
	var missing []int
	for i, v := range vals {
		if v == nil {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

func (a *RedisArena) Assemble(ctx context.Context, deviceID, name string, total int) ([]byte, error) {
	if total <= 0 {
		return nil, ErrIncomplete
	}
	fields := make([]string, total)
	for i := range fields {
		fields[i] = chunkField(i)
	}
	vals, err := a.rdb.HMGet(ctx, arenaKey(deviceID, name), fields...).Result()
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, ErrIncomplete
		}
		out = append(out, s...)
	}
	return out, nil
}

func (a *RedisArena) Clear(ctx context.Context, deviceID, name string) error {
	return a.rdb.Del(ctx, arenaKey(deviceID, name)).Err()
}

func (a *RedisArena) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	iter := a.rdb.Scan(ctx, 0, arenaPrefix+"*", 100).Iterator()
	removed := 0
	for iter.Next(ctx) {
		k := iter.Val()
		createdStr, err := a.rdb.HGet(ctx, k, "created").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, err
		}
		created, err := strconv.ParseInt(createdStr, 10, 64)
		if err != nil || created >= cutoff {
			continue
		}
		if err := a.rdb.Del(ctx, k).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, nil
}

func toInt(v interface{}) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}
