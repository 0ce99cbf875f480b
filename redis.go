package dripflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend stores each job as a hash and tracks its state in sorted sets:
//
//	{prefix}:{queue}:job:{id}    hash with the job fields
//	{prefix}:{queue}:pending     score = available_at (ms)
//	{prefix}:{queue}:active      score = locked_until (ms)
//	{prefix}:{queue}:completed   score = finished_at (ms)
//	{prefix}:{queue}:failed      score = finished_at (ms)
//	{prefix}:{queue}:dedupe:{k}  id of the waiting job holding key k
//	{prefix}:{queue}:paused      present while the queue is paused
type redisBackend struct {
	rdb   *redis.Client
	base  string
	queue string
	cfg   *Config
}

func newRedisBackend(cfg *Config) *redisBackend {
	return &redisBackend{
		rdb:   cfg.Redis,
		base:  cfg.RedisPrefix + ":" + cfg.Queue + ":",
		queue: cfg.Queue,
		cfg:   cfg,
	}
}

func (b *redisBackend) jobKey(id string) string     { return b.base + "job:" + id }
func (b *redisBackend) dedupeKey(key string) string { return b.base + "dedupe:" + key }
func (b *redisBackend) set(name string) string      { return b.base + name }

var insertScript = redis.NewScript(`
if ARGV[3] == '1' then
  local existing = redis.call('GET', KEYS[3])
  if existing then
    return existing
  end
  redis.call('SET', KEYS[3], ARGV[1])
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return ARGV[1]
`)

// Stalled jobs (lock expired) are reclaimed before fresh ones are taken.
var claimScript = redis.NewScript(`
local id
local stalled = 0
local s = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1], 'LIMIT', 0, 1)
if #s > 0 then
  id = s[1]
  stalled = 1
else
  local r = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
  if #r == 0 then
    return false
  end
  id = r[1]
  redis.call('ZREM', KEYS[1], id)
  local key = redis.call('HGET', ARGV[4] .. id, 'key')
  if key and key ~= '' then
    if redis.call('GET', ARGV[5] .. key) == id then
      redis.call('DEL', ARGV[5] .. key)
    end
  end
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[4] .. id, 'status', 'IN_PROGRESS', 'locked_by', ARGV[3], 'locked_until', ARGV[2], 'updated_at', ARGV[1])
redis.call('HINCRBY', ARGV[4] .. id, 'attempt', 1)
return {id, stalled}
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'locked_by') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
local keep = tonumber(ARGV[4])
if ARGV[6] == 'COMPLETED' and keep == 0 then
  redis.call('DEL', KEYS[1])
  return 1
end
redis.call('HSET', KEYS[1], 'status', ARGV[6], 'finished_at', ARGV[3], 'updated_at', ARGV[3])
if ARGV[7] ~= '' then
  redis.call('HSET', KEYS[1], 'last_error', ARGV[7])
end
redis.call('HDEL', KEYS[1], 'locked_by', 'locked_until')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
local excess = redis.call('ZCARD', KEYS[3]) - keep
if excess > 0 then
  local old = redis.call('ZRANGE', KEYS[3], 0, excess - 1)
  for _, oid in ipairs(old) do
    redis.call('DEL', ARGV[5] .. oid)
  end
  redis.call('ZREMRANGEBYRANK', KEYS[3], 0, excess - 1)
end
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'locked_by') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'status', 'PENDING', 'available_at', ARGV[4], 'last_error', ARGV[5], 'updated_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'locked_by', 'locked_until')
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
if ARGV[6] == '1' then
  redis.call('SET', KEYS[4], ARGV[1], 'NX')
end
return 1
`)

var removeScript = redis.NewScript(`
local n = 0
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if redis.call('HGET', ARGV[1] .. id, 'key') == ARGV[2] then
    redis.call('ZREM', KEYS[1], id)
    redis.call('DEL', ARGV[1] .. id)
    n = n + 1
  end
end
redis.call('DEL', KEYS[2])
return n
`)

func (b *redisBackend) migrate(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *redisBackend) insert(ctx context.Context, rec *JobRecord) (*JobRecord, error) {
	keyed := "0"
	if rec.Key != "" {
		keyed = "1"
	}
	args := []any{
		rec.ID,
		toMillis(rec.AvailableAt),
		keyed,
		"id", rec.ID,
		"queue", rec.Queue,
		"key", rec.Key,
		"operation", string(rec.Operation),
		"status", string(rec.Status),
		"payload", string(rec.Payload),
		"attempt", 0,
		"max_attempts", rec.MaxAttempts,
		"available_at", toMillis(rec.AvailableAt),
		"created_at", toMillis(rec.CreatedAt),
		"updated_at", toMillis(rec.UpdatedAt),
	}
	keys := []string{b.jobKey(rec.ID), b.set("pending"), b.dedupeKey(rec.Key)}
	id, err := insertScript.Run(ctx, b.rdb, keys, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	if id == rec.ID {
		return rec, nil
	}
	existing, err := b.get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load duplicate job: %w", err)
	}
	return existing, ErrDuplicateJob
}

func (b *redisBackend) claim(ctx context.Context, workerID string, now, lockUntil time.Time) (*JobRecord, error) {
	keys := []string{b.set("pending"), b.set("active")}
	res, err := claimScript.Run(ctx, b.rdb, keys,
		toMillis(now), toMillis(lockUntil), workerID, b.base+"job:", b.base+"dedupe:").Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	id, _ := res[0].(string)
	if stalled, _ := res[1].(int64); stalled == 1 {
		b.cfg.logInfo(LogEvent{
			Message:  fmt.Sprintf("Reclaimed stalled job %s", id),
			WorkerID: workerID,
			JobID:    &id,
		})
	}
	return b.get(ctx, id)
}

func (b *redisBackend) finish(ctx context.Context, rec *JobRecord, status JobStatus, keep int, errMsg string, now time.Time) error {
	target := b.set("completed")
	if status == JobFailed {
		target = b.set("failed")
	}
	keys := []string{b.jobKey(rec.ID), b.set("active"), target}
	n, err := finishScript.Run(ctx, b.rdb, keys,
		rec.ID, lockOwner(rec), toMillis(now), keep, b.base+"job:", string(status), errMsg).Int()
	if err != nil {
		return fmt.Errorf("finish job %s: %w", rec.ID, err)
	}
	if n == 0 {
		return errLostLock
	}
	return nil
}

func (b *redisBackend) complete(ctx context.Context, rec *JobRecord, now time.Time) error {
	return b.finish(ctx, rec, JobCompleted, b.cfg.KeepCompleted, "", now)
}

func (b *redisBackend) fail(ctx context.Context, rec *JobRecord, errMsg string, now time.Time) error {
	return b.finish(ctx, rec, JobFailed, b.cfg.KeepFailed, errMsg, now)
}

func (b *redisBackend) retry(ctx context.Context, rec *JobRecord, availableAt time.Time, errMsg string, now time.Time) error {
	keyed := "0"
	if rec.Key != "" {
		keyed = "1"
	}
	keys := []string{b.jobKey(rec.ID), b.set("active"), b.set("pending"), b.dedupeKey(rec.Key)}
	n, err := retryScript.Run(ctx, b.rdb, keys,
		rec.ID, lockOwner(rec), toMillis(now), toMillis(availableAt), errMsg, keyed).Int()
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", rec.ID, err)
	}
	if n == 0 {
		return errLostLock
	}
	return nil
}

func (b *redisBackend) get(ctx context.Context, id string) (*JobRecord, error) {
	fields, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJobHash(fields)
}

func decodeJobHash(f map[string]string) (*JobRecord, error) {
	millis := func(name string) (int64, error) {
		v, err := strconv.ParseInt(f[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("job field %s: %w", name, err)
		}
		return v, nil
	}
	integer := func(name string) (int, error) {
		v, err := strconv.Atoi(f[name])
		if err != nil {
			return 0, fmt.Errorf("job field %s: %w", name, err)
		}
		return v, nil
	}

	rec := &JobRecord{
		ID:        f["id"],
		Queue:     f["queue"],
		Key:       f["key"],
		Operation: Operation(f["operation"]),
		Status:    JobStatus(f["status"]),
		Payload:   []byte(f["payload"]),
		LastError: f["last_error"],
	}
	var err error
	if rec.Attempt, err = integer("attempt"); err != nil {
		return nil, err
	}
	if rec.MaxAttempts, err = integer("max_attempts"); err != nil {
		return nil, err
	}
	for name, dst := range map[string]*time.Time{
		"available_at": &rec.AvailableAt,
		"created_at":   &rec.CreatedAt,
		"updated_at":   &rec.UpdatedAt,
	} {
		ms, err := millis(name)
		if err != nil {
			return nil, err
		}
		*dst = fromMillis(ms)
	}
	if owner, ok := f["locked_by"]; ok {
		rec.LockedBy = &owner
	}
	if _, ok := f["locked_until"]; ok {
		ms, err := millis("locked_until")
		if err != nil {
			return nil, err
		}
		t := fromMillis(ms)
		rec.LockedUntil = &t
	}
	if _, ok := f["finished_at"]; ok {
		ms, err := millis("finished_at")
		if err != nil {
			return nil, err
		}
		t := fromMillis(ms)
		rec.FinishedAt = &t
	}
	return rec, nil
}

func (b *redisBackend) counts(ctx context.Context, now time.Time) (map[JobState]int, error) {
	nowMs := strconv.FormatInt(toMillis(now), 10)
	pipe := b.rdb.Pipeline()
	waiting := pipe.ZCount(ctx, b.set("pending"), "-inf", nowMs)
	delayed := pipe.ZCount(ctx, b.set("pending"), "("+nowMs, "+inf")
	active := pipe.ZCard(ctx, b.set("active"))
	completed := pipe.ZCard(ctx, b.set("completed"))
	failed := pipe.ZCard(ctx, b.set("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return map[JobState]int{
		StateWaiting:   int(waiting.Val()),
		StateDelayed:   int(delayed.Val()),
		StateActive:    int(active.Val()),
		StateCompleted: int(completed.Val()),
		StateFailed:    int(failed.Val()),
	}, nil
}

func (b *redisBackend) paused(ctx context.Context) (bool, error) {
	n, err := b.rdb.Exists(ctx, b.set("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}
	return n > 0, nil
}

func (b *redisBackend) setPaused(ctx context.Context, paused bool, now time.Time) error {
	var err error
	if paused {
		err = b.rdb.Set(ctx, b.set("paused"), toMillis(now), 0).Err()
	} else {
		err = b.rdb.Del(ctx, b.set("paused")).Err()
	}
	if err != nil {
		return fmt.Errorf("update pause flag: %w", err)
	}
	return nil
}

func (b *redisBackend) remove(ctx context.Context, key string) (int, error) {
	n, err := removeScript.Run(ctx, b.rdb,
		[]string{b.set("pending"), b.dedupeKey(key)}, b.base+"job:", key).Int()
	if err != nil {
		return 0, fmt.Errorf("remove jobs for key %s: %w", key, err)
	}
	return n, nil
}
