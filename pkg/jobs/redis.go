package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const maintainBatch = 100

// dequeueScript pops the oldest ready id, leases it and returns the stored body
// with the number of leases that expired on it.
var dequeueScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local body = redis.call('HGET', KEYS[3], id)
if not body then
  return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return {body, redis.call('HGET', KEYS[4], id) or '0'}
`)

// maintainScript moves due delayed ids back onto the ready list. An expired lease
// counts as a spent attempt: the id is requeued, or dead-lettered once the
// attempts are used up.
var maintainScript = redis.NewScript(`
local moved = 0
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[3], id)
  moved = moved + 1
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local body = redis.call('HGET', KEYS[4], id)
  if body then
    local job = cjson.decode(body)
    local lapses = redis.call('HINCRBY', KEYS[5], id, 1)
    local max = tonumber(job['max_attempts']) or 0
    if max <= 0 then
      max = tonumber(ARGV[3])
    end
    if max > 0 and (tonumber(job['attempt']) or 0) + lapses >= max then
      redis.call('HDEL', KEYS[4], id)
      redis.call('HDEL', KEYS[5], id)
      redis.call('LPUSH', KEYS[6], body)
      redis.call('LTRIM', KEYS[6], 0, tonumber(ARGV[4]) - 1)
    else
      redis.call('RPUSH', KEYS[3], id)
    end
    moved = moved + 1
  end
end
return moved
`)

// RedisBroker stores jobs in Redis: a ready list, a lease set scored by deadline,
// a delayed set scored by due time and a capped dead list per lane.
type RedisBroker struct {
	client  *redis.Client
	prefix  string
	deadCap int64
	now     func() time.Time
}

// NewRedisBroker builds a broker over client. Keys are namespaced by prefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "pipeline:jobs"
	}
	return &RedisBroker{client: client, prefix: prefix, deadCap: 1000, now: time.Now}
}

func (b *RedisBroker) key(lane, part string) string {
	return b.prefix + ":" + lane + ":" + part
}

func (b *RedisBroker) bodies() string {
	return b.prefix + ":bodies"
}

// lapses counts expired leases per job id until the job is settled.
func (b *RedisBroker) lapses() string {
	return b.prefix + ":lapses"
}

// Enqueue stores job and makes it ready now or after delay.
func (b *RedisBroker) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if job.Lane == "" {
		job.Lane = LaneDefault
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = b.now().UTC()
	}
	body, err := job.encode()
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.bodies(), job.ID, body)
		if delay > 0 {
			pipe.ZAdd(ctx, b.key(job.Lane, "delayed"), redis.Z{Score: score(b.now().Add(delay)), Member: job.ID})
		} else {
			pipe.LPush(ctx, b.key(job.Lane, "ready"), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue leases the next ready job of lane for visibility.
func (b *RedisBroker) Dequeue(ctx context.Context, lane string, visibility time.Duration) (Job, error) {
	keys := []string{b.key(lane, "ready"), b.key(lane, "leases"), b.bodies(), b.lapses()}
	res, err := dequeueScript.Run(ctx, b.client, keys, score(b.now().Add(visibility))).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("dequeue %s: %w", lane, err)
	}
	if len(res) != 2 {
		return Job{}, fmt.Errorf("dequeue %s: unexpected reply of %d items", lane, len(res))
	}
	job, err := decodeJob(res[0])
	if err != nil {
		return Job{}, err
	}
	lapses, err := strconv.Atoi(res[1])
	if err != nil {
		return Job{}, fmt.Errorf("dequeue %s: lapse count: %w", lane, err)
	}
	job.Attempt += lapses
	return job, nil
}

// Ack drops the lease and the stored body.
func (b *RedisBroker) Ack(ctx context.Context, job Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Lane, "leases"), job.ID)
		pipe.HDel(ctx, b.bodies(), job.ID)
		pipe.HDel(ctx, b.lapses(), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Retry releases the lease and schedules job to become ready after delay.
func (b *RedisBroker) Retry(ctx context.Context, job Job, delay time.Duration) error {
	body, err := job.encode()
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Lane, "leases"), job.ID)
		pipe.HSet(ctx, b.bodies(), job.ID, body)
		pipe.HDel(ctx, b.lapses(), job.ID)
		pipe.ZAdd(ctx, b.key(job.Lane, "delayed"), redis.Z{Score: score(b.now().Add(delay)), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return nil
}

// Dead moves job to the lane's dead list.
func (b *RedisBroker) Dead(ctx context.Context, job Job) error {
	body, err := job.encode()
	if err != nil {
		return err
	}
	deadKey := b.key(job.Lane, "dead")
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, b.key(job.Lane, "leases"), job.ID)
		pipe.HDel(ctx, b.bodies(), job.ID)
		pipe.HDel(ctx, b.lapses(), job.ID)
		pipe.LPush(ctx, deadKey, body)
		pipe.LTrim(ctx, deadKey, 0, b.deadCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// Extend pushes the lease deadline of a running job.
func (b *RedisBroker) Extend(ctx context.Context, job Job, visibility time.Duration) error {
	err := b.client.ZAddXX(ctx, b.key(job.Lane, "leases"), redis.Z{Score: score(b.now().Add(visibility)), Member: job.ID}).Err()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	return nil
}

// Maintain promotes due delayed jobs and requeues expired leases of lane.
func (b *RedisBroker) Maintain(ctx context.Context, lane string, now time.Time, maxAttempts int) (int, error) {
	keys := []string{
		b.key(lane, "delayed"), b.key(lane, "leases"), b.key(lane, "ready"),
		b.bodies(), b.lapses(), b.key(lane, "dead"),
	}
	moved, err := maintainScript.Run(ctx, b.client, keys, score(now), maintainBatch, maxAttempts, b.deadCap).Int()
	if err != nil {
		return 0, fmt.Errorf("maintain %s: %w", lane, err)
	}
	return moved, nil
}

// Claim is a SET NX with expiry.
func (b *RedisBroker) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.prefix+":claim:"+key, strconv.FormatInt(b.now().Unix(), 10), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Stats reports lane depths.
func (b *RedisBroker) Stats(ctx context.Context, lane string) (LaneStats, error) {
	var ready, leased, delayed, dead *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, b.key(lane, "ready"))
		leased = pipe.ZCard(ctx, b.key(lane, "leases"))
		delayed = pipe.ZCard(ctx, b.key(lane, "delayed"))
		dead = pipe.LLen(ctx, b.key(lane, "dead"))
		return nil
	})
	if err != nil {
		return LaneStats{}, fmt.Errorf("stats %s: %w", lane, err)
	}
	return LaneStats{Lane: lane, Ready: ready.Val(), Leased: leased.Val(), Delayed: delayed.Val(), Dead: dead.Val()}, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}
