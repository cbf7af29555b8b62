package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"media-batch-processor/internal/config"
	"media-batch-processor/internal/models"
)

// ErrNotLeaseHolder is returned when a worker heartbeats a job whose lease
// it does not hold.
var ErrNotLeaseHolder = fmt.Errorf("lease held by another worker")

// Queue coordinates ready, in-flight, and scheduled job queues in Redis.
// Image and video jobs drain through fully independent key sets so a flood
// of one kind cannot starve the other.
type Queue struct {
	client *redis.Client
	cfg    config.Config
}

// New builds a queue client over an existing Redis connection.
func New(client *redis.Client, cfg config.Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

func readyKey(kind models.MediaKind) string { return fmt.Sprintf("queue:ready:%s", kind) }

func inflightKey(kind models.MediaKind) string { return fmt.Sprintf("queue:inflight:%s", kind) }

func scheduledKey(kind models.MediaKind) string { return fmt.Sprintf("queue:scheduled:%s", kind) }

func metaKey(jobID string) string { return "queue:meta:" + jobID }

// Enqueue appends a job to its kind's ready queue. A failure here is a hard
// failure of submission; nothing is silently dropped.
func (q *Queue) Enqueue(ctx context.Context, kind models.MediaKind, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(jobID), "attempts", 0, "stalls", 0)
	pipe.RPush(ctx, readyKey(kind), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// Lease pops the next ready job of the given kind and places it in-flight
// with a visibility deadline. Returns "" when the queue is empty.
func (q *Queue) Lease(ctx context.Context, kind models.MediaKind, workerID string) (string, error) {
	deadline := time.Now().Add(q.cfg.Policy(kind).LeaseDuration).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client,
		[]string{readyKey(kind), inflightKey(kind)},
		deadline, workerID,
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease %s job: %w", kind, err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from lease script: %T", res)
	}
	return jobID, nil
}

// Heartbeat pushes the visibility deadline forward for an in-flight job.
// Only the current lease holder may renew.
func (q *Queue) Heartbeat(ctx context.Context, kind models.MediaKind, jobID, workerID string) error {
	holder, err := q.client.HGet(ctx, metaKey(jobID), "worker").Result()
	if err == redis.Nil || (err == nil && holder != workerID) {
		return ErrNotLeaseHolder
	}
	if err != nil {
		return fmt.Errorf("read lease holder: %w", err)
	}
	deadline := time.Now().Add(q.cfg.Policy(kind).LeaseDuration)
	return q.client.ZAddArgs(ctx, inflightKey(kind), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(deadline.UnixMilli()), Member: jobID}},
	}).Err()
}

// Complete removes a finished job from in-flight tracking and its meta record.
func (q *Queue) Complete(ctx context.Context, kind models.MediaKind, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(kind), jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. Unless attempts are exhausted the job is
// scheduled for retry with exponential backoff (base delay doubled per
// attempt, capped). Returns whether the job is now terminally failed.
func (q *Queue) Fail(ctx context.Context, kind models.MediaKind, jobID string) (retryIn time.Duration, exhausted bool, err error) {
	attempts, err := q.client.HIncrBy(ctx, metaKey(jobID), "attempts", 1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("bump attempts: %w", err)
	}
	policy := q.cfg.Policy(kind)
	if int(attempts) >= policy.MaxAttempts {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(kind), jobID)
		pipe.Del(ctx, metaKey(jobID))
		_, err = pipe.Exec(ctx)
		return 0, true, err
	}
	retryIn = backoff(policy.BackoffBase, policy.BackoffMax, int(attempts))
	runAt := time.Now().Add(retryIn)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(kind), jobID)
	pipe.HDel(ctx, metaKey(jobID), "worker")
	pipe.ZAdd(ctx, scheduledKey(kind), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return retryIn, false, err
}

// PromoteScheduled moves due retries into the ready queue. Returns how many
// were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, kind models.MediaKind, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(kind), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey(kind), id)
		pipe.RPush(ctx, readyKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimExpired reclaims leases whose deadline passed without renewal.
// Stalled jobs go back to the ready queue up to the kind's stall budget;
// past that they are abandoned and returned in the second slice so the
// caller can mark them failed.
func (q *Queue) ReclaimExpired(ctx context.Context, kind models.MediaKind, now time.Time, limit int64) (requeued, abandoned []string, err error) {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey(kind), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, nil, err
	}
	maxStalls := q.cfg.Policy(kind).MaxStalls
	for _, id := range ids {
		stalls, err := q.client.HIncrBy(ctx, metaKey(id), "stalls", 1).Result()
		if err != nil {
			return requeued, abandoned, err
		}
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(kind), id)
		if int(stalls) > maxStalls {
			pipe.Del(ctx, metaKey(id))
			abandoned = append(abandoned, id)
		} else {
			pipe.HDel(ctx, metaKey(id), "worker")
			pipe.RPush(ctx, readyKey(kind), id)
			requeued = append(requeued, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return requeued, abandoned, err
		}
	}
	return requeued, abandoned, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets. Callers
// are responsible for only cancelling jobs that are not mid-processing.
func (q *Queue) Cancel(ctx context.Context, kind models.MediaKind, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, readyKey(kind), 0, jobID)
	pipe.ZRem(ctx, inflightKey(kind), jobID)
	pipe.ZRem(ctx, scheduledKey(kind), jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth reports ready and in-flight counts for one kind.
func (q *Queue) Depth(ctx context.Context, kind models.MediaKind) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, readyKey(kind))
	inflightCmd := pipe.ZCard(ctx, inflightKey(kind))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return readyCmd.Val(), inflightCmd.Val(), nil
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}

var leaseScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  redis.call('HSET', 'queue:meta:' .. job, 'worker', ARGV[2])
  return job
end
return nil
`)
