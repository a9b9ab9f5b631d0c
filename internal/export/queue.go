package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrJobNotFound reports a missing or expired job record.
var ErrJobNotFound = errors.New("export job not found")

// Queue is the durable job store and work queue. The Redis implementation
// is the production one; tests run an in-memory double.
type Queue interface {
	// Put persists the job record.
	Put(ctx context.Context, job *Job) error
	// Get loads a job record by id.
	Get(ctx context.Context, id string) (*Job, error)
	// Remove drops the job record.
	Remove(ctx context.Context, id string) error

	// Enqueue makes a job id available for workers.
	Enqueue(ctx context.Context, id string) error
	// Dequeue blocks up to wait for the next job id. Returns "" on timeout.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
	// Delay schedules a job id to re-enter the queue at a later time.
	Delay(ctx context.Context, id string, at time.Time) error
	// PromoteDue moves every due delayed id back to the queue, returning
	// how many moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// Redis key layout. Records carry a generous TTL so even failed jobs
// disappear on their own after the retention window.
const (
	keyJobPrefix = "export:job:"
	keyPending   = "export:pending"
	keyDelayed   = "export:delayed"

	jobRecordTTL = 8 * 24 * time.Hour
)

// RedisQueue is the production queue on go-redis.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue wraps an existing client; the caller owns the connection.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Put(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	return q.rdb.Set(ctx, keyJobPrefix+job.ID, raw, jobRecordTTL).Err()
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := q.rdb.Get(ctx, keyJobPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	return q.rdb.Del(ctx, keyJobPrefix+id).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	return q.rdb.LPush(ctx, keyPending, id).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, wait, keyPending).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return res[1], nil
}

func (q *RedisQueue) Delay(ctx context.Context, id string, at time.Time) error {
	return q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(at.Unix()),
		Member: id,
	}).Err()
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range due {
		if err := q.rdb.ZRem(ctx, keyDelayed, id).Err(); err != nil {
			return moved, err
		}
		if err := q.Enqueue(ctx, id); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// backoffDelay is the retry schedule: 2 s base, doubling per attempt.
func backoffDelay(attempt int) time.Duration {
	return 2 * time.Second << uint(attempt-1)
}
