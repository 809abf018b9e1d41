// Package queue implements the durable delayed job queue on Redis.
//
// Jobs are delay-scheduled into a ZSET keyed by ready time, promoted to a
// ready list by a small Lua script, and consumed by a worker pool. Payloads
// live in a hash keyed by job id; a job whose payload has been removed
// (cancelled campaign, stale restart) is dropped silently when popped.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// Job kinds.
const (
	KindCampaignTick = "campaign-tick"
	KindEmailSend    = "email-send"
)

const (
	// DefaultMaxAttempts bounds redelivery of a failing job.
	DefaultMaxAttempts = 5

	// retryBaseDelay doubles per attempt: 2s, 4s, 8s, ...
	retryBaseDelay = 2 * time.Second

	promoteBatch    = 128
	promoteInterval = 500 * time.Millisecond
	popTimeout      = time.Second
)

// Job is one unit of deferred work. CampaignID is always set; EmailLogID
// only for email-send jobs.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	EmailLogID string    `json:"email_log_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Handler processes one job. A non-nil error triggers redelivery with
// exponential backoff until the attempt cap. A handler that re-queues
// the job itself must return ErrRescheduled so its fresh payload
// survives.
type Handler func(ctx context.Context, job Job) error

// ErrRescheduled signals that the handler called Reschedule on the job;
// the consumer must neither settle nor retry it.
var ErrRescheduled = errors.New("queue: job rescheduled by handler")

// Moves due jobs from the scheduled ZSET to the ready list. Atomic so two
// promoters never double-deliver.
const promoteLuaScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for i, id in ipairs(due) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("RPUSH", KEYS[2], id)
end
return #due
`

// Removes one pending job everywhere it may live.
const removeLuaScript = `
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
return 1
`

// Queue is a named delayed-delivery queue.
type Queue struct {
	name  string
	redis *redis.Client

	promoteScript *redis.Script
	removeScript  *redis.Script

	maxAttempts int

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a queue bound to a Redis client. name namespaces all keys.
func New(name string, rdb *redis.Client) *Queue {
	return &Queue{
		name:          name,
		redis:         rdb,
		promoteScript: redis.NewScript(promoteLuaScript),
		removeScript:  redis.NewScript(removeLuaScript),
		maxAttempts:   DefaultMaxAttempts,
	}
}

func (q *Queue) scheduledKey() string { return "cq:" + q.name + ":scheduled" }
func (q *Queue) readyKey() string     { return "cq:" + q.name + ":ready" }
func (q *Queue) jobsKey() string      { return "cq:" + q.name + ":jobs" }
func (q *Queue) campaignKey(campaignID string) string {
	return "cq:" + q.name + ":campaign:" + campaignID
}

// Enqueue schedules a job to become ready after delay. Idempotent on job
// id: if a job with the same id is already pending, nothing changes and
// false is returned.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	if job.ID == "" {
		return false, errors.New("queue: job id is required")
	}
	job.EnqueuedAt = time.Now().UTC()
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: marshal job: %w", err)
	}

	fresh, err := q.redis.HSetNX(ctx, q.jobsKey(), job.ID, payload).Result()
	if err != nil {
		return false, fmt.Errorf("queue: store payload: %w", err)
	}
	if !fresh {
		return false, nil
	}
	return true, q.schedule(ctx, job, delay)
}

// Reschedule re-queues a job unconditionally, overwriting its payload.
// Used for retries and office-hours deferrals of jobs already in flight.
func (q *Queue) Reschedule(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	if err := q.redis.HSet(ctx, q.jobsKey(), job.ID, payload).Err(); err != nil {
		return fmt.Errorf("queue: store payload: %w", err)
	}
	return q.schedule(ctx, job, delay)
}

func (q *Queue) schedule(ctx context.Context, job Job, delay time.Duration) error {
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.redis.TxPipeline()
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: readyAt, Member: job.ID})
	if job.CampaignID != "" {
		pipe.SAdd(ctx, q.campaignKey(job.CampaignID), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: schedule job: %w", err)
	}
	return nil
}

// CancelCampaign drops every pending job for a campaign. In-flight jobs
// are not interrupted; they observe the campaign status themselves.
func (q *Queue) CancelCampaign(ctx context.Context, campaignID string) (int, error) {
	ids, err := q.redis.SMembers(ctx, q.campaignKey(campaignID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list campaign jobs: %w", err)
	}
	for _, id := range ids {
		err := q.removeScript.Run(ctx, q.redis,
			[]string{q.scheduledKey(), q.readyKey(), q.jobsKey()}, id).Err()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("queue: remove job %s: %w", id, err)
		}
	}
	if err := q.redis.Del(ctx, q.campaignKey(campaignID)).Err(); err != nil {
		return 0, fmt.Errorf("queue: drop campaign index: %w", err)
	}
	return len(ids), nil
}

// PendingCount reports scheduled plus ready jobs.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	pipe := q.redis.Pipeline()
	z := pipe.ZCard(ctx, q.scheduledKey())
	l := pipe.LLen(ctx, q.readyKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	return z.Val() + l.Val(), nil
}

// Promote moves due jobs onto the ready list. Exposed for tests; Run
// calls it on a ticker.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	n, err := q.promoteScript.Run(ctx, q.redis,
		[]string{q.scheduledKey(), q.readyKey()},
		time.Now().UnixMilli(), promoteBatch).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("queue: promote: %w", err)
	}
	return n, nil
}

// Run consumes the queue with concurrency workers until ctx is cancelled.
// Blocks until all workers drain.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(promoteInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.Promote(ctx); err != nil && ctx.Err() == nil {
					logger.Error("queue promote failed", "queue", q.name, "error", err)
				}
			}
		}
	}()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(ctx, handler)
		}()
	}
	wg.Wait()
}

func (q *Queue) consume(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.redis.BLPop(ctx, popTimeout, q.readyKey()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue pop failed", "queue", q.name, "error", err)
			time.Sleep(popTimeout)
			continue
		}

		jobID := res[1]
		payload, err := q.redis.HGet(ctx, q.jobsKey(), jobID).Result()
		if err == redis.Nil {
			// Cancelled while waiting in the ready list.
			q.dropped.Add(1)
			continue
		}
		if err != nil {
			logger.Error("queue payload fetch failed", "queue", q.name, "job_id", jobID, "error", err)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			logger.Error("queue payload corrupt", "queue", q.name, "job_id", jobID, "error", err)
			q.finish(ctx, job, jobID)
			continue
		}

		if err := handler(ctx, job); err != nil {
			if errors.Is(err, ErrRescheduled) {
				continue
			}
			q.failed.Add(1)
			q.retry(ctx, job, err)
			continue
		}
		q.processed.Add(1)
		q.finish(ctx, job, jobID)
	}
}

func (q *Queue) retry(ctx context.Context, job Job, cause error) {
	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		logger.Error("queue job exhausted retries",
			"queue", q.name, "job_id", job.ID, "kind", job.Kind, "error", cause)
		q.finish(ctx, job, job.ID)
		return
	}
	delay := RetryDelay(job.Attempt)
	logger.Warn("queue job retry scheduled",
		"queue", q.name, "job_id", job.ID, "attempt", job.Attempt, "delay", delay.String(), "error", cause)
	if err := q.Reschedule(ctx, job, delay); err != nil && ctx.Err() == nil {
		logger.Error("queue reschedule failed", "queue", q.name, "job_id", job.ID, "error", err)
	}
}

func (q *Queue) finish(ctx context.Context, job Job, jobID string) {
	pipe := q.redis.TxPipeline()
	pipe.HDel(ctx, q.jobsKey(), jobID)
	if job.CampaignID != "" {
		pipe.SRem(ctx, q.campaignKey(job.CampaignID), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		logger.Error("queue finish failed", "queue", q.name, "job_id", jobID, "error", err)
	}
}

// Stats reports lifetime consumer counters.
func (q *Queue) Stats() map[string]int64 {
	return map[string]int64{
		"processed": q.processed.Load(),
		"failed":    q.failed.Load(),
		"dropped":   q.dropped.Load(),
	}
}

// RetryDelay returns the backoff before redelivery attempt n (1-based):
// 2s, 4s, 8s, ... capped at 2 minutes, with light jitter.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseDelay << (attempt - 1)
	if d > 2*time.Minute {
		d = 2 * time.Minute
	}
	return d + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}
