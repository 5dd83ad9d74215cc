package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultListKey = "grading:jobs"

// JobsSubject is the NATS subject carrying enqueue wake-ups for worker
// replicas.
const JobsSubject = "examind.grading.jobs"

// Redis implements Queue on a Redis list. The list is the authoritative
// pending set: LPOP reserves, LREM removes, so cancellation can delete
// queued-but-undispatched jobs. An optional NATS connection broadcasts
// enqueue notifications so idle workers wake without polling delay.
type Redis struct {
	client *redis.Client
	nats   *nats.Conn
	key    string
	logger zerolog.Logger
}

// NewRedis constructs the queue. The NATS connection may be nil; workers then
// rely on their polling ticker alone.
func NewRedis(client *redis.Client, natsConn *nats.Conn, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		nats:   natsConn,
		key:    defaultListKey,
		logger: logger.With().Str("component", "grading_queue").Logger(),
	}
}

// Enqueue pushes the job and notifies workers.
func (q *Redis) Enqueue(ctx context.Context, job GradingJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode grading job: %w", err)
	}

	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue grading job: %w", err)
	}

	if q.nats != nil {
		if err := q.nats.Publish(JobsSubject, []byte(job.ID)); err != nil {
			q.logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to publish job notification")
		}
	}

	return nil
}

// Reserve pops the oldest job.
func (q *Redis) Reserve(ctx context.Context) (GradingJob, bool, error) {
	payload, err := q.client.LPop(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return GradingJob{}, false, nil
		}
		return GradingJob{}, false, fmt.Errorf("failed to reserve grading job: %w", err)
	}

	var job GradingJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return GradingJob{}, false, fmt.Errorf("failed to decode grading job: %w", err)
	}

	return job, true, nil
}

// Remove scans the pending list and deletes matching entries. A job popped
// by a worker between the scan and the LREM is simply not removed, which is
// the best-effort semantics cancellation requires.
func (q *Redis) Remove(ctx context.Context, match func(GradingJob) bool) (int, error) {
	entries, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list grading jobs: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		var job GradingJob
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			q.logger.Warn().Err(err).Msg("skipping undecodable grading job entry")
			continue
		}
		if !match(job) {
			continue
		}
		count, err := q.client.LRem(ctx, q.key, 1, entry).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to remove grading job: %w", err)
		}
		removed += int(count)
	}

	return removed, nil
}

// Pending lists queued jobs oldest first.
func (q *Redis) Pending(ctx context.Context) ([]GradingJob, error) {
	entries, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list grading jobs: %w", err)
	}

	jobs := make([]GradingJob, 0, len(entries))
	for _, entry := range entries {
		var job GradingJob
		if err := json.Unmarshal([]byte(entry), &job); err != nil {
			q.logger.Warn().Err(err).Msg("skipping undecodable grading job entry")
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}
