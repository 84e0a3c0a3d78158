package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a TaskQueue backed by a Redis list, for deployments where
// submitters and workers run in separate processes.
type RedisQueue struct {
	client       *redis.Client
	queueName    string
	progressName string
}

// progressTTL bounds how long per-job progress keys linger after the last
// report.
const progressTTL = 24 * time.Hour

// NewRedisQueue connects to Redis at addr (host:port) and verifies the
// connection before returning.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(fmt.Sprintf("redis://%s", addr))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client:       client,
		queueName:    "epicast:jobs",
		progressName: "epicast:job_progress",
	}, nil
}

// Submit enqueues a spec, stamping ID and submission time if unset.
func (q *RedisQueue) Submit(ctx context.Context, spec JobSpec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = time.Now().UTC()
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job spec: %w", err)
	}
	if err := q.client.RPush(ctx, q.queueName, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return spec.ID, nil
}

// ClaimNext pops the oldest spec, or returns nil when the queue is empty.
func (q *RedisQueue) ClaimNext(ctx context.Context) (*JobSpec, error) {
	data, err := q.client.LPop(ctx, q.queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	var spec JobSpec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}
	return &spec, nil
}

// ReportProgress stores the latest status under a per-job key with a bounded
// lifetime, replacing any earlier report.
func (q *RedisQueue) ReportProgress(ctx context.Context, id, status, payload string) error {
	update := ProgressUpdate{
		JobID:     id,
		Status:    status,
		Payload:   payload,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal progress update: %w", err)
	}

	key := fmt.Sprintf("%s:%s", q.progressName, id)
	if err := q.client.Set(ctx, key, data, progressTTL).Err(); err != nil {
		return fmt.Errorf("failed to store progress update: %w", err)
	}
	return nil
}

// Progress returns the last reported update, or nil when none exists.
func (q *RedisQueue) Progress(ctx context.Context, id string) (*ProgressUpdate, error) {
	key := fmt.Sprintf("%s:%s", q.progressName, id)
	data, err := q.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress update: %w", err)
	}

	var update ProgressUpdate
	if err := json.Unmarshal([]byte(data), &update); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress update: %w", err)
	}
	return &update, nil
}

// Length returns the number of pending specs.
func (q *RedisQueue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

var _ TaskQueue = (*RedisQueue)(nil)
