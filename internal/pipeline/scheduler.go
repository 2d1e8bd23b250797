package pipeline

import (
	"context"
	"fmt"
	"time"

	"media-pipeline/internal/queue"
)

// JobScheduler turns pipeline decisions into queue messages. All delays are expressed as
// new enqueues so they survive restarts.
type JobScheduler struct {
	queue   queue.Scheduler
	retries int
}

// NewJobScheduler wraps q. deliveryRetries is the queue's own redelivery budget per message.
func NewJobScheduler(q queue.Scheduler, deliveryRetries int) *JobScheduler {
	return &JobScheduler{queue: q, retries: deliveryRetries}
}

// ScheduleRetry re-enqueues the same step after delay.
func (s *JobScheduler) ScheduleRetry(ctx context.Context, kind queue.Kind, payload any, attempt int, delay time.Duration) (string, error) {
	msg, err := queue.NewMessage(kind, payload, delay, s.retries)
	if err != nil {
		return "", err
	}
	id, err := s.queue.Schedule(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("schedule %s retry %d: %w", kind, attempt, err)
	}
	return id, nil
}

// ScheduleNext enqueues the first attempt of a step.
func (s *JobScheduler) ScheduleNext(ctx context.Context, kind queue.Kind, payload any, delay time.Duration) (string, error) {
	msg, err := queue.NewMessage(kind, payload, delay, s.retries)
	if err != nil {
		return "", err
	}
	id, err := s.queue.Schedule(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", kind, err)
	}
	return id, nil
}
