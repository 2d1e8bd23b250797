package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// Step result statuses.
const (
	StatusAdvanced       = "advanced"
	StatusCompleted      = "completed"
	StatusRetryScheduled = "retry_scheduled"
	StatusSkipped        = "skipped"
)

// StepResult is the non-error outcome of one step invocation.
type StepResult struct {
	QueueID            int64           `json:"queue_id"`
	AttachmentID       int64           `json:"attachment_id"`
	Step               models.StepName `json:"step"`
	Status             string          `json:"status"`
	NextStep           models.StepName `json:"next_step,omitempty"`
	Output             any             `json:"output,omitempty"`
	EmbeddingID        int64           `json:"embedding_id,omitempty"`
	FinalStep          bool            `json:"final_step,omitempty"`
	RetryCount         int             `json:"retry_count,omitempty"`
	MaxRetries         int             `json:"max_retries,omitempty"`
	NextRetryInSeconds int             `json:"next_retry_in_seconds,omitempty"`
}

// Deps are the collaborators shared by both step workers.
type Deps struct {
	Store     StateStore
	Lock      Locker
	Notifier  Notifier
	Scheduler *JobScheduler
	Policy    RetryPolicy
	Schema    *Schema
	Log       zerolog.Logger
}

// stepRun describes one invocation of a step for the shared runner.
type stepRun struct {
	name     models.StepName
	kind     queue.Kind
	progress int
	job      JobPayload
	// retryPayload rebuilds the job for the given attempt number.
	retryPayload func(attempt int) any
	// execute calls upstream and persists anything besides the step record. It returns output_data.
	execute func(ctx context.Context, entry models.QueueEntry) (json.RawMessage, error)
	// handOff advances the pipeline from the persisted output of a completed step.
	handOff func(ctx context.Context, entry models.QueueEntry, output json.RawMessage) (StepResult, error)
}

// cleanupTimeout bounds the writes that settle a run once its request is gone.
const cleanupTimeout = 10 * time.Second

// detached keeps ctx values but survives its cancellation, so failure bookkeeping and
// lock release still happen after the caller disconnects.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

type runner struct {
	Deps
	persistBackoff func() retry.Backoff
	now            func() time.Time
}

func newRunner(d Deps) runner {
	if d.Schema == nil {
		d.Schema = NewSchema()
	}
	return runner{
		Deps: d,
		persistBackoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
		},
		now: time.Now,
	}
}

func (r *runner) run(ctx context.Context, s stepRun) (StepResult, error) {
	log := r.Log.With().
		Int64("queue_id", s.job.QueueID).
		Int64("attachment_id", s.job.AttachmentID).
		Str("step", string(s.name)).
		Logger()

	entry, err := r.Store.GetQueueEntry(ctx, s.job.QueueID)
	if errors.Is(err, store.ErrNotFound) {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "orphaned").Inc()
		log.Error().Msg("queue entry no longer exists")
		return StepResult{}, &FatalError{Step: s.name, Err: fmt.Errorf("queue entry %d no longer exists", s.job.QueueID)}
	}
	if err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, fmt.Errorf("load queue entry: %w", err)
	}
	if entry.AttachmentID != s.job.AttachmentID || entry.UserID != s.job.User() {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "orphaned").Inc()
		return StepResult{}, &FatalError{Step: s.name, Err: fmt.Errorf("queue entry %d belongs to attachment %d of another job", entry.ID, entry.AttachmentID)}
	}
	if entry.Status.Terminal() {
		log.Info().Str("status", string(entry.Status)).Msg("entry already terminal, skipping")
		return r.skipped(s, entry), nil
	}

	rec, found, err := r.Store.GetStep(ctx, entry.ID, s.name)
	if err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, fmt.Errorf("load step record: %w", err)
	}
	if found && rec.Status == models.StepCompleted {
		if entry.CurrentStep == s.name {
			log.Info().Msg("step completed earlier, resuming hand-off")
			return r.handOff(ctx, s, entry, rec.OutputData)
		}
		log.Info().Msg("duplicate delivery of completed step, skipping")
		return r.skipped(s, entry), nil
	}
	if entry.CurrentStep == s.name && s.job.RetryAttempt < entry.RetryCount {
		log.Info().Int("retry_attempt", s.job.RetryAttempt).Int("retry_count", entry.RetryCount).
			Msg("stale delivery of an earlier attempt, skipping")
		return r.skipped(s, entry), nil
	}

	if err := r.Store.StartStep(ctx, entry.ID, s.name, s.progress); err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, err
	}

	output, err := s.execute(ctx, entry)
	if err == nil {
		err = r.persist(ctx, "complete "+string(s.name), output, func(ctx context.Context) error {
			return r.Store.CompleteStep(ctx, entry.ID, s.name, output)
		})
	}
	if err != nil {
		return r.fail(ctx, s, entry, err)
	}
	return r.handOff(ctx, s, entry, output)
}

func (r *runner) handOff(ctx context.Context, s stepRun, entry models.QueueEntry, output json.RawMessage) (StepResult, error) {
	res, err := s.handOff(ctx, entry, output)
	if err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, err
	}
	telemetry.StepOutcomes.WithLabelValues(string(s.name), res.Status).Inc()
	return res, nil
}

// persist retries a state-store write locally before giving up with a PersistenceError.
func (r *runner) persist(ctx context.Context, op string, output json.RawMessage, fn func(context.Context) error) error {
	err := retry.Do(ctx, r.persistBackoff(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: op, Err: err, Output: output}
	}
	return nil
}

// fail classifies a step failure and either schedules a retry or terminates the pipeline.
func (r *runner) fail(ctx context.Context, s stepRun, entry models.QueueEntry, cause error) (StepResult, error) {
	label := causeLabel(cause)
	log := r.Log.With().
		Int64("queue_id", entry.ID).
		Int64("attachment_id", entry.AttachmentID).
		Str("step", string(s.name)).
		Str("cause", label).
		Logger()

	if !retryable(cause) {
		telemetry.UpstreamErrors.WithLabelValues(string(s.name), "fatal").Inc()
		return r.terminate(ctx, s, entry, entry.RetryCount, cause, &FatalError{Step: s.name, Err: cause})
	}
	telemetry.UpstreamErrors.WithLabelValues(string(s.name), "transient").Inc()

	next := entry.RetryCount + 1
	if r.Policy.Exhausted(next, entry.MaxRetries) {
		return r.terminate(ctx, s, entry, next, cause, &ExhaustedRetriesError{
			Step:       s.name,
			Attempts:   next,
			MaxRetries: entry.MaxRetries,
			Err:        cause,
		})
	}

	delay := r.Policy.Delay(next)
	advisory := fmt.Sprintf("%s attempt %d/%d failed (%s), retrying in %s", s.name, next, entry.MaxRetries, label, delay)

	// The retry is enqueued before the count moves. If recording fails, redelivery of this
	// attempt is still current and runs again; the extra message is then stale and skipped.
	msgID, err := r.Scheduler.ScheduleRetry(ctx, s.kind, s.retryPayload(next), next, delay)
	if err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, err
	}
	ok, err := r.Store.RecordRetry(ctx, entry.ID, s.name, next, advisory)
	if err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, err
	}
	if !ok {
		log.Info().Int("attempt", next).Msg("attempt already recorded by a concurrent delivery, skipping")
		return r.skipped(s, entry), nil
	}
	if err := r.Store.SetQueueMessageID(ctx, entry.ID, msgID); err != nil {
		log.Warn().Err(err).Msg("record retry message id")
	}
	r.audit(ctx, entry.ID, "retry_scheduled", advisory+": "+cause.Error())

	telemetry.RetriesScheduled.WithLabelValues(string(s.name)).Inc()
	telemetry.StepOutcomes.WithLabelValues(string(s.name), StatusRetryScheduled).Inc()
	log.Warn().Err(cause).Int("attempt", next).Int("max_retries", entry.MaxRetries).Dur("delay", delay).Msg("step failed, retry scheduled")

	return StepResult{
		QueueID:            entry.ID,
		AttachmentID:       entry.AttachmentID,
		Step:               s.name,
		Status:             StatusRetryScheduled,
		RetryCount:         next,
		MaxRetries:         entry.MaxRetries,
		NextRetryInSeconds: int(delay / time.Second),
	}, nil
}

// terminate marks the step and entry failed, notifies the user and releases the lock.
func (r *runner) terminate(ctx context.Context, s stepRun, entry models.QueueEntry, retryCount int, cause, termErr error) (StepResult, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	msg := termErr.Error()
	if err := r.Store.FailStep(ctx, entry.ID, s.name, retryCount, msg); err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(s.name), "error").Inc()
		return StepResult{}, err
	}
	r.audit(ctx, entry.ID, "failed", fmt.Sprintf("%s: %s", causeLabel(cause), msg))
	r.notify(ctx, entry, notify.Notification{
		UserID:  entry.UserID,
		Type:    notify.TypeProcessingFailed,
		Title:   "Video processing failed",
		Message: fmt.Sprintf("We could not finish processing your video during the %s step.", s.name),
		Data: map[string]any{
			"queue_id":      entry.ID,
			"attachment_id": entry.AttachmentID,
			"step":          s.name,
			"error":         msg,
		},
	})
	r.release(ctx, entry.AttachmentID)

	outcome := "failed"
	var exhausted *ExhaustedRetriesError
	if errors.As(termErr, &exhausted) {
		outcome = "exhausted"
	}
	telemetry.StepOutcomes.WithLabelValues(string(s.name), outcome).Inc()
	r.Log.Error().Err(cause).
		Int64("queue_id", entry.ID).
		Int64("attachment_id", entry.AttachmentID).
		Str("step", string(s.name)).
		Int("attempt", retryCount).
		Str("cause", causeLabel(cause)).
		Msg("pipeline failed")
	return StepResult{}, termErr
}

func (r *runner) skipped(s stepRun, entry models.QueueEntry) StepResult {
	telemetry.StepOutcomes.WithLabelValues(string(s.name), StatusSkipped).Inc()
	return StepResult{
		QueueID:      entry.ID,
		AttachmentID: entry.AttachmentID,
		Step:         s.name,
		Status:       StatusSkipped,
	}
}

func (r *runner) audit(ctx context.Context, queueID int64, event, detail string) {
	if err := r.Store.AppendAudit(ctx, queueID, event, detail); err != nil {
		r.Log.Warn().Err(err).Int64("queue_id", queueID).Str("event", event).Msg("append audit")
	}
}

func (r *runner) notify(ctx context.Context, entry models.QueueEntry, note notify.Notification) {
	if r.Notifier == nil {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := r.Notifier.Notify(ctx, note); err != nil {
		r.Log.Warn().Err(err).Int64("queue_id", entry.ID).Str("type", note.Type).Msg("notify user")
	}
}

func (r *runner) release(ctx context.Context, attachmentID int64) {
	if r.Lock == nil {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := r.Lock.Release(ctx, attachmentID); err != nil {
		r.Log.Warn().Err(err).Int64("attachment_id", attachmentID).Msg("release lock")
	}
}
