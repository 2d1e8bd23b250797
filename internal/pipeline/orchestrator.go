package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// StartResult describes a freshly queued pipeline run.
type StartResult struct {
	QueueID        int64              `json:"queue_id"`
	AttachmentID   int64              `json:"attachment_id"`
	Status         models.QueueStatus `json:"status"`
	MaxRetries     int                `json:"max_retries"`
	QueueMessageID string             `json:"queue_message_id"`
}

// Orchestrator is the pipeline's entry point. It owns the attachment lock until a step
// worker releases it on a terminal outcome.
type Orchestrator struct {
	store      StateStore
	lock       Locker
	extractor  AudioExtractor
	scheduler  *JobScheduler
	notifier   Notifier
	schema     *Schema
	maxRetries int
	retryAfter time.Duration
	log        zerolog.Logger
}

// OrchestratorOptions holds the entry point policy.
type OrchestratorOptions struct {
	MaxRetries int
	RetryAfter time.Duration
}

func NewOrchestrator(st StateStore, l Locker, ex AudioExtractor, sched *JobScheduler, n Notifier, opts OrchestratorOptions, log zerolog.Logger) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Minute
	}
	return &Orchestrator{
		store:      st,
		lock:       l,
		extractor:  ex,
		scheduler:  sched,
		notifier:   n,
		schema:     NewSchema(),
		maxRetries: opts.MaxRetries,
		retryAfter: opts.RetryAfter,
		log:        log,
	}
}

// Schema returns the validator used for start requests.
func (o *Orchestrator) Schema() *Schema {
	return o.schema
}

// Start locks the attachment, creates its queue entry, prepares audio and enqueues the
// Transcribe job.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := o.schema.Validate(req); err != nil {
		return StartResult{}, err
	}
	userID, _ := uuid.Parse(req.UserID)
	log := o.log.With().Int64("attachment_id", req.AttachmentID).Logger()

	held, err := o.lock.IsHeld(ctx, req.AttachmentID)
	if err != nil {
		return StartResult{}, err
	}
	acquired := false
	if !held {
		if acquired, err = o.lock.Acquire(ctx, req.AttachmentID); err != nil {
			return StartResult{}, err
		}
	}
	if !acquired {
		telemetry.LockContention.Inc()
		log.Info().Msg("attachment already processing")
		contention := &AlreadyProcessingError{AttachmentID: req.AttachmentID, RetryAfter: o.hint(ctx, req.AttachmentID)}
		if since, ok, err := o.lock.AcquiredAt(ctx, req.AttachmentID); err == nil && ok {
			contention.LockedSince = since
		}
		return StartResult{}, contention
	}

	// From here on the lock belongs to this run until the Transcribe job is queued.
	queued := false
	defer func() {
		if !queued {
			o.release(ctx, req.AttachmentID)
		}
	}()

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = o.maxRetries
	}
	entry, err := o.store.CreateQueueEntry(ctx, store.CreateEntryParams{
		AttachmentID: req.AttachmentID,
		UserID:       userID,
		MaxRetries:   maxRetries,
	})
	if err != nil {
		return StartResult{}, err
	}
	log = log.With().Int64("queue_id", entry.ID).Logger()
	o.audit(ctx, entry.ID, "created", fmt.Sprintf("max_retries=%d", entry.MaxRetries))

	audioURL := req.AudioURL
	if audioURL == "" {
		audioURL, err = o.extractor.Extract(ctx, req.AttachmentID, req.SourceURL)
		if err != nil {
			return StartResult{}, o.abort(ctx, entry, fmt.Errorf("extract audio: %w", err))
		}
	}
	if err := o.store.UpdateProgress(ctx, entry.ID, models.ProgressAudioExtracted); err != nil {
		log.Warn().Err(err).Msg("update progress")
	}

	payload := TranscribePayload{
		JobPayload: newJob(entry.ID, entry.AttachmentID, entry.UserID, 0),
		AudioURL:   audioURL,
	}
	msgID, err := o.scheduler.ScheduleNext(ctx, queue.KindTranscribe, payload, 0)
	if err != nil {
		return StartResult{}, o.abort(ctx, entry, err)
	}
	if err := o.store.SetQueueMessageID(ctx, entry.ID, msgID); err != nil {
		log.Warn().Err(err).Msg("record queue message id")
	}

	queued = true
	telemetry.PipelinesStarted.Inc()
	log.Info().Str("message_id", msgID).Msg("pipeline queued")
	return StartResult{
		QueueID:        entry.ID,
		AttachmentID:   entry.AttachmentID,
		Status:         models.QueueQueued,
		MaxRetries:     entry.MaxRetries,
		QueueMessageID: msgID,
	}, nil
}

// abort fails a run that never reached a step worker. Start's deferred release frees the
// attachment.
func (o *Orchestrator) abort(ctx context.Context, entry models.QueueEntry, cause error) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := o.store.FailEntry(ctx, entry.ID, cause.Error()); err != nil {
		o.log.Warn().Err(err).Int64("queue_id", entry.ID).Msg("mark entry failed")
	}
	o.audit(ctx, entry.ID, "failed", causeLabel(cause)+": "+cause.Error())
	if o.notifier != nil {
		note := notify.Notification{
			UserID:  entry.UserID,
			Type:    notify.TypeProcessingFailed,
			Title:   "Video processing failed",
			Message: "We could not prepare your video for processing.",
			Data:    map[string]any{"queue_id": entry.ID, "attachment_id": entry.AttachmentID, "error": cause.Error()},
		}
		if err := o.notifier.Notify(ctx, note); err != nil {
			o.log.Warn().Err(err).Int64("queue_id", entry.ID).Msg("notify user")
		}
	}
	o.log.Error().Err(cause).Int64("queue_id", entry.ID).Int64("attachment_id", entry.AttachmentID).Msg("pipeline start failed")
	return cause
}

// hint is the Retry-After for a contended attachment: the configured interval, or the
// remaining lock TTL when that is shorter.
func (o *Orchestrator) hint(ctx context.Context, attachmentID int64) time.Duration {
	remaining, err := o.lock.Remaining(ctx, attachmentID)
	if err != nil || remaining <= 0 || remaining > o.retryAfter {
		return o.retryAfter
	}
	return remaining
}

func (o *Orchestrator) release(ctx context.Context, attachmentID int64) {
	ctx, cancel := detached(ctx)
	defer cancel()
	if err := o.lock.Release(ctx, attachmentID); err != nil {
		o.log.Warn().Err(err).Int64("attachment_id", attachmentID).Msg("release lock")
	}
}

func (o *Orchestrator) audit(ctx context.Context, queueID int64, event, detail string) {
	if err := o.store.AppendAudit(ctx, queueID, event, detail); err != nil {
		o.log.Warn().Err(err).Int64("queue_id", queueID).Str("event", event).Msg("append audit")
	}
}
