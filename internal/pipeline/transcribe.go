package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/telemetry"
	"media-pipeline/internal/transcribe"
)

// DefaultEmbedHandoffDelay gives the embedding servers time to wake up.
const DefaultEmbedHandoffDelay = 30 * time.Second

// TranscribeWorker runs the transcription step and hands off to embedding.
type TranscribeWorker struct {
	runner
	transcriber  Transcriber
	handoffDelay time.Duration
}

func NewTranscribeWorker(d Deps, t Transcriber, handoffDelay time.Duration) *TranscribeWorker {
	if handoffDelay <= 0 {
		handoffDelay = DefaultEmbedHandoffDelay
	}
	return &TranscribeWorker{runner: newRunner(d), transcriber: t, handoffDelay: handoffDelay}
}

// Handle processes one delivered Transcribe job body.
func (w *TranscribeWorker) Handle(ctx context.Context, body []byte) (StepResult, error) {
	var p TranscribePayload
	if err := w.Schema.Decode(body, &p); err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(models.StepTranscribe), "invalid").Inc()
		return StepResult{}, err
	}
	return w.run(ctx, stepRun{
		name:     models.StepTranscribe,
		kind:     queue.KindTranscribe,
		progress: models.ProgressTranscribing,
		job:      p.JobPayload,
		retryPayload: func(attempt int) any {
			next := p
			next.RetryAttempt = attempt
			next.Timestamp = w.now().UTC().Format(time.RFC3339)
			return next
		},
		execute: func(ctx context.Context, _ models.QueueEntry) (json.RawMessage, error) {
			t, err := w.transcriber.Transcribe(ctx, p.AudioURL)
			if err != nil {
				return nil, err
			}
			return json.Marshal(t)
		},
		handOff: w.scheduleEmbed,
	})
}

// scheduleEmbed enqueues the Embed job from the stored transcript and advances the entry.
func (w *TranscribeWorker) scheduleEmbed(ctx context.Context, entry models.QueueEntry, output json.RawMessage) (StepResult, error) {
	var t transcribe.Transcript
	if err := json.Unmarshal(output, &t); err != nil {
		return StepResult{}, fmt.Errorf("decode stored transcript: %w", err)
	}

	next := EmbedPayload{
		JobPayload:        newJob(entry.ID, entry.AttachmentID, entry.UserID, 0),
		TranscriptionText: t.Text,
	}
	msgID, err := w.Scheduler.ScheduleNext(ctx, queue.KindEmbed, next, w.handoffDelay)
	if err != nil {
		return StepResult{}, err
	}
	if err := w.Store.AdvanceEntry(ctx, entry.ID, models.StepEmbed, models.ProgressTranscribed, msgID); err != nil {
		return StepResult{}, err
	}
	w.audit(ctx, entry.ID, "step_completed", fmt.Sprintf("transcribe completed, embed scheduled in %s", w.handoffDelay))
	w.Log.Info().Int64("queue_id", entry.ID).Int("characters", len(t.Text)).Msg("transcription completed")

	return StepResult{
		QueueID:      entry.ID,
		AttachmentID: entry.AttachmentID,
		Step:         models.StepTranscribe,
		Status:       StatusAdvanced,
		NextStep:     models.StepEmbed,
		Output: map[string]any{
			"characters": len(t.Text),
			"language":   t.Language,
			"duration":   t.Duration,
			"segments":   len(t.Segments),
		},
	}, nil
}
