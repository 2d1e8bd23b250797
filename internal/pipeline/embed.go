package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"media-pipeline/internal/embedding"
	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/telemetry"
)

// EmbedWorker runs the final embedding step.
type EmbedWorker struct {
	runner
	generator Generator
}

func NewEmbedWorker(d Deps, g Generator) *EmbedWorker {
	return &EmbedWorker{runner: newRunner(d), generator: g}
}

type embedOutput struct {
	EmbeddingID     int64   `json:"embedding_id"`
	EmbeddingModel  string  `json:"embedding_model"`
	HasBGEEmbedding bool    `json:"has_bge_embedding"`
	HasE5Embedding  bool    `json:"has_e5_embedding"`
	WordCount       int     `json:"word_count"`
	SentenceCount   int     `json:"sentence_count"`
	Density         float64 `json:"density"`
}

// Handle processes one delivered Embed job body.
func (w *EmbedWorker) Handle(ctx context.Context, body []byte) (StepResult, error) {
	var p EmbedPayload
	if err := w.Schema.Decode(body, &p); err != nil {
		telemetry.StepOutcomes.WithLabelValues(string(models.StepEmbed), "invalid").Inc()
		return StepResult{}, err
	}
	return w.run(ctx, stepRun{
		name:     models.StepEmbed,
		kind:     queue.KindEmbed,
		progress: models.ProgressEmbedding,
		job:      p.JobPayload,
		retryPayload: func(attempt int) any {
			next := p
			next.RetryAttempt = attempt
			next.Timestamp = w.now().UTC().Format(time.RFC3339)
			return next
		},
		execute: func(ctx context.Context, entry models.QueueEntry) (json.RawMessage, error) {
			return w.embed(ctx, entry, p.TranscriptionText)
		},
		handOff: w.finish,
	})
}

func (w *EmbedWorker) embed(ctx context.Context, entry models.QueueEntry, text string) (json.RawMessage, error) {
	res, err := w.generator.Generate(ctx, text)
	if err != nil {
		return nil, err
	}
	metrics := embedding.Analyze(text)
	rec := models.EmbeddingRecord{
		QueueID:         entry.ID,
		AttachmentID:    entry.AttachmentID,
		BGEEmbedding:    res.BGE,
		E5Embedding:     res.E5,
		HasBGEEmbedding: res.HasBGE,
		HasE5Embedding:  res.HasE5,
		EmbeddingModel:  res.Model(),
		SourceText:      text,
		WordCount:       metrics.WordCount,
		SentenceCount:   metrics.SentenceCount,
		Density:         metrics.Density,
		Status:          string(models.StepCompleted),
	}
	if !rec.Valid() {
		return nil, errors.New("generator returned no vectors")
	}

	var id int64
	err = w.persist(ctx, "save embedding", nil, func(ctx context.Context) error {
		var err error
		id, err = w.Store.SaveEmbedding(ctx, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(embedOutput{
		EmbeddingID:     id,
		EmbeddingModel:  rec.EmbeddingModel,
		HasBGEEmbedding: rec.HasBGEEmbedding,
		HasE5Embedding:  rec.HasE5Embedding,
		WordCount:       rec.WordCount,
		SentenceCount:   rec.SentenceCount,
		Density:         rec.Density,
	})
}

// finish completes the entry, tells the user and frees the attachment.
func (w *EmbedWorker) finish(ctx context.Context, entry models.QueueEntry, output json.RawMessage) (StepResult, error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	var out embedOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return StepResult{}, fmt.Errorf("decode stored embedding output: %w", err)
	}
	if err := w.Store.CompleteEntry(ctx, entry.ID); err != nil {
		return StepResult{}, err
	}
	w.audit(ctx, entry.ID, "completed", fmt.Sprintf("embedding %d (%s)", out.EmbeddingID, out.EmbeddingModel))
	w.notify(ctx, entry, notify.Notification{
		UserID:  entry.UserID,
		Type:    notify.TypeProcessingCompleted,
		Title:   "Video processing complete",
		Message: "Your video has been transcribed and is now searchable.",
		Data: map[string]any{
			"queue_id":      entry.ID,
			"attachment_id": entry.AttachmentID,
			"embedding_id":  out.EmbeddingID,
		},
	})
	w.release(ctx, entry.AttachmentID)
	w.Log.Info().Int64("queue_id", entry.ID).Int64("embedding_id", out.EmbeddingID).Str("model", out.EmbeddingModel).Msg("pipeline completed")

	return StepResult{
		QueueID:      entry.ID,
		AttachmentID: entry.AttachmentID,
		Step:         models.StepEmbed,
		Status:       StatusCompleted,
		EmbeddingID:  out.EmbeddingID,
		FinalStep:    true,
		Output:       out,
	}, nil
}
