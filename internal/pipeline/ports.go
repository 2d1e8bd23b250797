package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"media-pipeline/internal/embedding"
	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/store"
	"media-pipeline/internal/transcribe"
)

// StateStore is the Processing State Store as used by the pipeline.
type StateStore interface {
	CreateQueueEntry(ctx context.Context, p store.CreateEntryParams) (models.QueueEntry, error)
	GetQueueEntry(ctx context.Context, id int64) (models.QueueEntry, error)
	SetQueueMessageID(ctx context.Context, id int64, messageID string) error
	UpdateProgress(ctx context.Context, id int64, progress int) error
	StartStep(ctx context.Context, queueID int64, step models.StepName, progress int) error
	GetStep(ctx context.Context, queueID int64, step models.StepName) (models.StepRecord, bool, error)
	RecordRetry(ctx context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) (bool, error)
	FailStep(ctx context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) error
	FailEntry(ctx context.Context, id int64, errMsg string) error
	CompleteStep(ctx context.Context, queueID int64, step models.StepName, output json.RawMessage) error
	AdvanceEntry(ctx context.Context, queueID int64, next models.StepName, progress int, messageID string) error
	CompleteEntry(ctx context.Context, id int64) error
	SaveEmbedding(ctx context.Context, rec models.EmbeddingRecord) (int64, error)
	AppendAudit(ctx context.Context, queueID int64, event, detail string) error
}

// Locker is the Distributed Lock keyed by attachment id.
type Locker interface {
	Acquire(ctx context.Context, resourceID int64) (bool, error)
	Release(ctx context.Context, resourceID int64) error
	IsHeld(ctx context.Context, resourceID int64) (bool, error)
	Remaining(ctx context.Context, resourceID int64) (time.Duration, error)
	AcquiredAt(ctx context.Context, resourceID int64) (time.Time, bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, note notify.Notification) error
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (transcribe.Transcript, error)
}

type Generator interface {
	Generate(ctx context.Context, text string) (embedding.Result, error)
}

// AudioExtractor produces a fetchable audio URL from a source video.
type AudioExtractor interface {
	Extract(ctx context.Context, attachmentID int64, sourceURL string) (string, error)
}
