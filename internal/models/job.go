package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueStatus enumerates Queue Entry lifecycle states persisted in Postgres.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "queued"
	QueueProcessing QueueStatus = "processing"
	QueueRetrying   QueueStatus = "retrying"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// StepName identifies a pipeline stage.
type StepName string

const (
	StepTranscribe StepName = "transcribe"
	StepEmbed      StepName = "embed"
)

// StepStatus enumerates Step Record states.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Progress milestones written to queue_entries.progress_percentage.
const (
	ProgressQueued         = 0
	ProgressAudioExtracted = 10
	ProgressTranscribing   = 25
	ProgressTranscribed    = 50
	ProgressEmbedding      = 75
	ProgressCompleted      = 100
)

// QueueEntry is one media item's overall pipeline progress.
type QueueEntry struct {
	ID                 int64       `json:"id"`
	AttachmentID       int64       `json:"attachment_id"`
	UserID             uuid.UUID   `json:"user_id"`
	Status             QueueStatus `json:"status"`
	CurrentStep        StepName    `json:"current_step"`
	ProgressPercentage int         `json:"progress_percentage"`
	RetryCount         int         `json:"retry_count"`
	MaxRetries         int         `json:"max_retries"`
	ErrorMessage       *string     `json:"error_message,omitempty"`
	LastErrorAt        *time.Time  `json:"last_error_at,omitempty"`
	QueueMessageID     *string     `json:"queue_message_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// StepRecord is the outcome of one pipeline stage for one Queue Entry.
type StepRecord struct {
	QueueID      int64           `json:"queue_id"`
	StepName     StepName        `json:"step_name"`
	Status       StepStatus      `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// EmbeddingRecord holds the vectors produced by a completed embed step.
type EmbeddingRecord struct {
	ID              int64     `json:"id"`
	QueueID         int64     `json:"queue_id"`
	AttachmentID    int64     `json:"attachment_id"`
	BGEEmbedding    []float32 `json:"-"`
	E5Embedding     []float32 `json:"-"`
	HasBGEEmbedding bool      `json:"has_bge_embedding"`
	HasE5Embedding  bool      `json:"has_e5_embedding"`
	EmbeddingModel  string    `json:"embedding_model"`
	SourceText      string    `json:"source_text"`
	WordCount       int       `json:"word_count"`
	SentenceCount   int       `json:"sentence_count"`
	Density         float64   `json:"density"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Valid reports whether at least one vector is present.
func (r EmbeddingRecord) Valid() bool {
	return (r.HasBGEEmbedding && len(r.BGEEmbedding) > 0) || (r.HasE5Embedding && len(r.E5Embedding) > 0)
}

// AuditLog is a pipeline history row.
type AuditLog struct {
	QueueID  int64     `json:"queue_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
