package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"media-pipeline/internal/models"
)

// ErrNotFound is returned when a queue entry or step record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence of pipeline state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// Fails until the first migration creates the vector extension; RunMigrations
		// resets the pool so later connections register it.
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateEntryParams collects inputs required to insert a queue entry.
type CreateEntryParams struct {
	AttachmentID int64
	UserID       uuid.UUID
	MaxRetries   int
}

// CreateQueueEntry inserts a queued entry whose first step is transcription.
func (s *Store) CreateQueueEntry(ctx context.Context, p CreateEntryParams) (models.QueueEntry, error) {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_entries (attachment_id, user_id, status, current_step, progress_percentage, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING `+entryColumns,
		p.AttachmentID, p.UserID, models.QueueQueued, models.StepTranscribe, models.ProgressQueued, p.MaxRetries)
	entry, err := scanEntry(row)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("insert queue entry: %w", err)
	}
	return entry, nil
}

const entryColumns = `id, attachment_id, user_id, status, current_step, progress_percentage, retry_count, max_retries,
	error_message, last_error_at, queue_message_id, created_at, updated_at`

// GetQueueEntry fetches a queue entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("scan queue entry: %w", err)
	}
	return entry, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var (
		e       models.QueueEntry
		status  string
		step    string
		errMsg  pgtype.Text
		errAt   pgtype.Timestamptz
		message pgtype.Text
	)
	if err := row.Scan(&e.ID, &e.AttachmentID, &e.UserID, &status, &step, &e.ProgressPercentage, &e.RetryCount,
		&e.MaxRetries, &errMsg, &errAt, &message, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	e.Status = models.QueueStatus(status)
	e.CurrentStep = models.StepName(step)
	e.ErrorMessage = textPtr(errMsg)
	e.QueueMessageID = textPtr(message)
	if errAt.Valid {
		t := errAt.Time
		e.LastErrorAt = &t
	}
	return e, nil
}

// SetQueueMessageID records the external queue message id of the latest enqueued job.
func (s *Store) SetQueueMessageID(ctx context.Context, id int64, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET queue_message_id = $2, updated_at = NOW() WHERE id = $1
	`, id, messageID)
	return err
}

// UpdateProgress raises progress_percentage; it never lowers it.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET progress_percentage = GREATEST(progress_percentage, $2), updated_at = NOW()
		WHERE id = $1
	`, id, progress)
	return err
}

// StartStep marks the step record processing and points the entry at it.
// Completed steps and terminal entries are left untouched.
func (s *Store) StartStep(ctx context.Context, queueID int64, step models.StepName, progress int) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO step_records (queue_id, step_name, status, started_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (queue_id, step_name) DO UPDATE
		SET status = EXCLUDED.status, started_at = NOW(), updated_at = NOW()
		WHERE step_records.status <> $4
	`, queueID, step, models.StepProcessing, models.StepCompleted); err != nil {
		return fmt.Errorf("mark step processing: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, current_step = $3, progress_percentage = GREATEST(progress_percentage, $4), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, queueID, models.QueueProcessing, step, progress, models.QueueCompleted, models.QueueFailed); err != nil {
		return fmt.Errorf("mark entry processing: %w", err)
	}
	return nil
}

// GetStep fetches one step record. The boolean is false when it does not exist yet.
func (s *Store) GetStep(ctx context.Context, queueID int64, step models.StepName) (models.StepRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM step_records WHERE queue_id = $1 AND step_name = $2`, queueID, step)
	rec, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StepRecord{}, false, nil
	}
	if err != nil {
		return models.StepRecord{}, false, fmt.Errorf("scan step record: %w", err)
	}
	return rec, true, nil
}

// ListSteps returns all step records of a queue entry.
func (s *Store) ListSteps(ctx context.Context, queueID int64) ([]models.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stepColumns+` FROM step_records WHERE queue_id = $1 ORDER BY started_at NULLS LAST`, queueID)
	if err != nil {
		return nil, fmt.Errorf("query step records: %w", err)
	}
	defer rows.Close()
	var out []models.StepRecord
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const stepColumns = `queue_id, step_name, status, started_at, retry_count, output_data, error_message, updated_at`

func scanStep(row pgx.Row) (models.StepRecord, error) {
	var (
		r       models.StepRecord
		name    string
		status  string
		started pgtype.Timestamptz
		output  []byte
		errMsg  pgtype.Text
	)
	if err := row.Scan(&r.QueueID, &name, &status, &started, &r.RetryCount, &output, &errMsg, &r.UpdatedAt); err != nil {
		return models.StepRecord{}, err
	}
	r.StepName = models.StepName(name)
	r.Status = models.StepStatus(status)
	if started.Valid {
		t := started.Time
		r.StartedAt = &t
	}
	if len(output) > 0 {
		r.OutputData = json.RawMessage(output)
	}
	r.ErrorMessage = textPtr(errMsg)
	return r, nil
}

// RecordRetry moves retry_count from retryCount-1 to retryCount while the entry is still on
// step. It reports false and changes nothing when that transition is no longer possible, for
// example because a concurrent delivery already recorded the attempt or max_retries is reached.
func (s *Store) RecordRetry(ctx context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, retry_count = $3, error_message = $4, last_error_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND retry_count = $3 - 1 AND current_step = $7 AND $3 <= max_retries AND status NOT IN ($5, $6)
	`, queueID, models.QueueRetrying, retryCount, errMsg, models.QueueCompleted, models.QueueFailed, step)
	if err != nil {
		return false, fmt.Errorf("record entry retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE step_records SET status = $3, retry_count = $4, error_message = $5, updated_at = NOW()
		WHERE queue_id = $1 AND step_name = $2 AND status <> $6
	`, queueID, step, models.StepPending, retryCount, errMsg, models.StepCompleted); err != nil {
		return false, fmt.Errorf("record step retry: %w", err)
	}
	return true, nil
}

// FailStep transitions the step record and its queue entry to failed with a terminal error.
func (s *Store) FailStep(ctx context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO step_records (queue_id, step_name, status, retry_count, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (queue_id, step_name) DO UPDATE
		SET status = EXCLUDED.status, retry_count = EXCLUDED.retry_count, error_message = EXCLUDED.error_message, updated_at = NOW()
		WHERE step_records.status <> $6
	`, queueID, step, models.StepFailed, retryCount, errMsg, models.StepCompleted); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, retry_count = LEAST($3, max_retries), error_message = $4, last_error_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> $5
	`, queueID, models.QueueFailed, retryCount, errMsg, models.QueueCompleted); err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return nil
}

// FailEntry marks an entry failed before any step ran (e.g. audio extraction failed).
func (s *Store) FailEntry(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = $2, error_message = $3, last_error_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> $4
	`, id, models.QueueFailed, errMsg, models.QueueCompleted)
	return err
}

// CompleteStep stores output_data and marks the step completed. Completing twice is a no-op.
func (s *Store) CompleteStep(ctx context.Context, queueID int64, step models.StepName, output json.RawMessage) error {
	if len(output) == 0 {
		return fmt.Errorf("complete step %s: output_data is required", step)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_records (queue_id, step_name, status, retry_count, output_data, updated_at)
		VALUES ($1, $2, $3, 0, $4, NOW())
		ON CONFLICT (queue_id, step_name) DO UPDATE
		SET status = EXCLUDED.status, retry_count = 0, output_data = EXCLUDED.output_data, error_message = NULL, updated_at = NOW()
		WHERE step_records.status <> $3
	`, queueID, step, models.StepCompleted, []byte(output))
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	return nil
}

// AdvanceEntry hands the entry to the next step with a fresh retry budget.
func (s *Store) AdvanceEntry(ctx context.Context, queueID int64, next models.StepName, progress int, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, current_step = $3, retry_count = 0, progress_percentage = GREATEST(progress_percentage, $4),
		    queue_message_id = COALESCE(NULLIF($5, ''), queue_message_id), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($6, $7)
	`, queueID, models.QueueProcessing, next, progress, messageID, models.QueueCompleted, models.QueueFailed)
	if err != nil {
		return fmt.Errorf("advance entry: %w", err)
	}
	return nil
}

// CompleteEntry marks the entry completed at 100%. Completing twice is a no-op.
func (s *Store) CompleteEntry(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = $2, progress_percentage = $3, retry_count = 0, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $4)
	`, id, models.QueueCompleted, models.ProgressCompleted, models.QueueFailed)
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	return nil
}

// SaveEmbedding inserts the embedding record of a queue entry and returns its id.
// A second insert for the same queue entry returns the existing id.
func (s *Store) SaveEmbedding(ctx context.Context, rec models.EmbeddingRecord) (int64, error) {
	if !rec.Valid() {
		return 0, errors.New("embedding record has no vectors")
	}
	var bge, e5 any
	if rec.HasBGEEmbedding {
		bge = pgvector.NewVector(rec.BGEEmbedding)
	}
	if rec.HasE5Embedding {
		e5 = pgvector.NewVector(rec.E5Embedding)
	}
	if rec.Status == "" {
		rec.Status = string(models.StepCompleted)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO embedding_records (queue_id, attachment_id, bge_embedding, e5_embedding, has_bge_embedding, has_e5_embedding,
			embedding_model, source_text, word_count, sentence_count, density, status)
		VALUES ($1, $2, $3::vector, $4::vector, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (queue_id) DO UPDATE SET queue_id = EXCLUDED.queue_id
		RETURNING id
	`, rec.QueueID, rec.AttachmentID, bge, e5, rec.HasBGEEmbedding, rec.HasE5Embedding, rec.EmbeddingModel,
		rec.SourceText, rec.WordCount, rec.SentenceCount, rec.Density, rec.Status).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert embedding record: %w", err)
	}
	return id, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, queueID int64, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_audit (queue_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, queueID, event, detail)
	return err
}

// ListAudit returns the history of a queue entry, oldest first.
func (s *Store) ListAudit(ctx context.Context, queueID int64) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue_id, event, detail, ts FROM pipeline_audit WHERE queue_id = $1 ORDER BY ts, id
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()
	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.QueueID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
