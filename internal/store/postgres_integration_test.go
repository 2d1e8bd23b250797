package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-pipeline/internal/models"
)

// newTestStore connects to POSTGRES_TEST_DSN and migrates it. The database needs the
// pgvector extension available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.RunMigrations(ctx))
	return s
}

func newEntry(t *testing.T, s *Store, maxRetries int) models.QueueEntry {
	t.Helper()
	e, err := s.CreateQueueEntry(context.Background(), CreateEntryParams{
		AttachmentID: time.Now().UnixNano(),
		UserID:       uuid.New(),
		MaxRetries:   maxRetries,
	})
	require.NoError(t, err)
	return e
}

func TestPostgresVectorCodecAfterMigrations(t *testing.T) {
	s := newTestStore(t)
	conn, err := s.pool.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()
	_, ok := conn.Conn().TypeMap().TypeForName("vector")
	assert.True(t, ok)
}

func TestPostgresRecordRetryAdvancesOneAttemptAtATime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 3)
	require.NoError(t, s.StartStep(ctx, e.ID, models.StepTranscribe, models.ProgressAudioExtracted))

	ok, err := s.RecordRetry(ctx, e.ID, models.StepTranscribe, 1, "attempt 1 failed")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same attempt again, as a duplicate delivery would.
	ok, err = s.RecordRetry(ctx, e.ID, models.StepTranscribe, 1, "attempt 1 failed")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RecordRetry(ctx, e.ID, models.StepEmbed, 2, "wrong step")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RecordRetry(ctx, e.ID, models.StepTranscribe, 2, "attempt 2 failed")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RecordRetry(ctx, e.ID, models.StepTranscribe, 3, "attempt 3 failed")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RecordRetry(ctx, e.ID, models.StepTranscribe, 4, "past the budget")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueRetrying, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestPostgresFailStepCapsRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 2)

	require.NoError(t, s.FailStep(ctx, e.ID, models.StepTranscribe, 7, "exhausted"))

	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	rec, found, err := s.GetStep(ctx, e.ID, models.StepTranscribe)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StepFailed, rec.Status)

	ok, err := s.RecordRetry(ctx, e.ID, models.StepTranscribe, 1, "after failure")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresProgressNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 3)

	require.NoError(t, s.UpdateProgress(ctx, e.ID, models.ProgressTranscribed))
	require.NoError(t, s.UpdateProgress(ctx, e.ID, models.ProgressAudioExtracted))
	require.NoError(t, s.StartStep(ctx, e.ID, models.StepTranscribe, models.ProgressAudioExtracted))

	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressTranscribed, got.ProgressPercentage)
}

func TestPostgresCompleteStepKeepsFirstOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 3)

	require.NoError(t, s.CompleteStep(ctx, e.ID, models.StepTranscribe, json.RawMessage(`{"text":"first"}`)))
	require.NoError(t, s.CompleteStep(ctx, e.ID, models.StepTranscribe, json.RawMessage(`{"text":"second"}`)))
	require.NoError(t, s.StartStep(ctx, e.ID, models.StepTranscribe, 0))

	rec, found, err := s.GetStep(ctx, e.ID, models.StepTranscribe)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.StepCompleted, rec.Status)
	assert.JSONEq(t, `{"text":"first"}`, string(rec.OutputData))
}

func TestPostgresCompletedStepRequiresOutputColumn(t *testing.T) {
	s := newTestStore(t)
	e := newEntry(t, s, 3)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO step_records (queue_id, step_name, status) VALUES ($1, $2, $3)`,
		e.ID, models.StepEmbed, models.StepCompleted)
	assert.Error(t, err)
}

func TestPostgresCompleteEntryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 3)

	require.NoError(t, s.CompleteEntry(ctx, e.ID))
	require.NoError(t, s.CompleteEntry(ctx, e.ID))
	require.NoError(t, s.FailEntry(ctx, e.ID, "late failure"))

	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCompleted, got.Status)
	assert.Equal(t, models.ProgressCompleted, got.ProgressPercentage)
}

func TestPostgresSaveEmbeddingOncePerEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := newEntry(t, s, 3)
	vec := make([]float32, 1024)
	for i := range vec {
		vec[i] = float32(i) / 1024
	}
	rec := models.EmbeddingRecord{
		QueueID:         e.ID,
		AttachmentID:    e.AttachmentID,
		BGEEmbedding:    vec,
		HasBGEEmbedding: true,
		EmbeddingModel:  "bge-m3",
		SourceText:      "hello world",
		WordCount:       2,
		SentenceCount:   1,
	}

	first, err := s.SaveEmbedding(ctx, rec)
	require.NoError(t, err)
	second, err := s.SaveEmbedding(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var count int
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM embedding_records WHERE queue_id = $1`, e.ID).Scan(&count))
	assert.Equal(t, 1, count)
}
