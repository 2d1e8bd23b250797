package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/upstream"
)

func newTestOrchestrator(h *harness, ex AudioExtractor) *Orchestrator {
	return NewOrchestrator(h.store, h.lock, ex, h.deps.Scheduler, h.notifier,
		OrchestratorOptions{MaxRetries: 3, RetryAfter: time.Minute}, zerolog.Nop())
}

func TestStartExtractsAudioAndQueuesTranscribe(t *testing.T) {
	h := newHarness()
	ex := &fakeExtractor{url: "http://localhost:8080/media/audio/42/a.mp3"}
	o := newTestOrchestrator(h, ex)

	res, err := o.Start(context.Background(), StartRequest{
		AttachmentID: 42,
		UserID:       uuid.NewString(),
		SourceURL:    "https://cdn.example.com/v.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, models.QueueQueued, res.Status)
	assert.Equal(t, 3, res.MaxRetries)
	assert.Equal(t, "msg-1", res.QueueMessageID)
	assert.Equal(t, 1, ex.calls)
	assert.True(t, h.lock.isHeld(42))

	sent := h.queue.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, queue.KindTranscribe, sent[0].Kind)
	assert.Zero(t, sent[0].Delay)
	var p TranscribePayload
	require.NoError(t, json.Unmarshal(sent[0].Payload, &p))
	assert.Equal(t, ex.url, p.AudioURL)
	assert.Equal(t, res.QueueID, p.QueueID)
	assert.NoError(t, NewSchema().Validate(p))

	entry := h.store.entry(res.QueueID)
	assert.Equal(t, models.ProgressAudioExtracted, entry.ProgressPercentage)
}

func TestStartWithAudioURLSkipsExtraction(t *testing.T) {
	h := newHarness()
	ex := &fakeExtractor{}
	o := newTestOrchestrator(h, ex)

	res, err := o.Start(context.Background(), StartRequest{
		AttachmentID: 5,
		UserID:       uuid.NewString(),
		AudioURL:     "https://cdn.example.com/a.mp3",
		MaxRetries:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, ex.calls)
	assert.Equal(t, 5, h.store.entry(res.QueueID).MaxRetries)
}

func TestStartWhileLockedReturnsAlreadyProcessing(t *testing.T) {
	h := newHarness()
	h.lock.held[42] = true
	h.lock.remaining = 20 * time.Second
	lockedAt := time.Now().Add(-5 * time.Minute)
	h.lock.since[42] = lockedAt
	o := newTestOrchestrator(h, &fakeExtractor{})

	_, err := o.Start(context.Background(), StartRequest{AttachmentID: 42, UserID: uuid.NewString(), AudioURL: "https://a/b.mp3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
	var contention *AlreadyProcessingError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, 20*time.Second, contention.RetryAfter)
	assert.Equal(t, lockedAt, contention.LockedSince)
	assert.Equal(t, 0, h.store.mutationCount())
	assert.True(t, h.lock.isHeld(42))
	assert.Empty(t, h.lock.released)
}

func TestStartExtractionFailureReleasesLock(t *testing.T) {
	h := newHarness()
	ex := &fakeExtractor{err: upstream.NewFatal("audio-extraction", errors.New("no audio stream"))}
	o := newTestOrchestrator(h, ex)

	_, err := o.Start(context.Background(), StartRequest{AttachmentID: 8, UserID: uuid.NewString(), SourceURL: "https://a/v.mp4"})
	require.Error(t, err)
	assert.False(t, upstream.IsTransient(err))
	assert.False(t, h.lock.isHeld(8))
	assert.Equal(t, models.QueueFailed, h.store.entry(1).Status)
	assert.Equal(t, []string{"video_processing_failed"}, h.notifier.types())
	assert.Empty(t, h.queue.sent())
}

func TestStartEnqueueFailureReleasesLock(t *testing.T) {
	h := newHarness()
	h.queue.err = errors.New("queue unavailable")
	o := newTestOrchestrator(h, &fakeExtractor{})

	_, err := o.Start(context.Background(), StartRequest{AttachmentID: 9, UserID: uuid.NewString(), AudioURL: "https://a/b.mp3"})
	require.Error(t, err)
	assert.False(t, h.lock.isHeld(9))
	assert.Equal(t, models.QueueFailed, h.store.entry(1).Status)
}

func TestStartCreateFailureReleasesLock(t *testing.T) {
	h := newHarness()
	h.store.createErr = errors.New("db down")
	o := newTestOrchestrator(h, &fakeExtractor{})

	_, err := o.Start(context.Background(), StartRequest{AttachmentID: 10, UserID: uuid.NewString(), AudioURL: "https://a/b.mp3"})
	require.Error(t, err)
	assert.False(t, h.lock.isHeld(10))
}

func TestStartValidation(t *testing.T) {
	h := newHarness()
	o := newTestOrchestrator(h, &fakeExtractor{})

	cases := map[string]StartRequest{
		"no source":         {AttachmentID: 1, UserID: uuid.NewString()},
		"bad user":          {AttachmentID: 1, UserID: "x", AudioURL: "https://a/b"},
		"retries too large": {AttachmentID: 1, UserID: uuid.NewString(), AudioURL: "https://a/b", MaxRetries: 11},
		"no attachment":     {UserID: uuid.NewString(), AudioURL: "https://a/b"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := o.Start(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	assert.Empty(t, h.lock.held)
}
