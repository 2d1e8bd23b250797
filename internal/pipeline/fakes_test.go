package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"media-pipeline/internal/embedding"
	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/transcribe"
)

type stepKey struct {
	queueID int64
	step    models.StepName
}

// memStore mirrors the guarded SQL updates of store.Store in memory.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	entries    map[int64]*models.QueueEntry
	steps      map[stepKey]*models.StepRecord
	embeddings map[int64]models.EmbeddingRecord
	audit      []models.AuditLog
	mutations  int

	completeStepErr error
	createErr       error
}

func newMemStore() *memStore {
	return &memStore{
		entries:    map[int64]*models.QueueEntry{},
		steps:      map[stepKey]*models.StepRecord{},
		embeddings: map[int64]models.EmbeddingRecord{},
	}
}

func (m *memStore) addEntry(attachmentID int64, user uuid.UUID, maxRetries int) models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e := &models.QueueEntry{
		ID:           m.nextID,
		AttachmentID: attachmentID,
		UserID:       user,
		Status:       models.QueueQueued,
		CurrentStep:  models.StepTranscribe,
		MaxRetries:   maxRetries,
	}
	m.entries[e.ID] = e
	return *e
}

func (m *memStore) entry(id int64) models.QueueEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.entries[id]
}

func (m *memStore) step(id int64, step models.StepName) (models.StepRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.steps[stepKey{id, step}]
	if !ok {
		return models.StepRecord{}, false
	}
	return *rec, true
}

func (m *memStore) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutations
}

func (m *memStore) CreateQueueEntry(_ context.Context, p store.CreateEntryParams) (models.QueueEntry, error) {
	if m.createErr != nil {
		return models.QueueEntry{}, m.createErr
	}
	e := m.addEntry(p.AttachmentID, p.UserID, p.MaxRetries)
	m.mu.Lock()
	m.mutations++
	m.mu.Unlock()
	return e, nil
}

func (m *memStore) GetQueueEntry(_ context.Context, id int64) (models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return models.QueueEntry{}, fmt.Errorf("queue entry %d: %w", id, store.ErrNotFound)
	}
	return *e, nil
}

func (m *memStore) SetQueueMessageID(_ context.Context, id int64, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if e, ok := m.entries[id]; ok {
		e.QueueMessageID = &messageID
	}
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, id int64, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if e, ok := m.entries[id]; ok && progress > e.ProgressPercentage {
		e.ProgressPercentage = progress
	}
	return nil
}

func (m *memStore) StartStep(_ context.Context, queueID int64, step models.StepName, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	k := stepKey{queueID, step}
	rec, ok := m.steps[k]
	if !ok {
		rec = &models.StepRecord{QueueID: queueID, StepName: step}
		m.steps[k] = rec
	}
	if rec.Status != models.StepCompleted {
		now := time.Now()
		rec.Status = models.StepProcessing
		rec.StartedAt = &now
	}
	if e := m.entries[queueID]; !e.Status.Terminal() {
		e.Status = models.QueueProcessing
		e.CurrentStep = step
		if progress > e.ProgressPercentage {
			e.ProgressPercentage = progress
		}
	}
	return nil
}

func (m *memStore) GetStep(_ context.Context, queueID int64, step models.StepName) (models.StepRecord, bool, error) {
	rec, ok := m.step(queueID, step)
	return rec, ok, nil
}

func (m *memStore) RecordRetry(_ context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[queueID]
	if retryCount > e.MaxRetries || e.Status.Terminal() || e.RetryCount != retryCount-1 || e.CurrentStep != step {
		return false, nil
	}
	m.mutations++
	e.Status = models.QueueRetrying
	e.RetryCount = retryCount
	e.ErrorMessage = &errMsg
	now := time.Now()
	e.LastErrorAt = &now
	if rec, ok := m.steps[stepKey{queueID, step}]; ok && rec.Status != models.StepCompleted {
		rec.Status = models.StepPending
		rec.RetryCount = retryCount
		rec.ErrorMessage = &errMsg
	}
	return true, nil
}

func (m *memStore) FailStep(ctx context.Context, queueID int64, step models.StepName, retryCount int, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	k := stepKey{queueID, step}
	rec, ok := m.steps[k]
	if !ok {
		rec = &models.StepRecord{QueueID: queueID, StepName: step}
		m.steps[k] = rec
	}
	if rec.Status != models.StepCompleted {
		rec.Status = models.StepFailed
		rec.RetryCount = retryCount
		rec.ErrorMessage = &errMsg
	}
	if e := m.entries[queueID]; e.Status != models.QueueCompleted {
		e.Status = models.QueueFailed
		e.RetryCount = min(retryCount, e.MaxRetries)
		e.ErrorMessage = &errMsg
	}
	return nil
}

func (m *memStore) FailEntry(ctx context.Context, id int64, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if e := m.entries[id]; e.Status != models.QueueCompleted {
		e.Status = models.QueueFailed
		e.ErrorMessage = &errMsg
	}
	return nil
}

func (m *memStore) CompleteStep(_ context.Context, queueID int64, step models.StepName, output json.RawMessage) error {
	if m.completeStepErr != nil {
		return m.completeStepErr
	}
	if len(output) == 0 {
		return errors.New("output_data is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	k := stepKey{queueID, step}
	rec, ok := m.steps[k]
	if !ok {
		rec = &models.StepRecord{QueueID: queueID, StepName: step}
		m.steps[k] = rec
	}
	if rec.Status != models.StepCompleted {
		rec.Status = models.StepCompleted
		rec.RetryCount = 0
		rec.OutputData = output
		rec.ErrorMessage = nil
	}
	return nil
}

func (m *memStore) AdvanceEntry(_ context.Context, queueID int64, next models.StepName, progress int, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	e := m.entries[queueID]
	if e.Status.Terminal() {
		return nil
	}
	e.Status = models.QueueProcessing
	e.CurrentStep = next
	e.RetryCount = 0
	e.ErrorMessage = nil
	if progress > e.ProgressPercentage {
		e.ProgressPercentage = progress
	}
	if messageID != "" {
		e.QueueMessageID = &messageID
	}
	return nil
}

func (m *memStore) CompleteEntry(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	e := m.entries[id]
	if e.Status.Terminal() {
		return nil
	}
	e.Status = models.QueueCompleted
	e.ProgressPercentage = models.ProgressCompleted
	e.RetryCount = 0
	return nil
}

func (m *memStore) SaveEmbedding(_ context.Context, rec models.EmbeddingRecord) (int64, error) {
	if !rec.Valid() {
		return 0, errors.New("embedding record has no vectors")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mutations++
	if existing, ok := m.embeddings[rec.QueueID]; ok {
		return existing.ID, nil
	}
	rec.ID = int64(len(m.embeddings) + 100)
	m.embeddings[rec.QueueID] = rec
	return rec.ID, nil
}

func (m *memStore) AppendAudit(_ context.Context, queueID int64, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{QueueID: queueID, Event: event, Detail: detail})
	return nil
}

func (m *memStore) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, a := range m.audit {
		out = append(out, a.Event)
	}
	return out
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []queue.Message
	err      error
}

func (q *fakeQueue) Schedule(_ context.Context, msg queue.Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.messages = append(q.messages, msg)
	return fmt.Sprintf("msg-%d", len(q.messages)), nil
}

func (q *fakeQueue) sent() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.messages...)
}

type fakeLock struct {
	mu        sync.Mutex
	held      map[int64]bool
	since     map[int64]time.Time
	released  []int64
	remaining time.Duration
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: map[int64]bool{}, since: map[int64]time.Time{}}
}

func (l *fakeLock) Acquire(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false, nil
	}
	l.held[id] = true
	l.since[id] = time.Now()
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	l.released = append(l.released, id)
	return nil
}

func (l *fakeLock) IsHeld(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id], nil
}

func (l *fakeLock) Remaining(context.Context, int64) (time.Duration, error) {
	return l.remaining, nil
}

func (l *fakeLock) AcquiredAt(_ context.Context, id int64) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.since[id]
	return at, ok && l.held[id], nil
}

func (l *fakeLock) isHeld(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id]
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *fakeNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Type)
	}
	return out
}

// fakeTranscriber replays errs in order, then answers with text. onCall runs first on every call.
type fakeTranscriber struct {
	errs   []error
	text   string
	calls  int
	onCall func()
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (transcribe.Transcript, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return transcribe.Transcript{}, err
	}
	return transcribe.Transcript{Text: f.text, Language: "en"}, nil
}

type fakeGenerator struct {
	res   embedding.Result
	err   error
	calls int
}

func (f *fakeGenerator) Generate(context.Context, string) (embedding.Result, error) {
	f.calls++
	return f.res, f.err
}

type fakeExtractor struct {
	url    string
	err    error
	calls  int
	during func()
}

func (f *fakeExtractor) Extract(ctx context.Context, _ int64, _ string) (string, error) {
	f.calls++
	if f.during != nil {
		f.during()
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return f.url, f.err
}

type harness struct {
	store    *memStore
	queue    *fakeQueue
	lock     *fakeLock
	notifier *fakeNotifier
	deps     Deps
}

func newHarness() *harness {
	h := &harness{
		store:    newMemStore(),
		queue:    &fakeQueue{},
		lock:     newFakeLock(),
		notifier: &fakeNotifier{},
	}
	h.deps = Deps{
		Store:     h.store,
		Lock:      h.lock,
		Notifier:  h.notifier,
		Scheduler: NewJobScheduler(h.queue, 3),
		Policy:    RetryPolicy{Unit: time.Minute},
		Log:       zerolog.Nop(),
	}
	return h
}

func fastPersist(r *runner) {
	r.persistBackoff = func() retry.Backoff {
		return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
