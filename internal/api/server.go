package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"media-pipeline/internal/models"
	"media-pipeline/internal/pipeline"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
	"media-pipeline/internal/upstream"
)

const maxBodyBytes = 1 << 20

// StepHandler runs one pipeline step for a delivered job body.
type StepHandler interface {
	Handle(ctx context.Context, body []byte) (pipeline.StepResult, error)
}

// Starter is the pipeline entry point.
type Starter interface {
	Start(ctx context.Context, req pipeline.StartRequest) (pipeline.StartResult, error)
	Schema() *pipeline.Schema
}

// StateReader serves the inspection endpoint.
type StateReader interface {
	GetQueueEntry(ctx context.Context, id int64) (models.QueueEntry, error)
	ListSteps(ctx context.Context, queueID int64) ([]models.StepRecord, error)
	ListAudit(ctx context.Context, queueID int64) ([]models.AuditLog, error)
	Ping(ctx context.Context) error
}

// DLQReader lists dead-lettered queue messages.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// MessageInspector reports where a queued message currently sits.
type MessageInspector interface {
	Inspect(ctx context.Context, id string) (string, error)
}

// Deps are the collaborators behind the HTTP surface. DLQ, Messages, Limiter and MediaDir
// are optional.
type Deps struct {
	Starter    Starter
	Transcribe StepHandler
	Embed      StepHandler
	State      StateReader
	DLQ        DLQReader
	Messages   MessageInspector
	Limiter    *ratelimit.TokenBucket
	MediaDir   string
	QueueToken string
	Log        zerolog.Logger
}

// Server wires HTTP handlers for the pipeline API.
type Server struct {
	Deps
}

// New constructs the API server.
func New(d Deps) *Server {
	return &Server{Deps: d}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/attachments/{attachmentID}/process", s.handleStart)
	r.Route("/steps", func(r chi.Router) {
		r.Use(s.requireQueueToken)
		r.Post("/transcribe", s.handleStep(s.Transcribe))
		r.Post("/embed", s.handleStep(s.Embed))
	})
	r.Get("/queue/{queueID}", s.handleGetQueue)
	r.Get("/dlq", s.handleDLQ)

	if s.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.MediaDir))))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.State != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.State.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	attachmentID, err := strconv.ParseInt(chi.URLParam(r, "attachmentID"), 10, 64)
	if err != nil || attachmentID <= 0 {
		writeValidation(w, &pipeline.ValidationError{Details: []string{"attachment_id must be a positive integer"}})
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	// The path wins over any attachment_id in the body.
	req := pipeline.StartRequest{AttachmentID: attachmentID}
	if err := s.Starter.Schema().Decode(body, &req); err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeValidation(w, verr)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), false)
		return
	}
	req.AttachmentID = attachmentID

	if s.Limiter != nil {
		d, err := s.Limiter.Allow(r.Context(), "start:"+req.UserID)
		if err != nil {
			s.Log.Error().Err(err).Msg("rate limiter")
			writeError(w, http.StatusInternalServerError, "rate limit error", true)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limited", true)
			return
		}
	}

	res, err := s.Starter.Start(r.Context(), req)
	var contention *pipeline.AlreadyProcessingError
	var verr *pipeline.ValidationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, res)
	case errors.As(err, &contention):
		w.Header().Set("Retry-After", retryAfterSeconds(contention.RetryAfter))
		out := map[string]any{
			"status":        "processing",
			"attachment_id": contention.AttachmentID,
			"message":       "attachment is already being processed, retry later",
		}
		if !contention.LockedSince.IsZero() {
			out["locked_since"] = contention.LockedSince.UTC()
		}
		writeJSON(w, http.StatusAccepted, out)
	case errors.As(err, &verr):
		writeValidation(w, verr)
	case errors.As(err, new(*upstream.Error)) && !upstream.IsTransient(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), false)
	default:
		s.Log.Error().Err(err).Int64("attachment_id", attachmentID).Msg("start pipeline")
		writeError(w, http.StatusInternalServerError, err.Error(), true)
	}
}

func (s *Server) handleStep(h StepHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		res, err := h.Handle(r.Context(), body)
		var verr *pipeline.ValidationError
		switch {
		case err == nil && res.Status == pipeline.StatusRetryScheduled:
			writeJSON(w, http.StatusAccepted, res)
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.As(err, &verr):
			writeValidation(w, verr)
		case pipeline.IsTerminal(err):
			writeError(w, http.StatusUnprocessableEntity, err.Error(), false)
		default:
			s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("step failed unexpectedly")
			writeError(w, http.StatusInternalServerError, err.Error(), true)
		}
	}
}

type queueView struct {
	Entry models.QueueEntry   `json:"entry"`
	Steps []models.StepRecord `json:"steps"`
	Audit []models.AuditLog   `json:"audit"`
	// MessageState is where the entry's latest queue message sits, when the queue is built in.
	MessageState string `json:"message_state,omitempty"`
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "queueID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id", false)
		return
	}
	entry, err := s.State.GetQueueEntry(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), false)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), true)
		return
	}
	steps, err := s.State.ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), true)
		return
	}
	audit, err := s.State.ListAudit(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), true)
		return
	}
	view := queueView{Entry: entry, Steps: steps, Audit: audit}
	if s.Messages != nil && entry.QueueMessageID != nil {
		state, err := s.Messages.Inspect(r.Context(), *entry.QueueMessageID)
		if err != nil {
			s.Log.Warn().Err(err).Int64("queue_id", id).Msg("inspect queue message")
		}
		view.MessageState = state
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.DLQ == nil {
		writeError(w, http.StatusNotFound, "dead-letter queue is managed by the external queue", false)
		return
	}
	items, err := s.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) requireQueueToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.QueueToken != "" {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+s.QueueToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", false)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// readBody reads at most maxBodyBytes and answers 413 past that.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit), false)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "read body", false)
		return nil, false
	}
	return body, true
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

func writeValidation(w http.ResponseWriter, verr *pipeline.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":     "invalid payload",
		"details":   verr.Details,
		"retryable": false,
	})
}

func writeError(w http.ResponseWriter, code int, msg string, retryable bool) {
	writeJSON(w, code, map[string]any{"error": msg, "retryable": retryable})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
