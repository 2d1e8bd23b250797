package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"media-pipeline/internal/upstream"
)

// Service labels notification-dispatch failures.
const Service = "notification"

// Notification types sent to users.
const (
	TypeProcessingCompleted = "video_processing_completed"
	TypeProcessingFailed    = "video_processing_failed"
)

// Notification is one user-facing message about a pipeline run.
type Notification struct {
	UserID  uuid.UUID      `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// HTTPNotifier posts notifications to the dispatch endpoint.
type HTTPNotifier struct {
	client   *upstream.Client
	endpoint string
	timeout  time.Duration
}

func NewHTTPNotifier(client *upstream.Client, endpoint string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{client: client, endpoint: endpoint, timeout: timeout}
}

func (n *HTTPNotifier) Notify(ctx context.Context, note Notification) error {
	return n.client.PostJSON(ctx, Service, n.endpoint, n.timeout, note, nil)
}

// LogNotifier records notifications in the log when no dispatch endpoint is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.log.Info().
		Str("user_id", note.UserID.String()).
		Str("type", note.Type).
		Str("title", note.Title).
		Msg(note.Message)
	return nil
}
