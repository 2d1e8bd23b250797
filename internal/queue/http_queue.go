package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"media-pipeline/internal/telemetry"
)

// HTTPQueue hands messages to an external delayed-delivery queue that pushes them back
// to the step endpoints.
type HTTPQueue struct {
	client     *http.Client
	enqueueURL string
	stepBase   string
	token      string
}

// NewHTTPQueue builds a scheduler posting to enqueueURL. Targets are resolved against stepBase.
func NewHTTPQueue(client *http.Client, enqueueURL, stepBase, token string) *HTTPQueue {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPQueue{
		client:     client,
		enqueueURL: enqueueURL,
		stepBase:   strings.TrimRight(stepBase, "/"),
		token:      token,
	}
}

type enqueueRequest struct {
	URL          string          `json:"url"`
	Body         json.RawMessage `json:"body"`
	DelaySeconds int64           `json:"delay_seconds"`
	Retries      int             `json:"retries"`
}

type enqueueResponse struct {
	MessageID string `json:"message_id"`
}

// Schedule posts the message to the external queue and returns its message id.
func (q *HTTPQueue) Schedule(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(enqueueRequest{
		URL:          q.stepBase + msg.Kind.Target(),
		Body:         msg.Payload,
		DelaySeconds: int64(msg.Delay / time.Second),
		Retries:      msg.Retries,
	})
	if err != nil {
		return "", fmt.Errorf("marshal enqueue request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.enqueueURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", msg.Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("enqueue %s: status %d: %s", msg.Kind, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode enqueue response: %w", err)
	}
	telemetry.EnqueueCounter.WithLabelValues(string(msg.Kind)).Inc()
	return out.MessageID, nil
}
