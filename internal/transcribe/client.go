package transcribe

import (
	"context"
	"errors"
	"strings"
	"time"

	"media-pipeline/internal/upstream"
)

// Service names the transcription collaborator in errors and metrics.
const Service = "transcription"

// DefaultTimeout is generous because an idle inference server may need to wake up.
const DefaultTimeout = 10 * time.Minute

// Segment is a timestamped slice of the transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the transcription server's answer.
type Transcript struct {
	Text     string    `json:"text"`
	Language string    `json:"language,omitempty"`
	Duration float64   `json:"duration,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

type request struct {
	AudioURL string `json:"audio_url"`
	Language string `json:"language,omitempty"`
}

// Client calls the transcription inference endpoint.
type Client struct {
	http     *upstream.Client
	endpoint string
	timeout  time.Duration
}

// NewClient builds a transcription client.
func NewClient(http *upstream.Client, endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: http, endpoint: endpoint, timeout: timeout}
}

// Transcribe asks the server to transcribe the audio at audioURL. A response without text
// is a fatal upstream error.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (Transcript, error) {
	var out Transcript
	if err := c.http.PostJSON(ctx, Service, c.endpoint, c.timeout, request{AudioURL: audioURL}, &out); err != nil {
		return Transcript{}, err
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Text == "" {
		return Transcript{}, upstream.NewFatal(Service, errors.New("response has no transcript text"))
	}
	return out, nil
}
