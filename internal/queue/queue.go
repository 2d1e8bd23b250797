package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which step endpoint a message is delivered to.
type Kind string

const (
	KindTranscribe Kind = "transcribe"
	KindEmbed      Kind = "embed"
)

// Target returns the HTTP path of the step endpoint handling kind.
func (k Kind) Target() string {
	return "/steps/" + string(k)
}

// Message is one job handed to the durable queue.
type Message struct {
	Kind    Kind
	Payload json.RawMessage
	// Delay is the earliest time after enqueue at which delivery may happen.
	Delay time.Duration
	// Retries is the queue's own redelivery budget for failed deliveries.
	Retries int
}

// Scheduler enqueues messages for at-least-once delivery.
type Scheduler interface {
	Schedule(ctx context.Context, msg Message) (string, error)
}

// NewMessage marshals payload into a message.
func NewMessage(kind Kind, payload any, delay time.Duration, retries int) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Message{Kind: kind, Payload: raw, Delay: delay, Retries: retries}, nil
}
