package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// JobPayload holds the fields every step job carries.
type JobPayload struct {
	QueueID      int64  `json:"queue_id" validate:"gt=0"`
	AttachmentID int64  `json:"attachment_id" validate:"gt=0"`
	UserID       string `json:"user_id" validate:"required,uuid"`
	Timestamp    string `json:"timestamp,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	RetryAttempt int    `json:"retry_attempt" validate:"gte=0"`
}

// User returns the parsed owner id. The payload must have been validated.
func (p JobPayload) User() uuid.UUID {
	id, _ := uuid.Parse(p.UserID)
	return id
}

func newJob(queueID, attachmentID int64, user uuid.UUID, attempt int) JobPayload {
	return JobPayload{
		QueueID:      queueID,
		AttachmentID: attachmentID,
		UserID:       user.String(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		RetryAttempt: attempt,
	}
}

// TranscribePayload is the Transcribe job.
type TranscribePayload struct {
	JobPayload
	AudioURL string `json:"audio_url" validate:"required,url"`
}

// EmbedPayload is the Embed job.
type EmbedPayload struct {
	JobPayload
	TranscriptionText string `json:"transcription_text" validate:"notblank"`
}

// StartRequest asks for a new pipeline run of one attachment.
type StartRequest struct {
	AttachmentID int64  `json:"attachment_id,omitempty" validate:"gt=0"`
	UserID       string `json:"user_id" validate:"required,uuid"`
	SourceURL    string `json:"source_url,omitempty" validate:"required_without=AudioURL,omitempty,url"`
	AudioURL     string `json:"audio_url,omitempty" validate:"omitempty,url"`
	MaxRetries   int    `json:"max_retries,omitempty" validate:"omitempty,min=1,max=10"`
}

// Schema decodes and validates payloads strictly.
type Schema struct {
	v *validator.Validate
}

func NewSchema() *Schema {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return &Schema{v: v}
}

// Decode reads body into dst, rejecting unknown fields and trailing data, then validates it.
func (s *Schema) Decode(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Details: []string{decodeDetail(err)}}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &ValidationError{Details: []string{"body must contain a single JSON object"}}
	}
	return s.Validate(dst)
}

// Validate checks struct tags and reports every violation.
func (s *Schema) Validate(v any) error {
	err := s.v.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Details: []string{err.Error()}}
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldDetail(fe))
	}
	return &ValidationError{Details: details}
}

func fieldDetail(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "required_without":
		return field + " is required when audio_url is absent"
	case "gt":
		return field + " must be a positive integer"
	case "uuid":
		return field + " must be a UUID"
	case "url":
		return field + " must be a URL"
	case "datetime":
		return field + " must be an ISO-8601 timestamp"
	case "min", "max", "gte":
		return fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

func decodeDetail(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be %s", typeErr.Field, typeErr.Type)
	}
	if errors.Is(err, io.EOF) {
		return "body is empty"
	}
	return err.Error()
}
