package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of a message exchanged with workers
type MessageType string

// Message types. The integer codes accepted on input follow this order:
// Error, Progress, PartialResult, FinalResult, Request.
const (
	MessageError         MessageType = "Error"
	MessageProgress      MessageType = "Progress"
	MessagePartialResult MessageType = "PartialResult"
	MessageFinalResult   MessageType = "FinalResult"
	MessageRequest       MessageType = "Request"
)

var messageTypeCodes = []MessageType{
	MessageError,
	MessageProgress,
	MessagePartialResult,
	MessageFinalResult,
	MessageRequest,
}

// UnmarshalJSON accepts the type name (case-insensitive) or its integer code
func (t *MessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '"' {
		code, err := strconv.Atoi(string(data))
		if err != nil || code < 0 || code >= len(messageTypeCodes) {
			return fmt.Errorf("%w: unknown message type code %s", ErrInvalidMessage, data)
		}
		*t = messageTypeCodes[code]
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, known := range messageTypeCodes {
		if strings.EqualFold(string(known), name) {
			*t = known
			return nil
		}
	}
	return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, name)
}

// Duration is a time span that encodes as a Go duration string
type Duration time.Duration

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a Go duration string, a "[d.]hh:mm:ss[.fffffff]"
// time span, or a number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = 0
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		ms, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", data, err)
		}
		*d = Duration(ms * float64(time.Millisecond))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses a Go duration or a "[d.]hh:mm:ss[.fffffff]" time span
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ":") {
		return time.ParseDuration(s)
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var days int64
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time span %q", s)
	}
	if dayPart, hourPart, ok := strings.Cut(parts[0], "."); ok {
		v, err := strconv.ParseInt(dayPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time span %q: %w", s, err)
		}
		days = v
		parts[0] = hourPart
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: %w", s, err)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: %w", s, err)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: %w", s, err)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	if negative {
		total = -total
	}
	return total, nil
}

// Message is the envelope exchanged with workers over the broker
type Message struct {
	JobID       uuid.UUID   `json:"JobId"`
	Type        MessageType `json:"Type"`
	Payload     JSON        `json:"Payload"`
	Metadata    JSON        `json:"Metadata"`
	TimeElapsed Duration    `json:"TimeElapsed"`
}

// NewRequest builds the Request message for a job from its input and metadata
func NewRequest(job *Job) Message {
	return Message{
		JobID:    job.ID,
		Type:     MessageRequest,
		Payload:  job.Input,
		Metadata: job.Metadata,
	}
}

// DecodeMessage parses a message body
func DecodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.JobID == uuid.Nil {
		return Message{}, fmt.Errorf("%w: missing JobId", ErrInvalidMessage)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing Type", ErrInvalidMessage)
	}
	return msg, nil
}

// Encode serializes the message for publishing
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// FinalResultPayload is the payload of a FinalResult message
type FinalResultPayload struct {
	Data    JSON `json:"Data"`
	Billing JSON `json:"Billing"`
}

// ErrorPayload is the payload of an Error message and the result of a failed job
type ErrorPayload struct {
	Message string  `json:"Message"`
	Type    string  `json:"Type"`
	TraceID *string `json:"TraceId"`
}

// FinalResult decodes the payload of a FinalResult message
func (m Message) FinalResult() (FinalResultPayload, error) {
	var payload FinalResultPayload
	if m.Payload.IsNull() {
		return payload, nil
	}
	if err := unmarshalLenient(m.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: final result payload: %v", ErrInvalidMessage, err)
	}
	return payload, nil
}

// NewFinalResult builds a FinalResult message for a job
func NewFinalResult(jobID uuid.UUID, data, metadata JSON, elapsed time.Duration) Message {
	return Message{
		JobID:       jobID,
		Type:        MessageFinalResult,
		Payload:     MustJSON(FinalResultPayload{Data: data}),
		Metadata:    metadata,
		TimeElapsed: Duration(elapsed),
	}
}

// NewErrorResult builds an Error message for a job
func NewErrorResult(jobID uuid.UUID, errorType, message string, metadata JSON, elapsed time.Duration) Message {
	return Message{
		JobID:       jobID,
		Type:        MessageError,
		Payload:     MustJSON(ErrorPayload{Message: message, Type: errorType}),
		Metadata:    metadata,
		TimeElapsed: Duration(elapsed),
	}
}

// unmarshalLenient decodes JSON keeping numbers exact
func unmarshalLenient(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
