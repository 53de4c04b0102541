// Package transform rewrites message payloads with per-job scripts before a
// request is published and after a final result arrives.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/selma-orchestration/maestro/internal/domain"
)

// Engine names accepted by New
const (
	EnginePassthrough = "passthrough"
	EngineCEL         = "cel"
)

// Transformer rewrites a message for a job. Implementations must be safe for
// concurrent use.
type Transformer interface {
	Transform(ctx context.Context, msg domain.Message, job *domain.Job) (domain.Message, error)
}

// Error reports a script that failed for a message
type Error struct {
	JobID  string
	Type   domain.MessageType
	Source string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s) %v", e.JobID, e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns the transformer for the named engine
func New(engine string, logger *slog.Logger) (Transformer, error) {
	switch strings.ToLower(engine) {
	case EnginePassthrough, "":
		return Passthrough{}, nil
	case EngineCEL:
		return NewCEL(logger)
	default:
		return nil, fmt.Errorf("unknown transform engine %q", engine)
	}
}

// Passthrough returns every message unchanged
type Passthrough struct{}

func (Passthrough) Transform(_ context.Context, msg domain.Message, _ *domain.Job) (domain.Message, error) {
	return msg, nil
}

// scriptFor picks the script that applies to a message type. Only requests
// and final results are transformed.
func scriptFor(scripts domain.Scripts, t domain.MessageType) string {
	switch t {
	case domain.MessageRequest:
		return strings.TrimSpace(scripts.Input)
	case domain.MessageFinalResult:
		return strings.TrimSpace(scripts.Output)
	default:
		return ""
	}
}

// payloadData returns the data a script sees: the whole payload of a request
// or the Data field of a final result.
func payloadData(msg domain.Message) (domain.JSON, error) {
	if msg.Type != domain.MessageFinalResult {
		return msg.Payload, nil
	}
	payload, err := msg.FinalResult()
	if err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// withPayloadData replaces the data of a message, keeping every other field
// of a final result payload (Billing among them).
func withPayloadData(msg domain.Message, data domain.JSON) (domain.Message, error) {
	if msg.Type != domain.MessageFinalResult {
		msg.Payload = data
		return msg, nil
	}

	fields := map[string]json.RawMessage{}
	if !msg.Payload.IsNull() {
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return msg, fmt.Errorf("%w: final result payload: %v", domain.ErrInvalidMessage, err)
		}
	}
	fields["Data"] = json.RawMessage(data.Compact())
	if _, ok := fields["Billing"]; !ok {
		fields["Billing"] = json.RawMessage("null")
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return msg, err
	}
	msg.Payload = payload
	return msg, nil
}
