package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/selma-orchestration/maestro/internal/domain"
)

var structValueType = reflect.TypeOf(&structpb.Value{})

// CEL evaluates job scripts as CEL expressions. The expression result
// replaces the message data. Scripts see three variables: input (the message
// data), meta (the job metadata) and job_input (the job input, final results
// only).
type CEL struct {
	env      *cel.Env
	logger   *slog.Logger
	programs sync.Map // source -> cel.Program
}

// NewCEL builds the CEL environment shared by all scripts
func NewCEL(logger *slog.Logger) (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("meta", cel.DynType),
		cel.Variable("job_input", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		cel.Function("sha256",
			cel.Overload("sha256_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(v)
					}
					sum := sha256.Sum256([]byte(s))
					return types.String(hex.EncodeToString(sum[:]))
				}),
			),
		),
		cel.Function("uuid",
			cel.Overload("uuid_void", []*cel.Type{}, cel.StringType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.String(uuid.NewString())
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CEL{env: env, logger: logger}, nil
}

// Transform applies the job script matching the message type. Messages
// without a script are returned unchanged.
func (c *CEL) Transform(ctx context.Context, msg domain.Message, job *domain.Job) (domain.Message, error) {
	source := scriptFor(job.ScriptSet(), msg.Type)
	if source == "" {
		c.logger.Debug("Script is empty, message skipped",
			slog.String("job_id", msg.JobID.String()),
			slog.String("type", string(msg.Type)),
		)
		return msg, nil
	}

	fail := func(err error) (domain.Message, error) {
		return msg, &Error{JobID: msg.JobID.String(), Type: msg.Type, Source: source, Err: err}
	}

	prg, err := c.program(source)
	if err != nil {
		return fail(err)
	}

	data, err := payloadData(msg)
	if err != nil {
		return fail(err)
	}

	vars := map[string]any{
		"input":     decode(data),
		"meta":      decode(job.Metadata),
		"job_input": nil,
	}
	if msg.Type == domain.MessageFinalResult {
		vars["job_input"] = decode(job.Input)
	}

	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return fail(fmt.Errorf("evaluation failed: %w", err))
	}

	result, err := toJSON(out)
	if err != nil {
		return fail(err)
	}

	transformed, err := withPayloadData(msg, result)
	if err != nil {
		return fail(err)
	}

	c.logger.Debug("Message transformed",
		slog.String("job_id", msg.JobID.String()),
		slog.String("type", string(msg.Type)),
	)
	return transformed, nil
}

func (c *CEL) program(source string) (cel.Program, error) {
	if cached, ok := c.programs.Load(source); ok {
		return cached.(cel.Program), nil
	}

	ast, iss := c.env.Compile(source)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile failed: %w", iss.Err())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}

	actual, _ := c.programs.LoadOrStore(source, prg)
	return actual.(cel.Program), nil
}

// decode turns a JSON document into the map/list/scalar values CEL expects.
// Null and undecodable documents become nil.
func decode(doc domain.JSON) any {
	if doc.IsNull() {
		return nil
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil
	}
	return v
}

func toJSON(val ref.Val) (domain.JSON, error) {
	native, err := val.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("result is not JSON compatible: %w", err)
	}
	pb, ok := native.(*structpb.Value)
	if !ok {
		return nil, fmt.Errorf("result is not JSON compatible: %T", native)
	}
	data, err := protojson.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return domain.JSON(data).Compact(), nil
}
