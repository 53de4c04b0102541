package transform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/shared/logger"
)

func newCEL(t *testing.T) *CEL {
	t.Helper()
	c, err := NewCEL(logger.NewNop().Logger)
	require.NoError(t, err)
	return c
}

func jobWithScripts(scripts domain.Scripts, input, metadata domain.JSON) *domain.Job {
	return domain.NewJob(uuid.New(), uuid.New(), nil, domain.JobInfo{Type: "mt"}, input, metadata, scripts)
}

func TestNew(t *testing.T) {
	tests := []struct {
		engine  string
		want    any
		wantErr bool
	}{
		{engine: "", want: Passthrough{}},
		{engine: "passthrough", want: Passthrough{}},
		{engine: "CEL", want: &CEL{}},
		{engine: "jint", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			got, err := New(tt.engine, logger.NewNop().Logger)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestPassthrough(t *testing.T) {
	job := jobWithScripts(domain.Scripts{Input: `{"x": 1}`}, domain.JSON(`{"a":1}`), nil)
	msg := domain.NewRequest(job)

	got, err := Passthrough{}.Transform(context.Background(), msg, job)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestCEL_WithoutScriptsReturnsMessage(t *testing.T) {
	c := newCEL(t)
	job := jobWithScripts(domain.Scripts{}, domain.JSON(`{"Text":"test"}`), nil)

	tests := []struct {
		name string
		msg  domain.Message
	}{
		{name: "request", msg: domain.NewRequest(job)},
		{name: "final result", msg: domain.NewFinalResult(job.ID, domain.JSON(`{"Text":"test"}`), nil, time.Second)},
		{name: "error", msg: domain.NewErrorResult(job.ID, "worker_error", "boom", nil, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Transform(context.Background(), tt.msg, job)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestCEL_RequestUsesInputScript(t *testing.T) {
	c := newCEL(t)
	job := jobWithScripts(
		domain.Scripts{Input: `{"Text": input.sourceItemType + " " + meta.DocumentId}`},
		domain.JSON(`{"sourceItemType":"Test 1234"}`),
		domain.JSON(`{"DocumentId":"doc-1"}`),
	)

	got, err := c.Transform(context.Background(), domain.NewRequest(job), job)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRequest, got.Type)
	assert.JSONEq(t, `{"Text":"Test 1234 doc-1"}`, string(got.Payload))
	assert.JSONEq(t, `{"DocumentId":"doc-1"}`, string(got.Metadata))
}

func TestCEL_FinalResultUsesOutputScript(t *testing.T) {
	c := newCEL(t)
	job := jobWithScripts(
		domain.Scripts{Output: `{"sourceItemType": input.Text, "lang": job_input.lang}`},
		domain.JSON(`{"lang":"de"}`),
		nil,
	)
	msg := domain.NewFinalResult(job.ID, domain.JSON(`{"Text":"Test 2345"}`), nil, time.Second)
	msg.Payload = domain.JSON(`{"Data":{"Text":"Test 2345"},"Billing":{"chars":9}}`)

	got, err := c.Transform(context.Background(), msg, job)
	require.NoError(t, err)

	payload, err := got.FinalResult()
	require.NoError(t, err)
	assert.JSONEq(t, `{"sourceItemType":"Test 2345","lang":"de"}`, string(payload.Data))
	assert.JSONEq(t, `{"chars":9}`, string(payload.Billing))
}

func TestCEL_ScalarAndListResults(t *testing.T) {
	c := newCEL(t)

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{name: "string", script: `input.text.upperAscii()`, want: `"HELLO"`},
		{name: "list", script: `[input.text, sha256("a")]`, want: `["hello","ca978112ca1bbdcafac231b39a23dc4da786eff8147c4e72b9807785afee48bb"]`},
		{name: "number", script: `input.n * 2.0`, want: `6`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := jobWithScripts(domain.Scripts{Input: tt.script}, domain.JSON(`{"text":"hello","n":3}`), nil)
			got, err := c.Transform(context.Background(), domain.NewRequest(job), job)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got.Payload))
		})
	}
}

func TestCEL_NullResult(t *testing.T) {
	c := newCEL(t)
	job := jobWithScripts(domain.Scripts{Input: `null`}, domain.JSON(`{"text":"hello"}`), nil)

	got, err := c.Transform(context.Background(), domain.NewRequest(job), job)
	require.NoError(t, err)
	assert.True(t, got.Payload.IsNull())
}

func TestCEL_InvalidScripts(t *testing.T) {
	c := newCEL(t)

	tests := []struct {
		name   string
		script string
	}{
		{name: "syntax", script: `I am invalid`},
		{name: "missing field", script: `input.missing.field`},
		{name: "division by zero", script: `{"a": 1 / 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := jobWithScripts(domain.Scripts{Input: tt.script, Output: tt.script}, domain.JSON(`{"Text":"x"}`), nil)

			_, err := c.Transform(context.Background(), domain.NewRequest(job), job)
			var scriptErr *Error
			require.True(t, errors.As(err, &scriptErr), "got %v", err)
			assert.Equal(t, job.ID.String(), scriptErr.JobID)
			assert.Equal(t, domain.MessageRequest, scriptErr.Type)
			assert.Equal(t, tt.script, scriptErr.Source)

			final := domain.NewFinalResult(job.ID, domain.JSON(`{"Text":"x"}`), nil, 0)
			_, err = c.Transform(context.Background(), final, job)
			require.Error(t, err)
		})
	}
}

func TestCEL_CachesPrograms(t *testing.T) {
	c := newCEL(t)
	script := `{"id": uuid()}`

	first, err := c.program(script)
	require.NoError(t, err)
	second, err := c.program(script)
	require.NoError(t, err)
	assert.Same(t, first, second)

	job := jobWithScripts(domain.Scripts{Input: script}, nil, nil)
	a, err := c.Transform(context.Background(), domain.NewRequest(job), job)
	require.NoError(t, err)
	b, err := c.Transform(context.Background(), domain.NewRequest(job), job)
	require.NoError(t, err)
	assert.NotEqual(t, string(a.Payload), string(b.Payload))
}
