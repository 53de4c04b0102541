package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	id := uuid.MustParse("7d3a1f7e-4d7c-4b9e-9d35-3c61c0b2c001")

	tests := []struct {
		name        string
		body        string
		wantType    MessageType
		wantElapsed time.Duration
		wantErr     bool
	}{
		{
			name:        "string type and go duration",
			body:        `{"JobId":"` + id.String() + `","Type":"FinalResult","Payload":{"Data":{"x":1}},"TimeElapsed":"1.5s"}`,
			wantType:    MessageFinalResult,
			wantElapsed: 1500 * time.Millisecond,
		},
		{
			name:        "integer type and time span",
			body:        `{"JobId":"` + id.String() + `","Type":0,"Payload":{"Message":"boom"},"TimeElapsed":"00:01:02.5000000"}`,
			wantType:    MessageError,
			wantElapsed: time.Minute + 2500*time.Millisecond,
		},
		{
			name:        "lower case type and day span",
			body:        `{"JobId":"` + id.String() + `","Type":"request","TimeElapsed":"1.00:00:00"}`,
			wantType:    MessageRequest,
			wantElapsed: 24 * time.Hour,
		},
		{
			name:        "numeric milliseconds",
			body:        `{"JobId":"` + id.String() + `","Type":"Progress","TimeElapsed":250}`,
			wantType:    MessageProgress,
			wantElapsed: 250 * time.Millisecond,
		},
		{
			name:    "unknown type",
			body:    `{"JobId":"` + id.String() + `","Type":"Cancel"}`,
			wantErr: true,
		},
		{
			name:    "type code out of range",
			body:    `{"JobId":"` + id.String() + `","Type":9}`,
			wantErr: true,
		},
		{
			name:    "missing job id",
			body:    `{"Type":"FinalResult"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeMessage([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, msg.JobID)
			assert.Equal(t, tt.wantType, msg.Type)
			assert.Equal(t, tt.wantElapsed, time.Duration(msg.TimeElapsed))
		})
	}
}

func TestMessage_FinalResult(t *testing.T) {
	id := uuid.New()
	msg := NewFinalResult(id, JSON(`{"text":"hallo"}`), nil, time.Second)

	body, err := msg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"JobId":"`+id.String()+`"`)
	assert.Contains(t, string(body), `"Type":"FinalResult"`)
	assert.Contains(t, string(body), `"TimeElapsed":"1s"`)

	decoded, err := DecodeMessage(body)
	require.NoError(t, err)

	payload, err := decoded.FinalResult()
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hallo"}`, string(payload.Data))
	assert.True(t, payload.Billing.IsNull())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("-00:00:01")
	require.NoError(t, err)
	assert.Equal(t, -time.Second, d)

	_, err = ParseDuration("01:02")
	require.Error(t, err)

	d, err = ParseDuration("")
	require.NoError(t, err)
	assert.Zero(t, d)
}
