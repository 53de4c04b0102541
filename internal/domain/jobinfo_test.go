package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobInfo_QueueName(t *testing.T) {
	tests := []struct {
		name    string
		info    JobInfo
		format  string
		want    string
		wantErr bool
	}{
		{
			name:   "default format",
			info:   JobInfo{Type: "asr", Provider: "azure"},
			format: "",
			want:   "asr.azure",
		},
		{
			name:   "trailing wildcards trimmed",
			info:   JobInfo{Type: "mt", Provider: "deepl"},
			format: "Type.Provider.Scenario.Language",
			want:   "mt.deepl",
		},
		{
			name:   "inner wildcard kept",
			info:   JobInfo{Type: "mt", Language: "en"},
			format: "Type.Provider.Language",
			want:   "mt.Any.en",
		},
		{
			name:   "all blank keeps one token",
			info:   JobInfo{},
			format: "Type.Provider",
			want:   "Any",
		},
		{
			name:   "case insensitive tokens",
			info:   JobInfo{Runtime: "python", Type: "ner"},
			format: "RUNTIME.type",
			want:   "python.ner",
		},
		{
			name:    "unsupported token",
			info:    JobInfo{Type: "mt"},
			format:  "Type.Region",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.info.QueueName(tt.format)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidQueueFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseQueueName_RoundTrip(t *testing.T) {
	formats := []string{
		"Type.Provider",
		"Runtime.Type.Provider.Scenario.Language",
		"Language.Type",
	}
	infos := []JobInfo{
		{Type: "asr", Provider: "azure"},
		{Runtime: "js", Type: "mt", Provider: "google", Scenario: "news", Language: "de"},
		{Type: "mt", Language: "fr"},
		{Provider: "local"},
		{},
	}

	for _, format := range formats {
		tokens, err := ParseQueueFormat(format)
		require.NoError(t, err)

		for _, info := range infos {
			name, err := info.QueueName(format)
			require.NoError(t, err)

			parsed, err := ParseQueueName(name, format)
			require.NoError(t, err)

			// only fields named by the format survive the round trip
			want := JobInfo{}
			for _, token := range tokens {
				*queueFields[token](&want) = *queueFields[token](&info)
			}
			assert.Equal(t, want, parsed, "format %s, queue %s", format, name)
		}
	}
}

func TestParseQueueName_TooManyTokens(t *testing.T) {
	_, err := ParseQueueName("a.b.c", "Type.Provider")
	require.Error(t, err)
}
