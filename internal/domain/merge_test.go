package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeJSON(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		content string
		want    string
	}{
		{
			name:    "disjoint keys",
			target:  `{"a":1}`,
			content: `{"b":2}`,
			want:    `{"a":1,"b":2}`,
		},
		{
			name:    "scalar replaced",
			target:  `{"a":1}`,
			content: `{"a":"x"}`,
			want:    `{"a":"x"}`,
		},
		{
			name:    "null does not overwrite",
			target:  `{"a":1}`,
			content: `{"a":null}`,
			want:    `{"a":1}`,
		},
		{
			name:    "nested objects merged",
			target:  `{"o":{"x":1,"y":1}}`,
			content: `{"o":{"y":2,"z":3}}`,
			want:    `{"o":{"x":1,"y":2,"z":3}}`,
		},
		{
			name:    "arrays concatenated",
			target:  `{"l":[1,2]}`,
			content: `{"l":[2,3]}`,
			want:    `{"l":[1,2,2,3]}`,
		},
		{
			name:    "container replaces scalar",
			target:  `{"a":1}`,
			content: `{"a":{"b":2}}`,
			want:    `{"a":{"b":2}}`,
		},
		{
			name:    "top level arrays",
			target:  `[1]`,
			content: `[{"a":1}]`,
			want:    `[1,{"a":1}]`,
		},
		{
			name:    "object into array ignored",
			target:  `[1]`,
			content: `{"a":1}`,
			want:    `[1]`,
		},
		{
			name:    "null target takes content",
			target:  `null`,
			content: `{"a":1}`,
			want:    `{"a":1}`,
		},
		{
			name:    "null content keeps target",
			target:  `{"a":1}`,
			content: `null`,
			want:    `{"a":1}`,
		},
		{
			name:    "large numbers kept exact",
			target:  `{"n":12345678901234567890}`,
			content: `{"m":1.10}`,
			want:    `{"n":12345678901234567890,"m":1.10}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeJSON(JSON(tt.target), JSON(tt.content))
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMergeJSON_InvalidContent(t *testing.T) {
	_, err := MergeJSON(JSON(`{}`), JSON(`{`))
	require.Error(t, err)
}
