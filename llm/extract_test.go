package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "strict object",
			input: `{"a": 1}`,
			want:  `{"a": 1}`,
		},
		{
			name:  "strict array",
			input: `[{"type": "NO_OP"}]`,
			want:  `[{"type": "NO_OP"}]`,
		},
		{
			name:  "fenced with language tag",
			input: "Here is the plan:\n```json\n[{\"type\": \"NO_OP\", \"params\": {}}]\n```\nDone.",
			want:  `[{"type": "NO_OP", "params": {}}]`,
		},
		{
			name:  "fenced without tag",
			input: "```\n{\"key\": \"value\"}\n```",
			want:  `{"key": "value"}`,
		},
		{
			name:  "brace matching in prose",
			input: `The result is {"answer": 42, "nested": {"x": "y"}} as requested.`,
			want:  `{"answer": 42, "nested": {"x": "y"}}`,
		},
		{
			name:  "bracket matching in prose",
			input: `Sure! [1, 2, 3] is the list.`,
			want:  `[1, 2, 3]`,
		},
		{
			name:  "braces inside string literals",
			input: `{"text": "has } brace and \" quote"}`,
			want:  `{"text": "has } brace and \" quote"}`,
		},
		{
			name:    "empty input",
			input:   "   ",
			wantErr: true,
		},
		{
			name:    "no json at all",
			input:   "I could not produce a plan.",
			wantErr: true,
		},
		{
			name:    "unbalanced braces",
			input:   `{"a": 1`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestExtractJSON_RoundTrip(t *testing.T) {
	raw, err := ExtractJSON("```json\n[{\"type\": \"UPDATE_BELIEF\", \"params\": {\"key\": \"k\", \"value\": \"v\"}}]\n```")
	require.NoError(t, err)

	var actions []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &actions))
	require.Len(t, actions, 1)
	assert.Equal(t, "UPDATE_BELIEF", actions[0]["type"])
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "key sk-*** used", Redact("key sk-abc123XYZ used"))
	assert.Equal(t, "Authorization: Bearer ***", Redact("Authorization: Bearer abc123"))
	assert.Equal(t, "no secrets here", Redact("no secrets here"))
}
