package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name       string
		logs       string
		resultPath string
		want       any
		wantErr    bool
	}{
		{name: "plain text", logs: "starting\ndone: 42\n", want: "done: 42"},
		{name: "json number", logs: "log line\n42\n\n", want: int64(42)},
		{name: "json object", logs: `{"value": 7}`, want: map[string]any{"value": int64(7)}},
		{name: "json path", logs: `{"result": {"energy": 1.5}}`, resultPath: "$.result.energy", want: 1.5},
		{name: "json path many", logs: `{"xs": [1, 2]}`, resultPath: "$.xs[*]", want: []any{int64(1), int64(2)}},
		{name: "json path no match", logs: `{"a": 1}`, resultPath: "$.b", wantErr: true},
		{name: "path on text", logs: "not json", resultPath: "$.a", wantErr: true},
		{name: "empty", logs: "\n  \n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOutput(tt.logs, tt.resultPath)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
