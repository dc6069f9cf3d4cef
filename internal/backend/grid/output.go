package grid

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// parseOutput takes the last non-empty log line. JSON is decoded and, when
// resultPath is set, narrowed by that JSONPath; other text is returned as is.
func parseOutput(logs, resultPath string) (any, error) {
	line := lastLine(logs)
	if line == "" {
		return nil, fmt.Errorf("job produced no output")
	}

	value, err := oj.ParseString(line)
	if err != nil {
		if resultPath != "" {
			return nil, fmt.Errorf("output is not JSON, cannot apply %s: %w", resultPath, err)
		}
		return line, nil
	}
	if resultPath == "" {
		return value, nil
	}

	expr, err := jp.ParseString(resultPath)
	if err != nil {
		return nil, fmt.Errorf("parse result path %q: %w", resultPath, err)
	}
	matches := expr.Get(value)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("result path %s matched nothing", resultPath)
	case 1:
		return matches[0], nil
	default:
		return matches, nil
	}
}

func lastLine(logs string) string {
	lines := strings.Split(logs, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
