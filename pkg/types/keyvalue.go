package types

import "fmt"

// KeyValue is one pair emitted by a map function.
type KeyValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// AsKeyValues converts a value produced by a map function into pairs. It
// accepts []KeyValue as returned in-process and the []any of
// {"key","value"} objects that result from a JSON round trip.
func AsKeyValues(v any) ([]KeyValue, error) {
	switch pairs := v.(type) {
	case nil:
		return nil, nil
	case []KeyValue:
		return pairs, nil
	case KeyValue:
		return []KeyValue{pairs}, nil
	case []any:
		out := make([]KeyValue, 0, len(pairs))
		for i, p := range pairs {
			switch kv := p.(type) {
			case KeyValue:
				out = append(out, kv)
			case map[string]any:
				key, ok := kv["key"]
				if !ok {
					return nil, fmt.Errorf("pair %d has no key", i)
				}
				out = append(out, KeyValue{Key: fmt.Sprint(key), Value: kv["value"]})
			default:
				return nil, fmt.Errorf("pair %d has type %T, want key/value object", i, p)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("map output has type %T, want a list of key/value pairs", v)
	}
}
