package payload

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"yqhp/taskfarm/pkg/types"
)

func init() {
	MustRegister("echo", echo)
	MustRegister("square", square)
	MustRegister("sum", sum)
	MustRegister("sleep", sleep)
	MustRegister("fail", fail)
	MustRegister("emit-self", emitSelf)
	MustRegister("wordcount.map", wordCountMap)
	MustRegister("wordcount.reduce", wordCountReduce)
}

func echo(ctx context.Context, input any, args []string) (any, error) {
	return input, nil
}

func square(ctx context.Context, input any, args []string) (any, error) {
	n, err := ToFloat(input)
	if err != nil {
		return nil, err
	}
	return n * n, nil
}

// sum adds a list of numbers, or the values of a key/value bucket.
func sum(ctx context.Context, input any, args []string) (any, error) {
	var values []any
	if pairs, err := types.AsKeyValues(input); err == nil {
		for _, kv := range pairs {
			values = append(values, kv.Value)
		}
	} else {
		list, ok := input.([]any)
		if !ok {
			return nil, fmt.Errorf("sum: input has type %T, want a list", input)
		}
		values = list
	}

	total := 0.0
	for i, v := range values {
		n, err := ToFloat(v)
		if err != nil {
			return nil, fmt.Errorf("sum: item %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// sleep waits for input milliseconds, or until the context ends.
func sleep(ctx context.Context, input any, args []string) (any, error) {
	ms, err := ToFloat(input)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()
	select {
	case <-timer.C:
		return input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail always fails with the kind named by the first argument.
func fail(ctx context.Context, input any, args []string) (any, error) {
	kind := types.KindError
	if len(args) > 0 && args[0] != "" {
		kind = args[0]
	}
	return nil, &types.ErrorInfo{Kind: kind, Message: fmt.Sprintf("requested failure for input %v", input)}
}

// emitSelf emits the item keyed by its own text form.
func emitSelf(ctx context.Context, input any, args []string) (any, error) {
	return []types.KeyValue{{Key: fmt.Sprint(input), Value: input}}, nil
}

// wordCountMap counts the words of a file, or of the input text when the
// "text" argument is given.
func wordCountMap(ctx context.Context, input any, args []string) (any, error) {
	text, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("wordcount.map: input has type %T, want string", input)
	}
	if len(args) == 0 || args[0] != "text" {
		data, err := os.ReadFile(text)
		if err != nil {
			return nil, err
		}
		text = string(data)
	}

	counts := make(map[string]int)
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	}) {
		counts[strings.ToLower(word)]++
	}
	return sortedCounts(counts), nil
}

func wordCountReduce(ctx context.Context, input any, args []string) (any, error) {
	pairs, err := types.AsKeyValues(input)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, kv := range pairs {
		n, err := ToFloat(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("wordcount.reduce: %s: %w", kv.Key, err)
		}
		counts[kv.Key] += int(n)
	}
	return sortedCounts(counts), nil
}

func sortedCounts(counts map[string]int) []types.KeyValue {
	out := make([]types.KeyValue, 0, len(counts))
	for word, n := range counts {
		out = append(out, types.KeyValue{Key: word, Value: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ToFloat converts the numeric forms a task input takes in-process and
// after a JSON round trip.
func ToFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("value %v has type %T, want a number", v, v)
	}
}
