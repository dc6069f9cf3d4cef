package payload

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"yqhp/taskfarm/pkg/types"
)

// runWasm instantiates the module at path and calls its entry export with
// the numeric input. One result is returned as uint64, several as []uint64.
func runWasm(ctx context.Context, path, entry string, input any) (any, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ErrorInfo{Kind: types.KindNotFound, Message: fmt.Sprintf("read wasm module: %v", err)}
	}
	return callWasm(ctx, path, bin, entry, input)
}

func callWasm(ctx context.Context, name string, bin []byte, entry string, input any) (any, error) {
	params, err := wasmParams(input)
	if err != nil {
		return nil, &types.ErrorInfo{Kind: types.KindWasmError, Message: err.Error()}
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer rt.Close(context.Background())
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"))
	if err != nil {
		return nil, &types.ErrorInfo{Kind: types.KindWasmError, Message: fmt.Sprintf("instantiate %s: %v", name, err)}
	}

	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return nil, &types.ErrorInfo{Kind: types.KindNotFound, Message: fmt.Sprintf("module %s exports no function %q", name, entry)}
	}
	results, err := fn.Call(ctx, params...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ToErrorInfo(ctx.Err())
		}
		return nil, &types.ErrorInfo{Kind: types.KindWasmError, Message: fmt.Sprintf("call %s.%s: %v", name, entry, err)}
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func wasmParams(input any) ([]uint64, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case []uint64:
		return v, nil
	case []any:
		out := make([]uint64, len(v))
		for i, item := range v {
			p, err := wasmParam(item)
			if err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			out[i] = p
		}
		return out, nil
	default:
		p, err := wasmParam(v)
		if err != nil {
			return nil, err
		}
		return []uint64{p}, nil
	}
}

func wasmParam(v any) (uint64, error) {
	switch n := v.(type) {
	case int:
		return uint64(n), nil
	case int32:
		return uint64(uint32(n)), nil
	case int64:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return uint64(int64(n)), nil
	default:
		return 0, fmt.Errorf("unsupported wasm parameter type %T", v)
	}
}
