package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"yqhp/taskfarm/pkg/types"
)

// runScript evaluates JavaScript with the task input bound to `input`, the
// payload arguments to `args` and attachment paths to `attachments`.
// Without an entry the value of the last statement is the result; with one,
// entry(input, args) is called.
func runScript(ctx context.Context, name, source, entry string, input any, args []string, attachments map[string]string) (any, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var logs []string
	if err := setupScriptEnv(vm, input, args, attachments, &logs); err != nil {
		return nil, fmt.Errorf("failed to setup JS environment: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, scriptFailure(ctx, err, logs)
	}
	result, err := vm.RunProgram(prog)
	if err != nil {
		return nil, scriptFailure(ctx, err, logs)
	}

	if entry != "" {
		fn, ok := goja.AssertFunction(vm.Get(entry))
		if !ok {
			return nil, &types.ErrorInfo{Kind: types.KindNotFound, Message: fmt.Sprintf("script %s defines no function %q", name, entry)}
		}
		result, err = fn(goja.Undefined(), vm.ToValue(input), vm.ToValue(args))
		if err != nil {
			return nil, scriptFailure(ctx, err, logs)
		}
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

func setupScriptEnv(vm *goja.Runtime, input any, args []string, attachments map[string]string, logs *[]string) error {
	console := vm.NewObject()
	logFn := func(level string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = fmt.Sprintf("%v", arg.Export())
			}
			*logs = append(*logs, fmt.Sprintf("[%s] %s", level, strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	for name, level := range map[string]string{"log": "LOG", "info": "INFO", "warn": "WARN", "error": "ERROR"} {
		if err := console.Set(name, logFn(level)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}
	if err := vm.Set("input", input); err != nil {
		return err
	}
	if attachments == nil {
		attachments = map[string]string{}
	}
	if err := vm.Set("attachments", attachments); err != nil {
		return err
	}
	if args == nil {
		args = []string{}
	}
	return vm.Set("args", args)
}

func scriptFailure(ctx context.Context, err error, logs []string) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ToErrorInfo(ctxErr)
		}
		return &types.ErrorInfo{Kind: types.KindCancelled, Message: interrupted.Error()}
	}

	info := &types.ErrorInfo{Kind: types.KindScriptError, Message: err.Error()}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		info.Message = exception.Value().String()
		info.Traceback = exception.String()
	}
	if len(logs) > 0 {
		info.Traceback = strings.TrimSpace(info.Traceback + "\n" + strings.Join(logs, "\n"))
	}
	return info
}
