// Package payload runs task payloads on a worker: registered Go functions,
// JavaScript through goja and WebAssembly through wazero.
package payload

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func is a Go function that can be named in a task payload.
type Func func(ctx context.Context, input any, args []string) (any, error)

// Registry 管理可调用函数的注册和查找。
type Registry struct {
	funcs map[string]Func
	mu    sync.RWMutex
}

// NewRegistry 创建一个新的函数注册表。
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Register 注册函数，名称重复时返回错误。
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("函数名称不能为空")
	}
	if fn == nil {
		return fmt.Errorf("不能注册空函数: %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("函数已注册: %s", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister 注册函数，如果出错则 panic。
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Get 按名称获取函数。
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has 检查函数是否已注册。
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names 返回所有已注册的函数名称（已排序）。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry 是全局默认函数注册表，内置函数在 init 中注册。
var DefaultRegistry = NewRegistry()

// Register 在默认注册表中注册函数。
func Register(name string, fn Func) error {
	return DefaultRegistry.Register(name, fn)
}

// MustRegister 在默认注册表中注册函数，如果出错则 panic。
func MustRegister(name string, fn Func) {
	DefaultRegistry.MustRegister(name, fn)
}
