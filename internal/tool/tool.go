package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Invocation carries everything a tool gets to see about a step. Params may
// include an operator override applied at approval time; Guidance is the
// task-level note injected during takeover.
type Invocation struct {
	TaskID   string
	StepID   string
	Tool     string
	Params   json.RawMessage
	Resource string
	Guidance string
}

// Invoker is one registered tool. Idempotent is a static property consulted
// by the engine's retry policy: idempotent tools may be re-invoked after a
// transient error, non-idempotent tools fail immediately.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error)
	Idempotent() bool
}

var ErrUnknownTool = errors.New("unknown tool")

// Registry maps tool names to invokers. The engine never branches on tool
// identity, only on the metadata the invoker declares.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Invoker
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Invoker{}}
}

func (r *Registry) Register(name string, inv Invoker) error {
	if name == "" || inv == nil {
		return fmt.Errorf("invalid tool registration")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = inv
	return nil
}

func (r *Registry) Get(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownTool)
	}
	return inv, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Func adapts a function into an Invoker with declared idempotency.
type Func struct {
	Fn    func(ctx context.Context, inv Invocation) (json.RawMessage, error)
	Idemp bool
}

func (f Func) Invoke(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	return f.Fn(ctx, inv)
}

func (f Func) Idempotent() bool { return f.Idemp }
