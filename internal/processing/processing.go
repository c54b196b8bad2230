// Package processing defines the contract between workers and the code that
// actually handles a task, plus the processors shipped with snapq.
package processing

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/fault"
)

// Result is the JSON document stored on a successful task.
type Result []byte

// Processor handles one task. It must be idempotent for identical payloads:
// delivery is at-least-once. Errors marked with fault.Permanent dead-letter
// the task at once; errors of kind fault.Resource make the worker retire.
type Processor interface {
	Process(ctx context.Context, task *broker.Task) (Result, error)
}

// Estimator is implemented by processors that can predict their peak memory
// for a payload before running it.
type Estimator interface {
	EstimateMemory(kind string, payload []byte) uint64
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task *broker.Task) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, task *broker.Task) (Result, error) {
	return f(ctx, task)
}

// Registry routes tasks to processors by Kind.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]Processor
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[string]Processor)}
}

func (r *Registry) Register(kind string, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = p
}

func (r *Registry) lookup(kind string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKind[kind]
	return p, ok
}

// Kinds lists registered task kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}

// Process dispatches to the processor registered for task.Kind. An unknown
// kind can never succeed, so it fails permanently.
func (r *Registry) Process(ctx context.Context, task *broker.Task) (Result, error) {
	p, ok := r.lookup(task.Kind)
	if !ok {
		return nil, fault.Permanent(fault.New(fault.Processing, "processing.dispatch", fmt.Sprintf("no processor for kind %q", task.Kind)))
	}
	return p.Process(ctx, task)
}

// EstimateMemory delegates to the kind's processor when it is an Estimator.
func (r *Registry) EstimateMemory(kind string, payload []byte) uint64 {
	p, ok := r.lookup(kind)
	if !ok {
		return 0
	}
	if est, ok := p.(Estimator); ok {
		return est.EstimateMemory(kind, payload)
	}
	return 0
}
