package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/loom/errors"
)

// Executor runs one attempt of a job and returns its result document.
//
// Errors marked with ValidationError or InitializationError fail the job
// immediately; any other error consumes a retry. Executors must honor ctx.
type Executor interface {
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Handler generates results for one job kind.
//
// Handlers decode their own payloads; the queue never looks inside them.
type Handler interface {
	// Kind returns the job_kind this handler serves (e.g. "canvas.text").
	Kind() string
	Generate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Registry routes jobs to handlers by kind and is itself an Executor.
// Safe for concurrent registration and lookup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its kind.
// Panics if the kind is already registered.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := h.Kind()
	if _, exists := r.handlers[kind]; exists {
		panic(fmt.Sprintf("handler already registered for job kind: %s", kind))
	}
	r.handlers[kind] = h
}

// Get returns the handler for kind, or nil.
func (r *Registry) Get(kind string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

// Has reports whether kind has a handler.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// Kinds returns registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute dispatches to the handler registered for job.Kind.
func (r *Registry) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	h := r.Get(job.Kind)
	if h == nil {
		return nil, InitializationError(errors.Newf("no handler registered for job kind %q", job.Kind))
	}
	return h.Generate(ctx, job.Payload)
}
