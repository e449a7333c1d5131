// Package engine defines the adapter contract every model runtime must
// present to the pool, plus the adapter registry. The actual runtimes
// (llama-server subprocess, mocks) live behind the Adapter and Handle
// interfaces, allowing clean testing without model files.
package engine

import (
	"context"
	"sync"

	"github.com/kilnlabs/kiln/internal/domain"
)

// Adapter is one engine family (selected by ModelConfig.Engine).
type Adapter interface {
	// Name is the key the adapter registers under.
	Name() string

	// TaskKinds lists the kinds this engine can execute.
	TaskKinds() []domain.TaskKind

	// Prepare loads the model at modelPath and allocates a runtime.
	// May take tens of seconds; honors ctx cancellation. Called once
	// per instance.
	Prepare(ctx context.Context, cfg domain.ModelConfig, modelPath string) (Handle, error)
}

// Handle is one loaded runtime. Not safe for concurrent use: the owning
// instance serializes Process calls.
type Handle interface {
	// Process runs one task to completion, invoking emit for each
	// streamed chunk. Cancellation via ctx yields a result with
	// FinishCancel and whatever partial output exists — not an error.
	// A non-nil error means the engine itself failed.
	Process(ctx context.Context, req *domain.TaskRequest, emit func(domain.Chunk)) (*domain.TaskResult, error)

	// Fingerprint reports the conversation state currently resident.
	Fingerprint() domain.Fingerprint

	// Reset drops resident conversation state so the next task starts
	// from the configured initial messages.
	Reset() error

	// Dispose releases engine resources. Must tolerate being called
	// after a cancelled Prepare.
	Dispose() error
}

// Registry maps adapter names to implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Supports reports whether the named adapter can execute kind.
func (r *Registry) Supports(name string, kind domain.TaskKind) bool {
	a, ok := r.Get(name)
	if !ok {
		return false
	}
	for _, k := range a.TaskKinds() {
		if k == kind {
			return true
		}
	}
	return false
}
