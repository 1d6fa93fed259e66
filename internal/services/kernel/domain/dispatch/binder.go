package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
)

// Binder turns a registry handle into a callable module. Binding happens on
// every dispatch, so an address update takes effect on the next call.
type Binder interface {
	Bind(ctx context.Context, handle identity.Handle) (Module, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context, handle identity.Handle) (Module, error)

// Bind calls f.
func (f BinderFunc) Bind(ctx context.Context, handle identity.Handle) (Module, error) {
	return f(ctx, handle)
}

// StaticBinder binds handles registered in-process.
type StaticBinder struct {
	mu      sync.RWMutex
	modules map[identity.Handle]Module
}

// NewStaticBinder returns an empty static binder.
func NewStaticBinder() *StaticBinder {
	return &StaticBinder{modules: make(map[identity.Handle]Module)}
}

// Set binds handle to module, replacing any previous binding.
func (b *StaticBinder) Set(handle identity.Handle, module Module) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modules[handle] = module
}

// Bind returns the module set for handle.
func (b *StaticBinder) Bind(_ context.Context, handle identity.Handle) (Module, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	module, ok := b.modules[handle]
	if !ok {
		return nil, fmt.Errorf("no module bound to handle")
	}
	return module, nil
}

// SchemeBinder routes handles by their scheme prefix ("lua:votes.lua") and
// falls back to a default binder for everything else.
type SchemeBinder struct {
	schemes  map[string]Binder
	fallback Binder
}

// NewSchemeBinder returns a binder that uses fallback for unknown schemes.
func NewSchemeBinder(fallback Binder) *SchemeBinder {
	return &SchemeBinder{schemes: make(map[string]Binder), fallback: fallback}
}

// Handle routes scheme to binder.
func (b *SchemeBinder) Handle(scheme string, binder Binder) {
	b.schemes[scheme] = binder
}

// Bind dispatches on handle.Scheme().
func (b *SchemeBinder) Bind(ctx context.Context, handle identity.Handle) (Module, error) {
	if binder, ok := b.schemes[handle.Scheme()]; ok {
		return binder.Bind(ctx, handle)
	}
	if b.fallback == nil {
		return nil, fmt.Errorf("no binder for scheme %q", handle.Scheme())
	}
	return b.fallback.Bind(ctx, handle)
}
