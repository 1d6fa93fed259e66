package dispatch

import (
	"context"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
)

// Module is a backend reachable through the dispatcher. Payloads and results
// are opaque bytes.
type Module interface {
	Execute(ctx context.Context, call Call) ([]byte, error)
}

// Inspector is the read-only entry point. Modules without one reject
// read-only dispatch.
type Inspector interface {
	Inspect(ctx context.Context, call Call) ([]byte, error)
}

// ResourceReceiver reports whether a module accepts forwarded amounts.
// Modules that do not implement it never accept them.
type ResourceReceiver interface {
	AcceptsResources() bool
}

// Initializer receives the init payload supplied at registration.
type Initializer interface {
	Initialize(ctx context.Context, call Call) error
}

// Call is what a module sees for one invocation.
type Call struct {
	ModuleID string
	Version  uint64
	Payload  []byte
	Amount   resource.Amount
	ReadOnly bool
	Frame    callctx.Frame

	d *Dispatcher
}

// OriginalCaller is the external principal that started the invocation.
// Authorization decisions use this, never the effective caller.
func (c Call) OriginalCaller() identity.Principal {
	return c.Frame.OriginalCaller
}

// HasRole reports whether the original caller holds id.
func (c Call) HasRole(id role.ID) bool {
	if c.d == nil || c.d.roles == nil {
		return false
	}
	return c.d.roles.HasRole(id, c.Frame.OriginalCaller)
}

// Dispatch issues a nested mutating call as this module. ctx must be the
// context the module was invoked with.
func (c Call) Dispatch(ctx context.Context, moduleID string, payload []byte, amount resource.Amount) ([]byte, error) {
	return c.nested(ctx, moduleID, payload, amount, false)
}

// DispatchReadOnly issues a nested read-only call as this module.
func (c Call) DispatchReadOnly(ctx context.Context, moduleID string, payload []byte) ([]byte, error) {
	return c.nested(ctx, moduleID, payload, resource.Zero, true)
}

func (c Call) nested(ctx context.Context, moduleID string, payload []byte, amount resource.Amount, readOnly bool) ([]byte, error) {
	if c.d == nil {
		return nil, callctx.ErrNoActiveContext
	}
	// Resolution failures win over depth and read-only failures.
	rec, err := c.d.registry.Resolve(moduleID)
	if err != nil {
		return nil, err
	}
	ctx, h, err := callctx.Nest(ctx, identity.ModulePrincipal(c.ModuleID), readOnly)
	if err != nil {
		return nil, err
	}
	defer h.End()
	frame, _ := callctx.Current(ctx)
	return c.d.invokeRecord(ctx, frame, rec, payload, amount, readOnly)
}
