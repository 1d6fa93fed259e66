// Package dispatch is the kernel's single entry point into modules.
//
// Every call resolves the target through the registry, opens or nests a
// caller context layer, forwards the payload and any resource amount, and
// tears the layer down again whatever the outcome. A failing layer undoes
// its own transfers and those of every call it nested before the failure is
// returned.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	kotel "github.com/louisbranch/modkernel/internal/platform/otel"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/registry"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
)

// ErrModuleError matches every failure reported by module code.
var ErrModuleError = apperrors.New(apperrors.CodeModuleError, "module error")

// Resolver resolves module ids to dispatchable records.
type Resolver interface {
	Resolve(id string) (registry.Record, error)
}

// RoleChecker answers membership questions for modules.
type RoleChecker interface {
	HasRole(id role.ID, principal identity.Principal) bool
}

// Config wires a Dispatcher.
type Config struct {
	Registry Resolver
	Roles    RoleChecker
	Binder   Binder
	// Ledger moves forwarded amounts. Without one, non-zero amounts are
	// rejected.
	Ledger resource.Ledger
	// Gate serializes top-level work. A private gate is created when nil.
	Gate *Gate
	// MaxDepth bounds nesting; callctx.DefaultMaxDepth when zero.
	MaxDepth int
	// Timeout caps a top-level Dispatch or DispatchReadOnly. Zero disables it.
	Timeout time.Duration
}

// Dispatcher forwards calls to modules.
//
// Modules reach other modules only through Call.Dispatch and
// Call.DispatchReadOnly with the context they were invoked with. A module
// that calls Dispatch, DispatchReadOnly or Run on the dispatcher itself with
// that context fails with callctx.ErrReentrantTopLevelCall; with an unrelated
// context it waits on the gate until that context ends.
type Dispatcher struct {
	registry Resolver
	roles    RoleChecker
	binder   Binder
	ledger   resource.Ledger
	gate     *Gate
	maxDepth int
	timeout  time.Duration
}

// New builds a Dispatcher from cfg.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("binder is required")
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate()
	}
	return &Dispatcher{
		registry: cfg.Registry,
		roles:    cfg.Roles,
		binder:   cfg.Binder,
		ledger:   cfg.Ledger,
		gate:     gate,
		maxDepth: cfg.MaxDepth,
		timeout:  cfg.Timeout,
	}, nil
}

// Gate returns the gate the dispatcher serializes on.
func (d *Dispatcher) Gate() *Gate {
	return d.gate
}

// Dispatch runs a top-level mutating call from caller.
func (d *Dispatcher) Dispatch(ctx context.Context, caller identity.Principal, moduleID string, payload []byte, amount resource.Amount) ([]byte, error) {
	release, err := d.gate.Exclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []byte
	err = d.top(ctx, caller, false, d.timeout, func(ctx context.Context, frame callctx.Frame) error {
		var err error
		out, err = d.invoke(ctx, frame, moduleID, payload, amount, false)
		return err
	})
	return out, err
}

// DispatchReadOnly runs a top-level read-only call from caller. It never
// forwards resources and every call it nests is read-only too.
func (d *Dispatcher) DispatchReadOnly(ctx context.Context, caller identity.Principal, moduleID string, payload []byte) ([]byte, error) {
	release, err := d.gate.Shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []byte
	err = d.top(ctx, caller, true, d.timeout, func(ctx context.Context, frame callctx.Frame) error {
		var err error
		out, err = d.invoke(ctx, frame, moduleID, payload, resource.Zero, true)
		return err
	})
	return out, err
}

// Run opens a top-level invocation for caller under the exclusive gate and
// hands fn a Session for issuing calls inside it. Batch clients such as the
// migration coordinator use it so that every record they forward shares one
// original caller. When fn fails, every transfer made inside it is undone.
// The invocation timeout does not apply; ctx bounds the run.
func (d *Dispatcher) Run(ctx context.Context, caller identity.Principal, fn func(ctx context.Context, s *Session) error) error {
	release, err := d.gate.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()

	return d.top(ctx, caller, false, 0, func(ctx context.Context, _ callctx.Frame) error {
		j := journalFrom(ctx)
		if err := fn(ctx, &Session{d: d}); err != nil {
			_ = j.rollback(context.WithoutCancel(ctx), d.ledger, 0)
			return err
		}
		return nil
	})
}

func (d *Dispatcher) top(ctx context.Context, caller identity.Principal, readOnly bool, timeout time.Duration, fn func(ctx context.Context, frame callctx.Frame) error) error {
	ctx, h, err := callctx.Begin(ctx, caller, callctx.Options{MaxDepth: d.maxDepth, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer h.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = withJournal(ctx, &journal{})
	frame, _ := callctx.Current(ctx)
	return fn(ctx, frame)
}

func moduleMeta(moduleID string) map[string]string {
	return map[string]string{"module_id": moduleID}
}

func moduleFailure(moduleID string, cause error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeModuleError,
		fmt.Sprintf("module %s failed: %v", moduleID, cause),
		moduleMeta(moduleID), cause)
}

// invoke resolves moduleID and runs one layer against it.
func (d *Dispatcher) invoke(ctx context.Context, frame callctx.Frame, moduleID string, payload []byte, amount resource.Amount, readOnly bool) ([]byte, error) {
	rec, err := d.registry.Resolve(moduleID)
	if err != nil {
		return nil, err
	}
	return d.invokeRecord(ctx, frame, rec, payload, amount, readOnly)
}

// invokeRecord runs one layer: bind, transfer, execute, and on failure roll
// back everything recorded since the layer started.
func (d *Dispatcher) invokeRecord(ctx context.Context, frame callctx.Frame, rec registry.Record, payload []byte, amount resource.Amount, readOnly bool) (out []byte, err error) {
	ctx, span := kotel.Tracer().Start(ctx, "kernel.dispatch", trace.WithAttributes(
		attribute.String("kernel.module_id", rec.ID),
		attribute.Int("kernel.depth", frame.Depth),
		attribute.Bool("kernel.read_only", readOnly),
		attribute.String("kernel.invocation_id", frame.InvocationID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, string(apperrors.CodeOf(err)))
		}
		span.End()
	}()

	module, err := d.binder.Bind(ctx, rec.Address)
	if err != nil {
		return nil, apperrors.WrapWithMetadata(apperrors.CodeModuleError,
			fmt.Sprintf("module %s could not be loaded", rec.ID), moduleMeta(rec.ID), err)
	}

	call := Call{
		ModuleID: rec.ID,
		Version:  rec.Version,
		Payload:  payload,
		Amount:   amount,
		ReadOnly: readOnly,
		Frame:    frame,
		d:        d,
	}
	if readOnly {
		inspector, ok := module.(Inspector)
		if !ok {
			return nil, apperrors.WithMetadata(apperrors.CodeModuleError,
				fmt.Sprintf("module %s has no read-only entry point", rec.ID), moduleMeta(rec.ID))
		}
		return d.execute(ctx, rec.ID, func(ctx context.Context) ([]byte, error) {
			return inspector.Inspect(ctx, call)
		})
	}

	j := journalFrom(ctx)
	mark := j.mark()
	if !amount.IsZero() {
		if err := d.forward(ctx, module, rec.ID, frame.EffectiveCaller, amount); err != nil {
			return nil, err
		}
	}
	out, err = d.execute(ctx, rec.ID, func(ctx context.Context) ([]byte, error) {
		return module.Execute(ctx, call)
	})
	if err != nil {
		_ = j.rollback(context.WithoutCancel(ctx), d.ledger, mark)
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) forward(ctx context.Context, module Module, moduleID string, from identity.Principal, amount resource.Amount) error {
	receiver, ok := module.(ResourceReceiver)
	if !ok || !receiver.AcceptsResources() {
		return apperrors.WithMetadata(apperrors.CodeModuleError,
			fmt.Sprintf("module %s does not accept resources", moduleID), moduleMeta(moduleID))
	}
	if d.ledger == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "resource forwarding is not enabled")
	}
	to := identity.ModulePrincipal(moduleID)
	if err := d.ledger.Transfer(ctx, from, to, amount); err != nil {
		return err
	}
	journalFrom(ctx).record(transfer{from: from, to: to, amount: amount})
	return nil
}

// execute calls fn, converting panics, errors and an expired invocation
// deadline into a module failure.
func (d *Dispatcher) execute(ctx context.Context, moduleID string, fn func(ctx context.Context) ([]byte, error)) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = moduleFailure(moduleID, fmt.Errorf("panic: %v", r))
		}
	}()
	out, err = fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, moduleFailure(moduleID, err)
	}
	return out, nil
}

// Session issues calls inside an invocation opened by Run.
type Session struct {
	d *Dispatcher
}

// Dispatch forwards a mutating call at the session's top layer.
func (s *Session) Dispatch(ctx context.Context, moduleID string, payload []byte, amount resource.Amount) ([]byte, error) {
	frame, err := topFrame(ctx)
	if err != nil {
		return nil, err
	}
	return s.d.invoke(ctx, frame, moduleID, payload, amount, false)
}

// DispatchReadOnly forwards a read-only call at the session's top layer.
func (s *Session) DispatchReadOnly(ctx context.Context, moduleID string, payload []byte) ([]byte, error) {
	frame, err := topFrame(ctx)
	if err != nil {
		return nil, err
	}
	return s.d.invoke(ctx, frame, moduleID, payload, resource.Zero, true)
}

// Initialize delivers payload to a module that is being registered. The
// record need not resolve yet. An empty payload is a no-op.
func (s *Session) Initialize(ctx context.Context, rec registry.Record, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	frame, err := topFrame(ctx)
	if err != nil {
		return err
	}
	module, err := s.d.binder.Bind(ctx, rec.Address)
	if err != nil {
		return apperrors.WrapWithMetadata(apperrors.CodeModuleError,
			fmt.Sprintf("module %s could not be loaded", rec.ID), moduleMeta(rec.ID), err)
	}
	initializer, ok := module.(Initializer)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeModuleError,
			fmt.Sprintf("module %s does not accept an init payload", rec.ID), moduleMeta(rec.ID))
	}
	call := Call{
		ModuleID: rec.ID,
		Version:  rec.Version,
		Payload:  payload,
		Frame:    frame,
		d:        s.d,
	}
	j := journalFrom(ctx)
	mark := j.mark()
	_, err = s.d.execute(ctx, rec.ID, func(ctx context.Context) ([]byte, error) {
		return nil, initializer.Initialize(ctx, call)
	})
	if err != nil {
		_ = j.rollback(context.WithoutCancel(ctx), s.d.ledger, mark)
		return err
	}
	return nil
}

func topFrame(ctx context.Context) (callctx.Frame, error) {
	frame, ok := callctx.Current(ctx)
	if !ok || frame.Depth != 0 {
		return callctx.Frame{}, callctx.ErrNoActiveContext
	}
	return frame, nil
}
