// Package callctx tracks who initiated a top-level invocation and who issued
// each nested call within it.
//
// The record rides on the context.Context of the running invocation. Begin
// opens a top-level invocation, Nest adds one layer per nested dispatch, and
// ending the top layer closes the invocation so any retained context can no
// longer be used to nest.
package callctx

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
)

// DefaultMaxDepth bounds nesting when no limit is configured.
const DefaultMaxDepth = 4

var (
	// ErrReentrantTopLevelCall matches a Begin issued inside an active invocation.
	ErrReentrantTopLevelCall = apperrors.New(apperrors.CodeReentrantTopLevelCall, "a top-level call is already active")
	// ErrDepthExceeded matches a Nest past the configured limit.
	ErrDepthExceeded = apperrors.New(apperrors.CodeDepthExceeded, "maximum call depth exceeded")
	// ErrNoActiveContext matches a Nest without an active invocation.
	ErrNoActiveContext = apperrors.New(apperrors.CodeNoActiveContext, "no active call context")
	// ErrReadOnlyViolation matches a mutating nest from a read-only layer.
	ErrReadOnlyViolation = apperrors.New(apperrors.CodeReadOnlyViolation, "read-only call cannot issue a mutating call")
)

// Frame is the caller record visible to one layer of an invocation.
type Frame struct {
	InvocationID    string
	OriginalCaller  identity.Principal
	EffectiveCaller identity.Principal
	Depth           int
	ReadOnly        bool
}

// Options configure Begin.
type Options struct {
	MaxDepth int
	ReadOnly bool
}

type invocation struct {
	mu       sync.Mutex
	active   bool
	maxDepth int
}

func (i *invocation) isActive() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

type layer struct {
	frame Frame
	inv   *invocation
}

type layerKey struct{}

// Handle ends one layer. End is idempotent.
type Handle struct {
	once sync.Once
	l    *layer
}

// End tears down the layer. Ending the depth-0 layer closes the invocation.
func (h *Handle) End() {
	if h == nil || h.l == nil {
		return
	}
	h.once.Do(func() {
		if h.l.frame.Depth == 0 {
			h.l.inv.mu.Lock()
			h.l.inv.active = false
			h.l.inv.mu.Unlock()
		}
	})
}

func current(ctx context.Context) (*layer, bool) {
	if ctx == nil {
		return nil, false
	}
	l, ok := ctx.Value(layerKey{}).(*layer)
	if !ok || l == nil || !l.inv.isActive() {
		return nil, false
	}
	return l, true
}

// Current returns the frame of the active layer carried by ctx.
func Current(ctx context.Context) (Frame, bool) {
	l, ok := current(ctx)
	if !ok {
		return Frame{}, false
	}
	return l.frame, true
}

// Active reports whether ctx carries an active invocation.
func Active(ctx context.Context) bool {
	_, ok := current(ctx)
	return ok
}

// OriginalCaller returns the external initiator of the active invocation.
func OriginalCaller(ctx context.Context) (identity.Principal, bool) {
	frame, ok := Current(ctx)
	if !ok {
		return "", false
	}
	return frame.OriginalCaller, true
}

// Begin opens a top-level invocation for caller. It fails closed when ctx
// already carries an active invocation. Module principals cannot initiate
// invocations.
func Begin(ctx context.Context, caller identity.Principal, opts Options) (context.Context, *Handle, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if Active(ctx) {
		return ctx, nil, ErrReentrantTopLevelCall
	}
	if !caller.Valid() {
		return ctx, nil, apperrors.New(apperrors.CodeUnauthenticated, "caller principal is required")
	}
	if caller.IsModule() {
		return ctx, nil, apperrors.WithMetadata(apperrors.CodeUnauthorized,
			"module principals cannot initiate calls",
			map[string]string{"principal": caller.String()})
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	l := &layer{
		frame: Frame{
			InvocationID:    uuid.NewString(),
			OriginalCaller:  caller,
			EffectiveCaller: caller,
			ReadOnly:        opts.ReadOnly,
		},
		inv: &invocation{active: true, maxDepth: maxDepth},
	}
	return context.WithValue(ctx, layerKey{}, l), &Handle{l: l}, nil
}

// Nest opens a layer for a nested call issued by effective. The original
// caller is inherited unchanged. A read-only layer only nests read-only
// layers.
func Nest(ctx context.Context, effective identity.Principal, readOnly bool) (context.Context, *Handle, error) {
	parent, ok := current(ctx)
	if !ok {
		return ctx, nil, ErrNoActiveContext
	}
	if parent.frame.ReadOnly && !readOnly {
		return ctx, nil, ErrReadOnlyViolation
	}
	depth := parent.frame.Depth + 1
	if depth > parent.inv.maxDepth {
		return ctx, nil, apperrors.WrapWithMetadata(apperrors.CodeDepthExceeded,
			"maximum call depth exceeded",
			map[string]string{"max_depth": strconv.Itoa(parent.inv.maxDepth)},
			ErrDepthExceeded)
	}
	l := &layer{
		frame: Frame{
			InvocationID:    parent.frame.InvocationID,
			OriginalCaller:  parent.frame.OriginalCaller,
			EffectiveCaller: effective,
			Depth:           depth,
			ReadOnly:        readOnly,
		},
		inv: parent.inv,
	}
	return context.WithValue(ctx, layerKey{}, l), &Handle{l: l}, nil
}
