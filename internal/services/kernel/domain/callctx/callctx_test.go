package callctx

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
)

func TestBeginSetsOriginalAndEffectiveCaller(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	frame, ok := Current(ctx)
	if !ok {
		t.Fatal("expected active frame")
	}
	if frame.OriginalCaller != "alice" || frame.EffectiveCaller != "alice" {
		t.Fatalf("frame = %+v, want alice/alice", frame)
	}
	if frame.Depth != 0 {
		t.Fatalf("depth = %d, want 0", frame.Depth)
	}
	if frame.InvocationID == "" {
		t.Fatal("expected invocation id")
	}
}

func TestBeginRejectsReentrantTopLevelCall(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	nested, _, err := Nest(ctx, identity.ModulePrincipal("campaigns"), false)
	if err != nil {
		t.Fatalf("nest: %v", err)
	}
	if _, _, err := Begin(nested, "mallory", Options{}); !errors.Is(err, ErrReentrantTopLevelCall) {
		t.Fatalf("begin error = %v, want %v", err, ErrReentrantTopLevelCall)
	}
}

func TestBeginRejectsModulePrincipal(t *testing.T) {
	_, _, err := Begin(context.Background(), identity.ModulePrincipal("votes"), Options{})
	if !apperrors.HasCode(err, apperrors.CodeUnauthorized) {
		t.Fatalf("begin error = %v, want %s", err, apperrors.CodeUnauthorized)
	}
}

func TestNestKeepsOriginalCaller(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	top, _ := Current(ctx)
	nestedCtx, nh, err := Nest(ctx, identity.ModulePrincipal("campaigns"), false)
	if err != nil {
		t.Fatalf("nest: %v", err)
	}
	defer nh.End()
	nested, _ := Current(nestedCtx)

	if nested.OriginalCaller != top.OriginalCaller {
		t.Fatalf("original caller = %q, want %q", nested.OriginalCaller, top.OriginalCaller)
	}
	if nested.EffectiveCaller == top.EffectiveCaller {
		t.Fatalf("effective caller should change, both %q", nested.EffectiveCaller)
	}
	if nested.Depth != 1 {
		t.Fatalf("depth = %d, want 1", nested.Depth)
	}
	if nested.InvocationID != top.InvocationID {
		t.Fatalf("invocation id = %q, want %q", nested.InvocationID, top.InvocationID)
	}
}

func TestNestFailsAboveMaxDepth(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{MaxDepth: 2})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	for depth := 1; depth <= 2; depth++ {
		ctx, _, err = Nest(ctx, identity.ModulePrincipal("loop"), false)
		if err != nil {
			t.Fatalf("nest to depth %d: %v", depth, err)
		}
	}
	if _, _, err := Nest(ctx, identity.ModulePrincipal("loop"), false); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("nest error = %v, want %v", err, ErrDepthExceeded)
	}
}

func TestDefaultMaxDepth(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	for depth := 1; depth <= DefaultMaxDepth; depth++ {
		ctx, _, err = Nest(ctx, identity.ModulePrincipal("loop"), false)
		if err != nil {
			t.Fatalf("nest to depth %d: %v", depth, err)
		}
	}
	if _, _, err := Nest(ctx, identity.ModulePrincipal("loop"), false); !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("nest error = %v, want %v", err, ErrDepthExceeded)
	}
}

func TestNestFromReadOnlyLayer(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	if _, _, err := Nest(ctx, identity.ModulePrincipal("votes"), false); !errors.Is(err, ErrReadOnlyViolation) {
		t.Fatalf("nest error = %v, want %v", err, ErrReadOnlyViolation)
	}
	if _, _, err := Nest(ctx, identity.ModulePrincipal("votes"), true); err != nil {
		t.Fatalf("read-only nest: %v", err)
	}
}

func TestEndClosesInvocation(t *testing.T) {
	ctx, h, err := Begin(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	nestedCtx, nh, err := Nest(ctx, identity.ModulePrincipal("campaigns"), false)
	if err != nil {
		t.Fatalf("nest: %v", err)
	}
	nh.End()
	if !Active(ctx) {
		t.Fatal("ending a nested layer must not close the invocation")
	}

	h.End()
	h.End()
	if Active(ctx) || Active(nestedCtx) {
		t.Fatal("expected invocation to be closed")
	}
	if _, _, err := Nest(nestedCtx, identity.ModulePrincipal("campaigns"), false); !errors.Is(err, ErrNoActiveContext) {
		t.Fatalf("nest error = %v, want %v", err, ErrNoActiveContext)
	}
	if _, _, err := Begin(nestedCtx, "alice", Options{}); err != nil {
		t.Fatalf("begin after end: %v", err)
	}
}

func TestOriginalCallerWithoutInvocation(t *testing.T) {
	if _, ok := OriginalCaller(context.Background()); ok {
		t.Fatal("expected no original caller")
	}
}
