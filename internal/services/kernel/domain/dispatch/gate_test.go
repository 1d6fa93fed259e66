package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
)

func TestGateRejectsActiveInvocation(t *testing.T) {
	gate := NewGate()
	ctx, h, err := callctx.Begin(context.Background(), "alice", callctx.Options{})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer h.End()

	if _, err := gate.Exclusive(ctx); !errors.Is(err, callctx.ErrReentrantTopLevelCall) {
		t.Fatalf("exclusive error = %v, want %v", err, callctx.ErrReentrantTopLevelCall)
	}
	if _, err := gate.Shared(ctx); !errors.Is(err, callctx.ErrReentrantTopLevelCall) {
		t.Fatalf("shared error = %v, want %v", err, callctx.ErrReentrantTopLevelCall)
	}
}

func TestGateSharedHoldersBlockExclusive(t *testing.T) {
	gate := NewGate()
	releaseA, err := gate.Shared(context.Background())
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	releaseB, err := gate.Shared(context.Background())
	if err != nil {
		t.Fatalf("second shared: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release, err := gate.Exclusive(context.Background())
		if err == nil {
			release()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while shared holders remain")
	case <-time.After(20 * time.Millisecond):
	}
	releaseA()
	releaseB()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive never acquired")
	}
}

func TestGateRejectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewGate().Exclusive(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("exclusive error = %v, want %v", err, context.Canceled)
	}
}

func TestGateWaitEndsWithContext(t *testing.T) {
	gate := NewGate()
	release, err := gate.Exclusive(context.Background())
	if err != nil {
		t.Fatalf("exclusive: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gate.Shared(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shared error = %v, want %v", err, context.DeadlineExceeded)
	}
	if _, err := gate.Exclusive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("exclusive error = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestSchemeBinderRoutesByPrefix(t *testing.T) {
	static := NewStaticBinder()
	static.Set("static:votes", executeOnly{})
	lua := BinderFunc(func(_ context.Context, handle identity.Handle) (Module, error) {
		return &testModule{execute: func(context.Context, Call) ([]byte, error) {
			return []byte(handle), nil
		}}, nil
	})
	binder := NewSchemeBinder(static)
	binder.Handle("lua", lua)

	m, err := binder.Bind(context.Background(), "lua:votes.lua")
	if err != nil {
		t.Fatalf("bind lua: %v", err)
	}
	out, _ := m.Execute(context.Background(), Call{})
	if string(out) != "lua:votes.lua" {
		t.Fatalf("out = %q, want lua:votes.lua", out)
	}
	if _, err := binder.Bind(context.Background(), "static:votes"); err != nil {
		t.Fatalf("bind static: %v", err)
	}
	if _, err := binder.Bind(context.Background(), "static:ghost"); err == nil {
		t.Fatal("expected unbound handle error")
	}
}
