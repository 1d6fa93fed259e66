package requestctx

import (
	"context"
	"testing"
)

func TestPrincipalFromContextRoundTrip(t *testing.T) {
	ctx := WithPrincipal(context.Background(), "alice")
	if got := PrincipalFromContext(ctx); got != "alice" {
		t.Fatalf("PrincipalFromContext = %q, want %q", got, "alice")
	}
}

func TestPrincipalFromContextEmpty(t *testing.T) {
	if got := PrincipalFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestPrincipalFromContextNil(t *testing.T) {
	if got := PrincipalFromContext(nil); got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithPrincipalTrimsAndAcceptsNilContext(t *testing.T) {
	ctx := WithPrincipal(nil, "  bob ")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	if got := PrincipalFromContext(ctx); got != "bob" {
		t.Fatalf("PrincipalFromContext = %q, want %q", got, "bob")
	}
}
