package kernelapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/kernel"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage/memory"
)

type upperModule struct{}

func (upperModule) Execute(_ context.Context, call dispatch.Call) ([]byte, error) {
	return bytes.ToUpper(call.Payload), nil
}

func (upperModule) AcceptsResources() bool { return true }

func (upperModule) Inspect(_ context.Context, call dispatch.Call) ([]byte, error) {
	return append([]byte("peek:"), call.Payload...), nil
}

type testServer struct {
	client *Client
	key    ed25519.PrivateKey
	auth   AuthConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	binder := dispatch.NewStaticBinder()
	binder.Set("static:upper", upperModule{})
	k, err := kernel.New(ctx, kernel.Config{Store: memory.New(), Binder: binder, Ledger: resource.NewMemoryLedger()})
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	if err := k.Initialize(ctx, "root"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	auth := AuthConfig{
		Issuer:               "modkernel-test",
		Audience:             "kernel",
		Key:                  pub,
		AllowPrincipalHeader: true,
		Now:                  time.Now,
	}
	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(auth)))
	Register(server, NewService(k))
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testServer{client: NewClient(conn), key: priv, auth: auth}
}

func (s *testServer) token(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    s.auth.Issuer,
		Audience:  jwt.ClaimStrings{s.auth.Audience},
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func withBearer(token string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+token)
}

func asPrincipal(principal string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), PrincipalHeader, principal)
}

func TestBearerTokenAuthenticatesCaller(t *testing.T) {
	s := newTestServer(t)
	ctx := withBearer(s.token(t, "root", time.Now().Add(time.Hour)))

	if _, err := s.client.Call(ctx, MethodRegisterModule, map[string]any{
		"module_id": "upper",
		"address":   "static:upper",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := s.client.Dispatch(ctx, "upper", []byte("hello"), "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(out) != "HELLO" {
		t.Fatalf("output = %q, want %q", out, "HELLO")
	}
	out, err = s.client.DispatchReadOnly(ctx, "upper", []byte("x"))
	if err != nil {
		t.Fatalf("dispatch read-only: %v", err)
	}
	if string(out) != "peek:x" {
		t.Fatalf("output = %q, want %q", out, "peek:x")
	}
}

func TestExpiredTokenIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	ctx := withBearer(s.token(t, "root", time.Now().Add(-time.Minute)))

	_, err := s.client.Call(ctx, MethodListModules, nil)
	if got := apperrors.CodeOf(err); got != apperrors.CodeUnauthenticated {
		t.Fatalf("code = %q, want %q (err %v)", got, apperrors.CodeUnauthenticated, err)
	}
}

func TestTokenSignedByAnotherKeyIsRejected(t *testing.T) {
	s := newTestServer(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := *s
	forged.key = other

	_, err = s.client.Call(withBearer(forged.token(t, "root", time.Now().Add(time.Hour))), MethodListModules, nil)
	if !errors.Is(err, apperrors.New(apperrors.CodeUnauthenticated, "")) {
		t.Fatalf("error = %v, want unauthenticated", err)
	}
}

func TestAnonymousMutationIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	_, err := s.client.Call(context.Background(), MethodRegisterModule, map[string]any{
		"module_id": "upper",
		"address":   "static:upper",
	})
	if !errors.Is(err, kernel.ErrUnauthenticated) {
		t.Fatalf("error = %v, want %v", err, kernel.ErrUnauthenticated)
	}
}

func TestKernelErrorsKeepCodeAndMetadata(t *testing.T) {
	s := newTestServer(t)

	_, err := s.client.Dispatch(asPrincipal("alice"), "votes", nil, "")
	var kernelErr *apperrors.Error
	if !errors.As(err, &kernelErr) {
		t.Fatalf("error = %v, want kernel error", err)
	}
	if kernelErr.Code != apperrors.CodeModuleNotFound {
		t.Fatalf("code = %q, want %q", kernelErr.Code, apperrors.CodeModuleNotFound)
	}
	if kernelErr.Metadata["module_id"] != "votes" {
		t.Fatalf("metadata = %v", kernelErr.Metadata)
	}
	st, _ := status.FromError(kernelErr.Cause)
	if st.Code() != codes.NotFound {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.NotFound)
	}

	_, err = s.client.Call(asPrincipal("alice"), MethodRegisterModule, map[string]any{
		"module_id": "upper",
		"address":   "static:upper",
	})
	if !errors.Is(err, role.ErrUnauthorized) {
		t.Fatalf("register error = %v, want %v", err, role.ErrUnauthorized)
	}
}

func TestInvalidArguments(t *testing.T) {
	s := newTestServer(t)
	ctx := asPrincipal("root")

	tests := []struct {
		name   string
		method string
		req    map[string]any
	}{
		{name: "missing module", method: MethodDispatch, req: map[string]any{}},
		{name: "bad payload", method: MethodDispatch, req: map[string]any{"module_id": "upper", "payload": "%%%"}},
		{name: "negative amount", method: MethodDispatch, req: map[string]any{"module_id": "upper", "amount": "-1"}},
		{name: "unknown step", method: MethodRunMigrationStep, req: map[string]any{"step": "ninth"}},
		{name: "missing principal", method: MethodGrantRole, req: map[string]any{"role": "ADMIN"}},
		{name: "missing credit amount", method: MethodCreditResources, req: map[string]any{"principal": "alice"}},
		{name: "oversized credit", method: MethodCreditResources, req: map[string]any{"principal": "alice", "amount": "340282366920938463463374607431768211456"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.client.Call(ctx, tc.method, tc.req)
			if got := apperrors.CodeOf(err); got != apperrors.CodeInvalidArgument {
				t.Fatalf("code = %q, want %q (err %v)", got, apperrors.CodeInvalidArgument, err)
			}
		})
	}
}

func TestModuleLifecycleOverTheWire(t *testing.T) {
	s := newTestServer(t)
	ctx := asPrincipal("root")

	if _, err := s.client.Call(ctx, MethodRegisterModule, map[string]any{"module_id": "upper", "address": "static:upper"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := s.client.Call(ctx, MethodPauseModule, map[string]any{"module_id": "upper"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	module := resp["module"].(map[string]any)
	if module["paused"] != true || module["version"] != "1" {
		t.Fatalf("paused module = %v", module)
	}
	if _, err := s.client.Dispatch(ctx, "upper", nil, ""); apperrors.CodeOf(err) != apperrors.CodeModulePaused {
		t.Fatalf("dispatch paused error = %v", err)
	}

	resp, err = s.client.Call(ctx, MethodGetModuleAddress, map[string]any{"module_id": "upper"})
	if err != nil {
		t.Fatalf("get address: %v", err)
	}
	if resp["found"] != true || resp["address"] != "static:upper" {
		t.Fatalf("address response = %v", resp)
	}

	resp, err = s.client.Call(ctx, MethodListRoles, nil)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	found := false
	for _, entry := range resp["roles"].([]any) {
		if entry.(map[string]any)["role"] == "upper-admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("roles = %v, want upper-admin", resp["roles"])
	}
}

func TestCreditAndForwardResourcesOverTheWire(t *testing.T) {
	s := newTestServer(t)
	ctx := asPrincipal("root")

	if _, err := s.client.Call(ctx, MethodRegisterModule, map[string]any{"module_id": "upper", "address": "static:upper"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.client.Call(asPrincipal("alice"), MethodCreditResources, map[string]any{"principal": "alice", "amount": "100"}); !errors.Is(err, apperrors.New(apperrors.CodeUnauthorized, "")) {
		t.Fatalf("self credit error = %v, want unauthorized", err)
	}
	resp, err := s.client.Call(ctx, MethodCreditResources, map[string]any{"principal": "alice", "amount": "100"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if resp["balance"] != "100" {
		t.Fatalf("credit response = %v", resp)
	}

	if _, err := s.client.Dispatch(asPrincipal("alice"), "upper", []byte("pay"), "40"); err != nil {
		t.Fatalf("dispatch with amount: %v", err)
	}
	resp, err = s.client.Call(context.Background(), MethodGetBalance, map[string]any{"principal": "alice"})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if resp["balance"] != "60" {
		t.Fatalf("alice balance = %v, want 60", resp["balance"])
	}
	resp, err = s.client.Call(context.Background(), MethodGetBalance, map[string]any{"principal": "module:upper"})
	if err != nil {
		t.Fatalf("module balance: %v", err)
	}
	if resp["balance"] != "40" {
		t.Fatalf("module balance = %v, want 40", resp["balance"])
	}
}

func TestMigrationProgressOverTheWire(t *testing.T) {
	s := newTestServer(t)
	ctx := asPrincipal("root")

	resp, err := s.client.Call(ctx, MethodRunMigrationStep, map[string]any{"step": "1"})
	if err != nil {
		t.Fatalf("run step: %v", err)
	}
	if resp["step"] != "core-config" || resp["processed"] != "0" {
		t.Fatalf("run step response = %v", resp)
	}
	resp, err = s.client.Call(ctx, MethodGetMigrationProgress, nil)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	steps := resp["steps"].([]any)
	if len(steps) != 8 {
		t.Fatalf("steps = %d, want 8", len(steps))
	}
	if first := steps[0].(map[string]any); first["completed"] != true {
		t.Fatalf("first step = %v", first)
	}
	if resp["complete"] != false {
		t.Fatalf("complete = %v, want false", resp["complete"])
	}
}

func TestMethodsListsEveryHandler(t *testing.T) {
	names := Methods()
	if len(names) != len(methods) {
		t.Fatalf("descriptor methods = %d, handlers = %d", len(names), len(methods))
	}
	for _, name := range names {
		if _, ok := methods[name]; !ok {
			t.Fatalf("method %s has no handler", name)
		}
	}
}
