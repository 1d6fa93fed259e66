package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/louisbranch/modkernel/internal/platform/requestctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/grpc/kernelapi"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
)

const campaignsScript = `
accepts_resources = true

function initialize(payload, call)
  kernel.log("campaigns init " .. payload)
end

function execute(payload, call)
  return "campaigns:" .. payload
end

function inspect(payload, call)
  return "count"
end
`

const manifestFile = `
modules:
  - id: campaigns
    address: lua:campaigns.lua
    init_payload: goal=500
migration:
  secondary-entities: campaigns
`

const snapshotFile = `
secondary-entities:
  - key: campaign-001
    data: {goal: 500}
  - key: campaign-002
    data: {goal: 900}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	if err := os.MkdirAll(scripts, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	writeFile(t, filepath.Join(scripts, "campaigns.lua"), campaignsScript)
	writeFile(t, filepath.Join(dir, "manifest.yaml"), manifestFile)
	writeFile(t, filepath.Join(dir, "snapshot.yaml"), snapshotFile)
	return Config{
		Addr:               "127.0.0.1:0",
		DBPath:             filepath.Join(dir, "kernel.db"),
		ScriptRoot:         scripts,
		ManifestPath:       filepath.Join(dir, "manifest.yaml"),
		SnapshotPath:       filepath.Join(dir, "snapshot.yaml"),
		BootstrapPrincipal: "root",
		Auth:               kernelapi.AuthConfig{AllowPrincipalHeader: true},
	}
}

func startServer(t *testing.T, cfg Config) *kernelapi.Client {
	t.Helper()
	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial kernel server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})
	return kernelapi.NewClient(conn)
}

func asRootPrincipal() context.Context {
	return requestctx.WithPrincipal(context.Background(), "root")
}

func asRoot() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), kernelapi.PrincipalHeader, "root")
}

func TestServer_ManifestModulesServeDispatch(t *testing.T) {
	client := startServer(t, testConfig(t))

	out, err := client.Dispatch(asRoot(), "campaigns", []byte("hello"), "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(out) != "campaigns:hello" {
		t.Fatalf("output = %q, want %q", out, "campaigns:hello")
	}
	out, err = client.DispatchReadOnly(asRoot(), "campaigns", nil)
	if err != nil {
		t.Fatalf("dispatch read-only: %v", err)
	}
	if string(out) != "count" {
		t.Fatalf("output = %q, want %q", out, "count")
	}
}

func TestServer_RunAllMigrationsForwardsSnapshot(t *testing.T) {
	client := startServer(t, testConfig(t))

	resp, err := client.Call(asRoot(), kernelapi.MethodRunAllMigrations, nil)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if resp["failed"] != false {
		t.Fatalf("report = %v", resp)
	}
	for _, entry := range resp["steps"].([]any) {
		step := entry.(map[string]any)
		if step["step"] == "secondary-entities" && step["processed"] != "2" {
			t.Fatalf("secondary-entities = %v, want 2 processed", step)
		}
	}
	resp, err = client.Call(context.Background(), kernelapi.MethodIsMigrationComplete, nil)
	if err != nil {
		t.Fatalf("is complete: %v", err)
	}
	if resp["complete"] != true {
		t.Fatalf("complete = %v, want true", resp["complete"])
	}
}

func TestServer_StateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	k := srv.Kernel()
	registered, err := k.IsModuleRegistered(context.Background(), "campaigns")
	if err != nil {
		t.Fatalf("is registered: %v", err)
	}
	if !registered {
		t.Fatal("expected manifest module to be registered")
	}
	srv.Close()

	client := startServer(t, cfg)
	resp, err := client.Call(context.Background(), kernelapi.MethodGetModule, map[string]any{"module_id": "campaigns"})
	if err != nil {
		t.Fatalf("get module: %v", err)
	}
	module := resp["module"].(map[string]any)
	if module["version"] != "1" {
		t.Fatalf("version = %v, want 1 after restart", module["version"])
	}
}

func TestServer_DispatchForwardsFundedAmount(t *testing.T) {
	cfg := testConfig(t)
	client := startServer(t, cfg)

	balance, err := client.Credit(asRoot(), "root", "250")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != "250" {
		t.Fatalf("credited balance = %q, want 250", balance)
	}
	out, err := client.Dispatch(asRoot(), "campaigns", []byte("pledge"), "75")
	if err != nil {
		t.Fatalf("dispatch with amount: %v", err)
	}
	if string(out) != "campaigns:pledge" {
		t.Fatalf("output = %q, want %q", out, "campaigns:pledge")
	}
	if _, err := client.Dispatch(asRoot(), "campaigns", []byte("pledge"), "1000"); err == nil {
		t.Fatal("expected insufficient resources error")
	}

	for principal, want := range map[string]string{"root": "175", "module:campaigns": "75"} {
		got, err := client.Balance(context.Background(), principal)
		if err != nil {
			t.Fatalf("balance %s: %v", principal, err)
		}
		if got != want {
			t.Fatalf("balance %s = %q, want %q", principal, got, want)
		}
	}
}

func TestServer_BalancesSurviveRestart(t *testing.T) {
	cfg := testConfig(t)

	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := srv.Kernel().CreditResources(asRootPrincipal(), "root", resource.NewAmount(90)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	srv.Close()

	client := startServer(t, cfg)
	got, err := client.Balance(context.Background(), "root")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got != "90" {
		t.Fatalf("balance after restart = %q, want 90", got)
	}
}

func TestServer_MissingManifestFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.ManifestPath = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
