// Package server wires the kernel runtime and gRPC lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/modkernel/internal/platform/requestctx"
	"github.com/louisbranch/modkernel/internal/platform/timeouts"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/grpc/kernelapi"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/kernel"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/legacy"
	"github.com/louisbranch/modkernel/internal/services/kernel/luamodule"
	"github.com/louisbranch/modkernel/internal/services/kernel/manifest"
	kernelsqlite "github.com/louisbranch/modkernel/internal/services/kernel/storage/sqlite"
)

// Config describes one kernel process.
type Config struct {
	Addr   string
	DBPath string
	// ScriptRoot holds the Lua sources behind "lua:" handles.
	ScriptRoot string
	// ManifestPath, when set, names modules registered at boot.
	ManifestPath string
	// SnapshotPath, when set, is the legacy export migration steps read.
	SnapshotPath string
	// BootstrapPrincipal receives every system role on first start and
	// registers manifest modules.
	BootstrapPrincipal string
	MaxDepth           int
	InvocationTimeout  time.Duration
	Auth               kernelapi.AuthConfig
}

// Server hosts the kernel gRPC API and storage lifecycle.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	store      *kernelsqlite.Store
	kernel     *kernel.Kernel
}

// New creates a configured kernel server.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "kernel.db")
	}
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	store, err := openKernelStore(cfg.DBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	k, err := buildKernel(ctx, cfg, store)
	if err != nil {
		_ = listener.Close()
		_ = store.Close()
		return nil, err
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(kernelapi.UnaryAuthInterceptor(cfg.Auth)),
	)
	healthServer := health.NewServer()
	kernelapi.Register(grpcServer, kernelapi.NewService(k))
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(kernelapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
		kernel:     k,
	}, nil
}

func buildKernel(ctx context.Context, cfg Config, store *kernelsqlite.Store) (*kernel.Kernel, error) {
	var (
		m      manifest.Manifest
		bodies map[migration.Step]migration.Body
	)
	if path := strings.TrimSpace(cfg.ManifestPath); path != "" {
		loaded, err := manifest.Load(path)
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	if path := strings.TrimSpace(cfg.SnapshotPath); path != "" {
		snapshot, err := legacy.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load legacy snapshot: %w", err)
		}
		log.Printf("legacy snapshot loaded: %d records in %d categories", snapshot.Count(), len(snapshot.Categories()))
		bodies = m.Bodies(snapshot)
	}

	binder := dispatch.NewSchemeBinder(dispatch.NewStaticBinder())
	if root := strings.TrimSpace(cfg.ScriptRoot); root != "" {
		binder.Handle(luamodule.Scheme, luamodule.NewBinder(os.DirFS(root)))
	}

	ledger, err := resource.LoadLedger(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	k, err := kernel.New(ctx, kernel.Config{
		Store:     store,
		Binder:    binder,
		Ledger:    ledger,
		MaxDepth:  cfg.MaxDepth,
		Timeout:   cfg.InvocationTimeout,
		Migration: bodies,
	})
	if err != nil {
		return nil, fmt.Errorf("build kernel: %w", err)
	}

	principal := identity.Principal(strings.TrimSpace(cfg.BootstrapPrincipal))
	if principal == "" {
		if len(m.Modules) > 0 {
			log.Printf("manifest modules skipped: no bootstrap principal configured")
		}
		return k, nil
	}
	if !k.Initialized() {
		if err := k.Initialize(ctx, principal); err != nil {
			return nil, fmt.Errorf("initialize roles: %w", err)
		}
		log.Printf("kernel roles initialized for %s", principal)
	}
	registered, err := m.Apply(requestctx.WithPrincipal(ctx, principal.String()), k)
	if err != nil {
		return nil, fmt.Errorf("apply manifest: %w", err)
	}
	if registered > 0 {
		log.Printf("manifest registered %d modules", registered)
	}
	return k, nil
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Kernel returns the kernel the server exposes.
func (s *Server) Kernel() *kernel.Kernel {
	if s == nil {
		return nil
	}
	return s.kernel
}

// Run creates and serves a kernel server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("kernel server listening at %v", s.listener.Addr())
	g, gctx := errgroup.WithContext(ctx)
	stopped := make(chan struct{})
	g.Go(func() error {
		defer close(stopped)
		err := s.grpcServer.Serve(s.listener)
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-stopped:
			return nil
		}
		s.health.Shutdown()
		graceful := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(graceful)
		}()
		select {
		case <-graceful:
		case <-time.After(timeouts.Shutdown):
			log.Printf("kernel graceful stop timed out; forcing shutdown")
			s.grpcServer.Stop()
		}
		return nil
	})
	return g.Wait()
}

// Close releases kernel server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close kernel store: %v", err)
		}
	}
}

func openKernelStore(path string) (*kernelsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := kernelsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open kernel sqlite store: %w", err)
	}
	return store, nil
}
