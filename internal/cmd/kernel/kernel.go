// Package kernel parses kernel service flags and launches the service.
package kernel

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/modkernel/internal/platform/cmd"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/grpc/kernelapi"
	server "github.com/louisbranch/modkernel/internal/services/kernel/app"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
)

// Config holds kernel command configuration.
type Config struct {
	Port               int           `env:"MODKERNEL_PORT"                envDefault:"8095"`
	DBPath             string        `env:"MODKERNEL_DB_PATH"             envDefault:"data/kernel.db"`
	ScriptRoot         string        `env:"MODKERNEL_SCRIPT_ROOT"`
	ManifestPath       string        `env:"MODKERNEL_MANIFEST_PATH"`
	SnapshotPath       string        `env:"MODKERNEL_LEGACY_SNAPSHOT_PATH"`
	BootstrapPrincipal string        `env:"MODKERNEL_BOOTSTRAP_PRINCIPAL"`
	MaxDepth           int           `env:"MODKERNEL_MAX_DEPTH"`
	InvocationTimeout  time.Duration `env:"MODKERNEL_INVOCATION_TIMEOUT"  envDefault:"30s"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The kernel gRPC server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.ScriptRoot, "scripts", cfg.ScriptRoot, "Directory holding Lua module scripts")
	fs.StringVar(&cfg.ManifestPath, "manifest", cfg.ManifestPath, "Module manifest registered at boot")
	fs.StringVar(&cfg.SnapshotPath, "legacy-snapshot", cfg.SnapshotPath, "Legacy snapshot read by migration steps")
	fs.StringVar(&cfg.BootstrapPrincipal, "bootstrap-principal", cfg.BootstrapPrincipal, "Principal granted every system role on first start")
	fs.IntVar(&cfg.MaxDepth, "max-depth", cfg.MaxDepth, "Maximum nested dispatch depth (0 uses the default)")
	fs.DurationVar(&cfg.InvocationTimeout, "invocation-timeout", cfg.InvocationTimeout, "Per-dispatch timeout (0 disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.MaxDepth < 0 {
		return Config{}, fmt.Errorf("max depth must not be negative")
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = callctx.DefaultMaxDepth
	}
	return cfg, nil
}

// Run starts the kernel gRPC API service.
func Run(ctx context.Context, cfg Config) error {
	auth, err := kernelapi.LoadAuthConfigFromEnv(time.Now)
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceKernel, func(ctx context.Context) error {
		return server.Run(ctx, server.Config{
			Addr:               fmt.Sprintf(":%d", cfg.Port),
			DBPath:             cfg.DBPath,
			ScriptRoot:         cfg.ScriptRoot,
			ManifestPath:       cfg.ManifestPath,
			SnapshotPath:       cfg.SnapshotPath,
			BootstrapPrincipal: cfg.BootstrapPrincipal,
			MaxDepth:           cfg.MaxDepth,
			InvocationTimeout:  cfg.InvocationTimeout,
			Auth:               auth,
		})
	})
}
