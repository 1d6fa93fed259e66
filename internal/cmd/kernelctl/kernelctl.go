// Package kernelctl builds the operator CLI for a running kernel.
package kernelctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/louisbranch/modkernel/internal/platform/config"
	platformgrpc "github.com/louisbranch/modkernel/internal/platform/grpc"
	"github.com/louisbranch/modkernel/internal/platform/timeouts"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/grpc/kernelapi"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/mcp/kerneltools"
)

// Config holds connection settings shared by every subcommand.
type Config struct {
	Addr      string        `env:"MODKERNEL_ADDR"      envDefault:"localhost:8095"`
	Token     string        `env:"MODKERNEL_TOKEN"`
	Principal string        `env:"MODKERNEL_PRINCIPAL"`
	Timeout   time.Duration `env:"MODKERNEL_CTL_TIMEOUT"`
}

// DialFunc opens a connection to the kernel.
type DialFunc func(ctx context.Context, cfg Config) (*gogrpc.ClientConn, error)

// Options customizes the command tree.
type Options struct {
	Out  io.Writer
	Dial DialFunc
}

func defaultDial(ctx context.Context, cfg Config) (*gogrpc.ClientConn, error) {
	opts := platformgrpc.DefaultClientDialOptions()
	if cfg.Token != "" {
		opts = append(opts, platformgrpc.WithBearerToken(cfg.Token))
	}
	return platformgrpc.DialWithHealth(ctx, nil, cfg.Addr, timeouts.GRPCDial, log.Printf, opts...)
}

type cli struct {
	cfg  Config
	opts Options
}

// NewRootCommand returns the kernelctl command tree with flags defaulted from
// the environment.
func NewRootCommand(opts Options) (*cobra.Command, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	c := &cli{cfg: cfg, opts: opts}

	root := &cobra.Command{
		Use:           "kernelctl",
		Short:         "Operate a module kernel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Out)
	flags := root.PersistentFlags()
	flags.StringVar(&c.cfg.Addr, "addr", cfg.Addr, "kernel gRPC address")
	flags.StringVar(&c.cfg.Token, "token", cfg.Token, "bearer token identifying the caller")
	flags.StringVar(&c.cfg.Principal, "as", cfg.Principal, "caller principal sent as a header when the kernel allows it")
	flags.DurationVar(&c.cfg.Timeout, "timeout", cfg.Timeout, "request timeout (0 uses the per-command default)")

	root.AddCommand(c.modulesCommand(), c.rolesCommand(), c.ledgerCommand(), c.dispatchCommand(), c.migrateCommand(), c.mcpCommand())
	return root, nil
}

// withClient dials, runs fn with a client and closes the connection.
func (c *cli) withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, client *kernelapi.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c.cfg.Timeout > 0 {
		timeout = c.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := c.opts.Dial(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("connect to kernel at %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()
	return fn(c.outgoing(ctx), kernelapi.NewClient(conn))
}

func (c *cli) outgoing(ctx context.Context) context.Context {
	if c.cfg.Principal == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kernelapi.PrincipalHeader, c.cfg.Principal)
}

func (c *cli) call(cmd *cobra.Command, method string, req map[string]any) error {
	return c.callWithTimeout(cmd, timeouts.GRPCRequest, method, req)
}

func (c *cli) callWithTimeout(cmd *cobra.Command, timeout time.Duration, method string, req map[string]any) error {
	return c.withClient(cmd, timeout, func(ctx context.Context, client *kernelapi.Client) error {
		resp, err := client.Call(ctx, method, req)
		if err != nil {
			return err
		}
		return c.print(resp)
	})
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.opts.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) modulesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "modules", Short: "Inspect and administer registered modules"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, kernelapi.MethodListModules, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <module>",
		Short: "Show one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodGetModule, map[string]any{"module_id": args[0]})
		},
	})

	var initPayload string
	register := &cobra.Command{
		Use:   "register <module> <address>",
		Short: "Register a module (ADMIN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodRegisterModule, map[string]any{
				"module_id":    args[0],
				"address":      args[1],
				"init_payload": encodePayload(initPayload),
			})
		},
	}
	register.Flags().StringVar(&initPayload, "init", "", "payload delivered to the module's initialize entry point")
	cmd.AddCommand(register)

	cmd.AddCommand(&cobra.Command{
		Use:   "update <module> <address>",
		Short: "Point a module at a new implementation (ADMIN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodUpdateModuleAddress, map[string]any{"module_id": args[0], "address": args[1]})
		},
	})
	for _, action := range []struct {
		use, short, method string
	}{
		{"pause <module>", "Pause a module (EMERGENCY or ADMIN)", kernelapi.MethodPauseModule},
		{"unpause <module>", "Unpause a module (EMERGENCY or ADMIN)", kernelapi.MethodUnpauseModule},
		{"deactivate <module>", "Deactivate a module (ADMIN)", kernelapi.MethodDeactivateModule},
		{"activate <module>", "Reactivate a module (ADMIN)", kernelapi.MethodActivateModule},
	} {
		method := action.method
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, method, map[string]any{"module_id": args[0]})
			},
		})
	}
	return cmd
}

func (c *cli) rolesCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "roles", Short: "Inspect and administer roles"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles and members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, kernelapi.MethodListRoles, nil)
		},
	})
	for _, action := range []struct {
		use, short, method string
	}{
		{"grant <role> <principal>", "Grant a role", kernelapi.MethodGrantRole},
		{"revoke <role> <principal>", "Revoke a role", kernelapi.MethodRevokeRole},
		{"check <role> <principal>", "Report whether a principal holds a role", kernelapi.MethodHasRole},
	} {
		method := action.method
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.call(cmd, method, map[string]any{"role": args[0], "principal": args[1]})
			},
		})
	}
	return cmd
}

func (c *cli) ledgerCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Fund principals and read balances"}
	cmd.AddCommand(&cobra.Command{
		Use:   "credit <principal> <amount>",
		Short: "Mint an amount into a principal's balance (ADMIN)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodCreditResources, map[string]any{"principal": args[0], "amount": args[1]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "balance <principal>",
		Short: "Show a principal's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodGetBalance, map[string]any{"principal": args[0]})
		},
	})
	return cmd
}

func (c *cli) dispatchCommand() *cobra.Command {
	var (
		amount   string
		readOnly bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch <module> [payload]",
		Short: "Invoke a module and print its output",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			return c.withClient(cmd, timeouts.GRPCRequest, func(ctx context.Context, client *kernelapi.Client) error {
				var (
					out []byte
					err error
				)
				if readOnly {
					out, err = client.DispatchReadOnly(ctx, args[0], payload)
				} else {
					out, err = client.Dispatch(ctx, args[0], payload, amount)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.opts.Out, string(out))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "decimal amount forwarded to the module")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "use the module's read-only entry point")
	cmd.MarkFlagsMutuallyExclusive("amount", "read-only")
	return cmd
}

func (c *cli) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Drive the legacy data migration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "progress",
		Short: "Show migration progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, kernelapi.MethodGetMigrationProgress, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run <step>",
		Short: "Run one step by name or number (OPERATOR or ADMIN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.callWithTimeout(cmd, timeouts.MigrationStep, kernelapi.MethodRunMigrationStep, map[string]any{"step": args[0]})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "run-all",
		Short: "Run every pending step in order (OPERATOR or ADMIN)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(cmd, 0, func(ctx context.Context, client *kernelapi.Client) error {
				resp, err := client.Call(ctx, kernelapi.MethodRunAllMigrations, nil)
				if err != nil {
					return err
				}
				if err := c.print(resp); err != nil {
					return err
				}
				if failed, _ := resp["failed"].(bool); failed {
					return fmt.Errorf("migration incomplete: some steps failed or were blocked")
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <step>",
		Short: "Mark a step pending again (ADMIN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd, kernelapi.MethodResetMigrationStep, map[string]any{"step": args[0]})
		},
	})
	return cmd
}

func (c *cli) mcpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only kernel introspection as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withClient(cmd, 0, func(ctx context.Context, client *kernelapi.Client) error {
				return kerneltools.Serve(ctx, principalCaller{c: c, client: client}, nil)
			})
		},
	}
}

// principalCaller attaches the configured principal to every tool call.
type principalCaller struct {
	c      *cli
	client *kernelapi.Client
}

func (p principalCaller) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	return p.client.Call(p.c.outgoing(ctx), method, req)
}

func encodePayload(payload string) string {
	if payload == "" {
		return ""
	}
	return kernelapi.EncodePayload([]byte(payload))
}
