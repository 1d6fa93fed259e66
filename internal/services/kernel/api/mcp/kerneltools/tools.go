// Package kerneltools exposes read-only kernel introspection as MCP tools.
// Every tool is a thin wrapper over one kernel gRPC method; nothing here can
// mutate kernel state.
package kerneltools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/louisbranch/modkernel/internal/platform/timeouts"
	"github.com/louisbranch/modkernel/internal/services/kernel/api/grpc/kernelapi"
)

const (
	serverName    = "modkernel"
	serverVersion = "1.0.0"
)

// Caller invokes kernel gRPC methods. *kernelapi.Client implements it.
type Caller interface {
	Call(ctx context.Context, method string, req map[string]any) (map[string]any, error)
}

// ModuleInfo describes one registered module.
type ModuleInfo struct {
	ID      string `json:"module_id"`
	Address string `json:"address"`
	Version string `json:"version"`
	Active  bool   `json:"active"`
	Paused  bool   `json:"paused"`
}

// ListModulesInput takes no arguments.
type ListModulesInput struct{}

// ListModulesResult lists every module.
type ListModulesResult struct {
	Modules []ModuleInfo `json:"modules"`
}

// GetModuleInput selects a module.
type GetModuleInput struct {
	ModuleID string `json:"module_id" jsonschema:"registered module id"`
}

// GetModuleResult reports one module, if registered.
type GetModuleResult struct {
	Registered bool        `json:"registered"`
	Module     *ModuleInfo `json:"module,omitempty"`
}

// RoleInfo describes one role and its members.
type RoleInfo struct {
	Role     string   `json:"role"`
	ModuleID string   `json:"module_id,omitempty"`
	Members  []string `json:"members"`
}

// ListRolesInput takes no arguments.
type ListRolesInput struct{}

// ListRolesResult lists every role.
type ListRolesResult struct {
	Roles []RoleInfo `json:"roles"`
}

// HasRoleInput names a role and principal.
type HasRoleInput struct {
	Role      string `json:"role" jsonschema:"role id (ADMIN, MANAGER, OPERATOR, EMERGENCY or <module>-admin)"`
	Principal string `json:"principal" jsonschema:"principal identifier"`
}

// HasRoleResult reports membership.
type HasRoleResult struct {
	HasRole bool `json:"has_role"`
}

// StepInfo describes one migration step.
type StepInfo struct {
	Step      string `json:"step"`
	Number    int    `json:"number"`
	Completed bool   `json:"completed"`
	Processed string `json:"processed"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// MigrationProgressInput takes no arguments.
type MigrationProgressInput struct{}

// MigrationProgressResult is the migration state.
type MigrationProgressResult struct {
	Complete bool       `json:"complete"`
	Steps    []StepInfo `json:"steps"`
}

// NewServer builds an MCP server whose tools call the kernel through c.
func NewServer(c Caller) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "kernel_list_modules",
		Description: "Lists every registered module with its address, version and status",
	}, handler[ListModulesInput, ListModulesResult](c, kernelapi.MethodListModules, nil))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "kernel_get_module",
		Description: "Describes one module by id",
	}, handler[GetModuleInput, GetModuleResult](c, kernelapi.MethodGetModule, func(in GetModuleInput) (map[string]any, error) {
		id := strings.TrimSpace(in.ModuleID)
		if id == "" {
			return nil, fmt.Errorf("module_id is required")
		}
		return map[string]any{"module_id": id}, nil
	}))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "kernel_list_roles",
		Description: "Lists every role and its members",
	}, handler[ListRolesInput, ListRolesResult](c, kernelapi.MethodListRoles, nil))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "kernel_has_role",
		Description: "Reports whether a principal holds a role",
	}, handler[HasRoleInput, HasRoleResult](c, kernelapi.MethodHasRole, func(in HasRoleInput) (map[string]any, error) {
		if strings.TrimSpace(in.Role) == "" || strings.TrimSpace(in.Principal) == "" {
			return nil, fmt.Errorf("role and principal are required")
		}
		return map[string]any{"role": in.Role, "principal": in.Principal}, nil
	}))
	mcp.AddTool(server, &mcp.Tool{
		Name:        "kernel_migration_progress",
		Description: "Shows completion and record counts for every migration step",
	}, handler[MigrationProgressInput, MigrationProgressResult](c, kernelapi.MethodGetMigrationProgress, nil))
	return server
}

// handler adapts one kernel method to a typed tool. The response map is
// re-decoded into O through its JSON field names.
func handler[I, O any](c Caller, method string, request func(I) (map[string]any, error)) mcp.ToolHandlerFor[I, O] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in I) (*mcp.CallToolResult, O, error) {
		var out O
		var req map[string]any
		if request != nil {
			built, err := request(in)
			if err != nil {
				return nil, out, err
			}
			req = built
		}
		callCtx, cancel := context.WithTimeout(ctx, timeouts.GRPCRequest)
		defer cancel()
		resp, err := c.Call(callCtx, method, req)
		if err != nil {
			return nil, out, fmt.Errorf("%s failed: %w", method, err)
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, out, fmt.Errorf("encode %s response: %w", method, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, out, fmt.Errorf("decode %s response: %w", method, err)
		}
		return nil, out, nil
	}
}

// Serve runs the MCP server on transport until ctx ends.
func Serve(ctx context.Context, c Caller, transport mcp.Transport) error {
	if transport == nil {
		transport = &mcp.StdioTransport{}
	}
	err := NewServer(c).Run(ctx, transport)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

