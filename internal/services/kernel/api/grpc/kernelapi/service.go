// Package kernelapi exposes the kernel over gRPC.
//
// The service is described by hand rather than generated: every method takes
// and returns a google.protobuf.Struct, so the wire format is plain protobuf
// and any gRPC client can call it with the method names in Methods. Byte
// payloads travel as standard base64 strings, u128 amounts and u64 counters as
// decimal strings.
package kernelapi

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/kernel"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/registry"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "modkernel.v1.KernelService"

// Method names.
const (
	MethodDispatch             = "Dispatch"
	MethodDispatchReadOnly     = "DispatchReadOnly"
	MethodRegisterModule       = "RegisterModule"
	MethodUpdateModuleAddress  = "UpdateModuleAddress"
	MethodPauseModule          = "PauseModule"
	MethodUnpauseModule        = "UnpauseModule"
	MethodDeactivateModule     = "DeactivateModule"
	MethodActivateModule       = "ActivateModule"
	MethodIsModuleRegistered   = "IsModuleRegistered"
	MethodGetModuleAddress     = "GetModuleAddress"
	MethodGetModule            = "GetModule"
	MethodListModules          = "ListModules"
	MethodGrantRole            = "GrantRole"
	MethodRevokeRole           = "RevokeRole"
	MethodHasRole              = "HasRole"
	MethodListRoles            = "ListRoles"
	MethodRunMigrationStep     = "RunMigrationStep"
	MethodRunAllMigrations     = "RunAllMigrations"
	MethodResetMigrationStep   = "ResetMigrationStep"
	MethodGetMigrationProgress = "GetMigrationProgress"
	MethodIsMigrationComplete  = "IsMigrationComplete"
	MethodCreditResources      = "CreditResources"
	MethodGetBalance           = "GetBalance"
)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type handler func(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error)

var methods = map[string]handler{
	MethodDispatch:             dispatchCall,
	MethodDispatchReadOnly:     dispatchReadOnly,
	MethodRegisterModule:       registerModule,
	MethodUpdateModuleAddress:  updateModuleAddress,
	MethodPauseModule:          moduleMutation((*kernel.Kernel).PauseModule),
	MethodUnpauseModule:        moduleMutation((*kernel.Kernel).UnpauseModule),
	MethodDeactivateModule:     moduleMutation((*kernel.Kernel).DeactivateModule),
	MethodActivateModule:       moduleMutation((*kernel.Kernel).ActivateModule),
	MethodIsModuleRegistered:   isModuleRegistered,
	MethodGetModuleAddress:     getModuleAddress,
	MethodGetModule:            getModule,
	MethodListModules:          listModules,
	MethodGrantRole:            roleMutation((*kernel.Kernel).GrantRole),
	MethodRevokeRole:           roleMutation((*kernel.Kernel).RevokeRole),
	MethodHasRole:              hasRole,
	MethodListRoles:            listRoles,
	MethodRunMigrationStep:     runMigrationStep,
	MethodRunAllMigrations:     runAllMigrations,
	MethodResetMigrationStep:   resetMigrationStep,
	MethodGetMigrationProgress: migrationProgress,
	MethodIsMigrationComplete:  isMigrationComplete,
	MethodCreditResources:      creditResources,
	MethodGetBalance:           getBalance,
}

// Methods returns every method name the service serves.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for _, desc := range serviceDesc.Methods {
		names = append(names, desc.MethodName)
	}
	return names
}

// Service adapts a kernel to the gRPC service.
type Service struct {
	kernel *kernel.Kernel
}

// NewService creates a gRPC service backed by k.
func NewService(k *kernel.Kernel) *Service {
	return &Service{kernel: k}
}

type kernelServer interface {
	call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

func (s *Service) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.kernel == nil {
		return nil, apperrors.ToGRPC(apperrors.New(apperrors.CodeUnknown, "kernel is not configured"))
	}
	h, ok := methods[method]
	if !ok {
		return nil, apperrors.ToGRPC(apperrors.New(apperrors.CodeInvalidArgument, "unknown method "+method))
	}
	out, err := h(ctx, s.kernel, fields{in})
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, apperrors.ToGRPC(apperrors.Wrap(apperrors.CodeUnknown, "encode response", err))
	}
	return resp, nil
}

// Register installs the service on registrar.
func Register(registrar grpc.ServiceRegistrar, s *Service) {
	registrar.RegisterService(&serviceDesc, s)
}

var serviceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*kernelServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "modkernel/v1/kernel.proto",
	}
	for _, name := range []string{
		MethodDispatch, MethodDispatchReadOnly,
		MethodRegisterModule, MethodUpdateModuleAddress,
		MethodPauseModule, MethodUnpauseModule, MethodDeactivateModule, MethodActivateModule,
		MethodIsModuleRegistered, MethodGetModuleAddress, MethodGetModule, MethodListModules,
		MethodGrantRole, MethodRevokeRole, MethodHasRole, MethodListRoles,
		MethodRunMigrationStep, MethodRunAllMigrations, MethodResetMigrationStep,
		MethodGetMigrationProgress, MethodIsMigrationComplete,
		MethodCreditResources, MethodGetBalance,
	} {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: name, Handler: unaryHandler(name)})
	}
	return desc
}

func unaryHandler(method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return srv.(kernelServer).call(ctx, method, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

// fields reads typed request values from a Struct.
type fields struct {
	s *structpb.Struct
}

func (f fields) string(key string) string {
	return strings.TrimSpace(f.s.GetFields()[key].GetStringValue())
}

func (f fields) required(key string) (string, error) {
	value := f.string(key)
	if value == "" {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument, key+" is required", map[string]string{"field": key})
	}
	return value, nil
}

func (f fields) bytes(key string) ([]byte, error) {
	raw := f.string(key)
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument, key+" must be base64", map[string]string{"field": key})
	}
	return decoded, nil
}

func (f fields) amount(key string) (resource.Amount, error) {
	raw := f.string(key)
	if raw == "" {
		return resource.Zero, nil
	}
	amount, err := resource.ParseAmount(raw)
	if err != nil {
		return resource.Zero, apperrors.WithMetadata(apperrors.CodeInvalidArgument, err.Error(), map[string]string{"field": key})
	}
	return amount, nil
}

func (f fields) step() (migration.Step, error) {
	raw, err := f.required("step")
	if err != nil {
		return "", err
	}
	return migration.ParseStep(raw)
}

func dispatchCall(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	payload, err := in.bytes("payload")
	if err != nil {
		return nil, err
	}
	amount, err := in.amount("amount")
	if err != nil {
		return nil, err
	}
	out, err := k.Dispatch(ctx, moduleID, payload, amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": base64.StdEncoding.EncodeToString(out)}, nil
}

func dispatchReadOnly(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	payload, err := in.bytes("payload")
	if err != nil {
		return nil, err
	}
	out, err := k.DispatchReadOnly(ctx, moduleID, payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": base64.StdEncoding.EncodeToString(out)}, nil
}

func registerModule(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	address, err := in.required("address")
	if err != nil {
		return nil, err
	}
	initPayload, err := in.bytes("init_payload")
	if err != nil {
		return nil, err
	}
	rec, err := k.RegisterModule(ctx, moduleID, identity.Handle(address), initPayload)
	if err != nil {
		return nil, err
	}
	return map[string]any{"module": moduleValue(rec)}, nil
}

func updateModuleAddress(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	address, err := in.required("address")
	if err != nil {
		return nil, err
	}
	rec, err := k.UpdateModuleAddress(ctx, moduleID, identity.Handle(address))
	if err != nil {
		return nil, err
	}
	return map[string]any{"module": moduleValue(rec)}, nil
}

func moduleMutation(fn func(*kernel.Kernel, context.Context, string) (registry.Record, error)) handler {
	return func(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
		moduleID, err := in.required("module_id")
		if err != nil {
			return nil, err
		}
		rec, err := fn(k, ctx, moduleID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"module": moduleValue(rec)}, nil
	}
}

func isModuleRegistered(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	registered, err := k.IsModuleRegistered(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"registered": registered}, nil
}

func getModuleAddress(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	address, ok, err := k.GetModuleAddress(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{"found": true, "address": address.String()}, nil
}

func getModule(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	moduleID, err := in.required("module_id")
	if err != nil {
		return nil, err
	}
	rec, ok, err := k.GetModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"registered": false}, nil
	}
	return map[string]any{"registered": true, "module": moduleValue(rec)}, nil
}

func listModules(ctx context.Context, k *kernel.Kernel, _ fields) (map[string]any, error) {
	records, err := k.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(records))
	for _, rec := range records {
		list = append(list, moduleValue(rec))
	}
	return map[string]any{"modules": list}, nil
}

func moduleValue(rec registry.Record) map[string]any {
	return map[string]any{
		"module_id":     rec.ID,
		"address":       rec.Address.String(),
		"version":       strconv.FormatUint(rec.Version, 10),
		"active":        rec.Active,
		"paused":        rec.Paused,
		"registered_at": rec.RegisteredAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func roleMutation(fn func(*kernel.Kernel, context.Context, role.ID, identity.Principal) error) handler {
	return func(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
		id, err := in.required("role")
		if err != nil {
			return nil, err
		}
		principal, err := in.required("principal")
		if err != nil {
			return nil, err
		}
		if err := fn(k, ctx, role.ID(id), identity.Principal(principal)); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
}

func hasRole(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	id, err := in.required("role")
	if err != nil {
		return nil, err
	}
	principal, err := in.required("principal")
	if err != nil {
		return nil, err
	}
	held, err := k.HasRole(ctx, role.ID(id), identity.Principal(principal))
	if err != nil {
		return nil, err
	}
	return map[string]any{"has_role": held}, nil
}

func listRoles(ctx context.Context, k *kernel.Kernel, _ fields) (map[string]any, error) {
	infos, err := k.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]any, 0, len(infos))
	for _, info := range infos {
		members := make([]any, 0, len(info.Members))
		for _, member := range info.Members {
			members = append(members, member.String())
		}
		list = append(list, map[string]any{
			"role":      string(info.ID),
			"module_id": info.ModuleID,
			"members":   members,
		})
	}
	return map[string]any{"roles": list}, nil
}

func runMigrationStep(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	step, err := in.step()
	if err != nil {
		return nil, err
	}
	processed, err := k.RunMigrationStep(ctx, step)
	if err != nil {
		return nil, err
	}
	return map[string]any{"step": string(step), "processed": strconv.FormatUint(processed, 10)}, nil
}

func runAllMigrations(ctx context.Context, k *kernel.Kernel, _ fields) (map[string]any, error) {
	report, err := k.RunAllMigrations(ctx)
	if err != nil {
		return nil, err
	}
	steps := make([]any, 0, len(report))
	for _, r := range report {
		entry := map[string]any{
			"step":      string(r.Step),
			"outcome":   string(r.Outcome),
			"processed": strconv.FormatUint(r.Processed, 10),
		}
		if r.Err != nil {
			entry["error"] = r.Err.Error()
			entry["code"] = string(apperrors.CodeOf(r.Err))
		}
		steps = append(steps, entry)
	}
	return map[string]any{"steps": steps, "failed": report.Failed()}, nil
}

func resetMigrationStep(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	step, err := in.step()
	if err != nil {
		return nil, err
	}
	if err := k.ResetMigrationStep(ctx, step); err != nil {
		return nil, err
	}
	return map[string]any{"step": string(step)}, nil
}

func migrationProgress(ctx context.Context, k *kernel.Kernel, _ fields) (map[string]any, error) {
	state, err := k.GetMigrationProgress(ctx)
	if err != nil {
		return nil, err
	}
	steps := make([]any, 0, len(state.Steps))
	for _, st := range state.Steps {
		entry := map[string]any{
			"step":      string(st.Step),
			"number":    float64(st.Step.Number()),
			"completed": st.Completed,
			"processed": strconv.FormatUint(st.Processed, 10),
		}
		if !st.UpdatedAt.IsZero() {
			entry["updated_at"] = st.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		steps = append(steps, entry)
	}
	return map[string]any{"steps": steps, "complete": state.Complete()}, nil
}

func isMigrationComplete(ctx context.Context, k *kernel.Kernel, _ fields) (map[string]any, error) {
	complete, err := k.IsMigrationComplete(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"complete": complete}, nil
}

func creditResources(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	principal, err := in.required("principal")
	if err != nil {
		return nil, err
	}
	if _, err := in.required("amount"); err != nil {
		return nil, err
	}
	amount, err := in.amount("amount")
	if err != nil {
		return nil, err
	}
	balance, err := k.CreditResources(ctx, identity.Principal(principal), amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"principal": principal, "balance": balance.String()}, nil
}

func getBalance(ctx context.Context, k *kernel.Kernel, in fields) (map[string]any, error) {
	principal, err := in.required("principal")
	if err != nil {
		return nil, err
	}
	balance, err := k.Balance(ctx, identity.Principal(principal))
	if err != nil {
		return nil, err
	}
	return map[string]any{"principal": principal, "balance": balance.String()}, nil
}
