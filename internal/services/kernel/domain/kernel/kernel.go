// Package kernel is the public surface of the module kernel. It reads the
// calling principal from the request context, takes the kernel gate, and
// delegates to the role store, module registry, dispatcher and migration
// coordinator.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/platform/requestctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/dispatch"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/registry"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

// ErrUnauthenticated matches calls that carry no principal.
var ErrUnauthenticated = apperrors.New(apperrors.CodeUnauthenticated, "authentication required")

// Config wires a Kernel.
type Config struct {
	Store  storage.Store
	Binder dispatch.Binder
	// Ledger moves forwarded amounts; nil disables resource forwarding. A
	// ledger that is also a resource.Minter enables CreditResources.
	Ledger   resource.Ledger
	MaxDepth int
	Timeout  time.Duration
	// Migration maps steps to their bodies.
	Migration map[migration.Step]migration.Body
}

// Kernel owns every kernel component.
type Kernel struct {
	gate       *dispatch.Gate
	roles      *role.Store
	registry   *registry.Registry
	ledger     resource.Ledger
	dispatcher *dispatch.Dispatcher
	migration  *migration.Coordinator
}

// New loads kernel state from cfg.Store.
func New(ctx context.Context, cfg Config) (*Kernel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Binder == nil {
		return nil, fmt.Errorf("binder is required")
	}
	roles, err := role.Load(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	reg, err := registry.Load(ctx, roles, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	gate := dispatch.NewGate()
	d, err := dispatch.New(dispatch.Config{
		Registry: reg,
		Roles:    roles,
		Binder:   cfg.Binder,
		Ledger:   cfg.Ledger,
		Gate:     gate,
		MaxDepth: cfg.MaxDepth,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	coordinator, err := migration.Load(ctx, migration.Config{
		Runner: d,
		Roles:  roles,
		Store:  cfg.Store,
		Bodies: cfg.Migration,
	})
	if err != nil {
		return nil, fmt.Errorf("load migration: %w", err)
	}
	return &Kernel{
		gate:       gate,
		roles:      roles,
		registry:   reg,
		ledger:     cfg.Ledger,
		dispatcher: d,
		migration:  coordinator,
	}, nil
}

func caller(ctx context.Context) (identity.Principal, error) {
	p := identity.Principal(requestctx.PrincipalFromContext(ctx))
	if p == "" {
		return "", ErrUnauthenticated
	}
	if p.IsModule() {
		return "", apperrors.WithMetadata(apperrors.CodeUnauthorized,
			"module principals cannot call the kernel directly",
			map[string]string{"principal": p.String()})
	}
	return p, nil
}

func (k *Kernel) exclusive(ctx context.Context, fn func() error) error {
	release, err := k.gate.Exclusive(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// shared takes the gate for a read. A context already inside an invocation
// runs under the holder's critical section and reads without it.
func (k *Kernel) shared(ctx context.Context) (func(), error) {
	release, err := k.gate.Shared(ctx)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, callctx.ErrReentrantTopLevelCall):
		return func() {}, nil
	default:
		return nil, err
	}
}

// Initialize grants every system role to principal. It succeeds once.
func (k *Kernel) Initialize(ctx context.Context, principal identity.Principal) error {
	return k.exclusive(ctx, func() error {
		return k.roles.Bootstrap(ctx, principal)
	})
}

// Initialized reports whether the system roles exist.
func (k *Kernel) Initialized() bool {
	return k.roles.Initialized()
}

// Dispatch forwards payload and amount to moduleID as the request principal.
func (k *Kernel) Dispatch(ctx context.Context, moduleID string, payload []byte, amount resource.Amount) ([]byte, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return k.dispatcher.Dispatch(ctx, p, moduleID, payload, amount)
}

// DispatchReadOnly forwards payload to moduleID's read-only entry point.
func (k *Kernel) DispatchReadOnly(ctx context.Context, moduleID string, payload []byte) ([]byte, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return k.dispatcher.DispatchReadOnly(ctx, p, moduleID, payload)
}

// RegisterModule registers id at address. A non-empty initPayload is
// delivered to the module before the registration commits.
func (k *Kernel) RegisterModule(ctx context.Context, id string, address identity.Handle, initPayload []byte) (registry.Record, error) {
	p, err := caller(ctx)
	if err != nil {
		return registry.Record{}, err
	}
	var rec registry.Record
	err = k.dispatcher.Run(ctx, p, func(ctx context.Context, s *dispatch.Session) error {
		var initialize registry.InitFunc
		if len(initPayload) > 0 {
			initialize = func(ctx context.Context, r registry.Record) error {
				return s.Initialize(ctx, r, initPayload)
			}
		}
		var err error
		rec, err = k.registry.Register(ctx, p, id, address, initialize)
		return err
	})
	return rec, err
}

// UpdateModuleAddress points id at a new implementation.
func (k *Kernel) UpdateModuleAddress(ctx context.Context, id string, address identity.Handle) (registry.Record, error) {
	return k.mutateModule(ctx, func(p identity.Principal) (registry.Record, error) {
		return k.registry.UpdateAddress(ctx, p, id, address)
	})
}

// PauseModule stops id from resolving.
func (k *Kernel) PauseModule(ctx context.Context, id string) (registry.Record, error) {
	return k.mutateModule(ctx, func(p identity.Principal) (registry.Record, error) {
		return k.registry.Pause(ctx, p, id)
	})
}

// UnpauseModule lets id resolve again.
func (k *Kernel) UnpauseModule(ctx context.Context, id string) (registry.Record, error) {
	return k.mutateModule(ctx, func(p identity.Principal) (registry.Record, error) {
		return k.registry.Unpause(ctx, p, id)
	})
}

// DeactivateModule retires id.
func (k *Kernel) DeactivateModule(ctx context.Context, id string) (registry.Record, error) {
	return k.mutateModule(ctx, func(p identity.Principal) (registry.Record, error) {
		return k.registry.Deactivate(ctx, p, id)
	})
}

// ActivateModule returns a retired module to service.
func (k *Kernel) ActivateModule(ctx context.Context, id string) (registry.Record, error) {
	return k.mutateModule(ctx, func(p identity.Principal) (registry.Record, error) {
		return k.registry.Activate(ctx, p, id)
	})
}

func (k *Kernel) mutateModule(ctx context.Context, fn func(p identity.Principal) (registry.Record, error)) (registry.Record, error) {
	p, err := caller(ctx)
	if err != nil {
		return registry.Record{}, err
	}
	var rec registry.Record
	err = k.exclusive(ctx, func() error {
		var err error
		rec, err = fn(p)
		return err
	})
	return rec, err
}

// GrantRole adds principal to id.
func (k *Kernel) GrantRole(ctx context.Context, id role.ID, principal identity.Principal) error {
	p, err := caller(ctx)
	if err != nil {
		return err
	}
	return k.exclusive(ctx, func() error {
		return k.roles.Grant(ctx, id, principal, p)
	})
}

// RevokeRole removes principal from id.
func (k *Kernel) RevokeRole(ctx context.Context, id role.ID, principal identity.Principal) error {
	p, err := caller(ctx)
	if err != nil {
		return err
	}
	return k.exclusive(ctx, func() error {
		return k.roles.Revoke(ctx, id, principal, p)
	})
}

// RunMigrationStep runs one migration step.
func (k *Kernel) RunMigrationStep(ctx context.Context, step migration.Step) (uint64, error) {
	p, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return k.migration.RunStep(ctx, p, step)
}

// RunAllMigrations runs every pending migration step.
func (k *Kernel) RunAllMigrations(ctx context.Context) (migration.Report, error) {
	p, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return k.migration.RunAll(ctx, p)
}

// ResetMigrationStep marks step incomplete.
func (k *Kernel) ResetMigrationStep(ctx context.Context, step migration.Step) error {
	p, err := caller(ctx)
	if err != nil {
		return err
	}
	return k.exclusive(ctx, func() error {
		return k.migration.ResetStep(ctx, p, step)
	})
}

// CreditResources mints amount into principal's balance. Only ADMIN may
// credit.
func (k *Kernel) CreditResources(ctx context.Context, principal identity.Principal, amount resource.Amount) (resource.Amount, error) {
	p, err := caller(ctx)
	if err != nil {
		return resource.Zero, err
	}
	if !principal.Valid() {
		return resource.Zero, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "principal is invalid",
			map[string]string{"field": "principal"})
	}
	var balance resource.Amount
	err = k.exclusive(ctx, func() error {
		if !k.roles.HasRole(role.Admin, p) {
			return apperrors.WithMetadata(apperrors.CodeUnauthorized, "unauthorized to credit resources",
				map[string]string{"principal": p.String()})
		}
		minter, ok := k.ledger.(resource.Minter)
		if !ok {
			return apperrors.New(apperrors.CodeInvalidArgument, "resource crediting is not enabled")
		}
		if err := minter.Credit(ctx, principal, amount); err != nil {
			return err
		}
		log.Printf("resources credited: %s to %s by %s", amount, principal, p)
		var err error
		balance, err = k.ledger.Balance(ctx, principal)
		return err
	})
	return balance, err
}

// Balance returns principal's resource balance.
func (k *Kernel) Balance(ctx context.Context, principal identity.Principal) (resource.Amount, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return resource.Zero, err
	}
	defer release()
	if k.ledger == nil {
		return resource.Zero, nil
	}
	return k.ledger.Balance(ctx, principal)
}

// GetMigrationProgress returns every step's state.
func (k *Kernel) GetMigrationProgress(ctx context.Context) (migration.State, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return migration.State{}, err
	}
	defer release()
	return k.migration.Progress(), nil
}

// IsMigrationComplete reports whether every step is complete.
func (k *Kernel) IsMigrationComplete(ctx context.Context) (bool, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return k.migration.IsComplete(), nil
}

// IsModuleRegistered reports whether id was ever registered.
func (k *Kernel) IsModuleRegistered(ctx context.Context, id string) (bool, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return k.registry.IsRegistered(id), nil
}

// GetModuleAddress returns id's current handle.
func (k *Kernel) GetModuleAddress(ctx context.Context, id string) (identity.Handle, bool, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()
	address, ok := k.registry.Address(id)
	return address, ok, nil
}

// GetModule returns id's record regardless of its flags.
func (k *Kernel) GetModule(ctx context.Context, id string) (registry.Record, bool, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return registry.Record{}, false, err
	}
	defer release()
	rec, ok := k.registry.Lookup(id)
	return rec, ok, nil
}

// ListModules returns every module record.
func (k *Kernel) ListModules(ctx context.Context) ([]registry.Record, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.registry.List(), nil
}

// HasRole reports whether principal holds id.
func (k *Kernel) HasRole(ctx context.Context, id role.ID, principal identity.Principal) (bool, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return false, err
	}
	defer release()
	return k.roles.HasRole(id, principal), nil
}

// ListRoles returns every role with its members.
func (k *Kernel) ListRoles(ctx context.Context) ([]role.Info, error) {
	release, err := k.shared(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return k.roles.List(), nil
}
