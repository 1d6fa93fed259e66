// Package registry maps module ids to the handles that implement them.
//
// Records are never deleted. Registration and address changes require ADMIN;
// pausing requires EMERGENCY or ADMIN. Authorization is checked before any
// lookup so unauthorized callers cannot discover which ids exist.
package registry

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/role"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

var (
	// ErrNotFound matches lookups of unregistered modules.
	ErrNotFound = apperrors.New(apperrors.CodeModuleNotFound, "module not found")
	// ErrAlreadyRegistered matches duplicate registrations.
	ErrAlreadyRegistered = apperrors.New(apperrors.CodeModuleAlreadyRegistered, "module already registered")
	// ErrInactive matches resolution of deactivated modules.
	ErrInactive = apperrors.New(apperrors.CodeModuleInactive, "module is inactive")
	// ErrPaused matches resolution of paused modules.
	ErrPaused = apperrors.New(apperrors.CodeModulePaused, "module is paused")
	// ErrUnauthorized matches registry mutations without the required role.
	ErrUnauthorized = apperrors.New(apperrors.CodeUnauthorized, "unauthorized")
)

// Record is one registered module.
type Record struct {
	ID           string
	Address      identity.Handle
	Version      uint64
	Active       bool
	Paused       bool
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// Roles is the slice of the role store the registry depends on.
type Roles interface {
	HasAny(principal identity.Principal, ids ...role.ID) bool
	EnsureModuleRole(ctx context.Context, moduleID string) (role.ID, error)
}

// InitFunc runs a freshly registered module's initialization before the
// record is committed.
type InitFunc func(ctx context.Context, record Record) error

// Registry is the module table.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Record
	roles   Roles
	backing storage.ModuleStore
	now     func() time.Time
}

// Load builds a Registry from persisted records.
func Load(ctx context.Context, roles Roles, backing storage.ModuleStore) (*Registry, error) {
	if roles == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "role store is required")
	}
	if backing == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "module storage is required")
	}
	records, err := backing.ListModules(ctx)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		modules: make(map[string]Record, len(records)),
		roles:   roles,
		backing: backing,
		now:     time.Now,
	}
	for _, rec := range records {
		r.modules[rec.ID] = fromStorage(rec)
	}
	return r, nil
}

func fromStorage(rec storage.ModuleRecord) Record {
	return Record{
		ID:           rec.ID,
		Address:      identity.Handle(rec.Address),
		Version:      rec.Version,
		Active:       rec.Active,
		Paused:       rec.Paused,
		RegisteredAt: rec.RegisteredAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func toStorage(rec Record) storage.ModuleRecord {
	return storage.ModuleRecord{
		ID:           rec.ID,
		Address:      rec.Address.String(),
		Version:      rec.Version,
		Active:       rec.Active,
		Paused:       rec.Paused,
		RegisteredAt: rec.RegisteredAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// ValidID reports whether id is a well-formed module id: lowercase letters,
// digits and interior '.', '-' or '_' separators, never two in a row.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}

func moduleMeta(id string) map[string]string {
	return map[string]string{"module_id": id}
}

func alreadyRegistered(id string) error {
	return apperrors.WithMetadata(apperrors.CodeModuleAlreadyRegistered,
		"module "+id+" is already registered", moduleMeta(id))
}

func (r *Registry) authorize(actor identity.Principal, action string, ids ...role.ID) error {
	if r.roles.HasAny(actor, ids...) {
		return nil
	}
	return apperrors.WithMetadata(apperrors.CodeUnauthorized, "unauthorized to "+action,
		map[string]string{"principal": actor.String()})
}

// Register adds a module at address. When initialize is non-nil it runs
// against the new record first; its failure aborts the registration.
func (r *Registry) Register(ctx context.Context, actor identity.Principal, id string, address identity.Handle, initialize InitFunc) (Record, error) {
	if err := r.authorize(actor, "register modules", role.Admin); err != nil {
		return Record{}, err
	}
	id = strings.TrimSpace(id)
	if !ValidID(id) {
		return Record{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "invalid module id", moduleMeta(id))
	}
	if !address.Valid() {
		return Record{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "module address is required", moduleMeta(id))
	}

	if r.IsRegistered(id) {
		return Record{}, alreadyRegistered(id)
	}

	now := r.now().UTC()
	rec := Record{
		ID:           id,
		Address:      address,
		Version:      1,
		Active:       true,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	// The init hook may dispatch to other modules, which resolves through
	// this registry, so it runs without r.mu held.
	if initialize != nil {
		if err := initialize(ctx, rec); err != nil {
			return Record{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[id]; exists {
		return Record{}, alreadyRegistered(id)
	}
	if _, err := r.roles.EnsureModuleRole(ctx, id); err != nil {
		return Record{}, err
	}
	if err := r.backing.PutModule(ctx, toStorage(rec)); err != nil {
		return Record{}, err
	}
	r.modules[id] = rec
	log.Printf("registry: %s registered module %s (version %d)", actor, id, rec.Version)
	return rec, nil
}

func (r *Registry) mutate(ctx context.Context, id string, apply func(*Record) bool) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.modules[strings.TrimSpace(id)]
	if !ok {
		return Record{}, apperrors.WithMetadata(apperrors.CodeModuleNotFound, "module "+id+" is not registered", moduleMeta(id))
	}
	if !apply(&rec) {
		return rec, nil
	}
	rec.UpdatedAt = r.now().UTC()
	if err := r.backing.PutModule(ctx, toStorage(rec)); err != nil {
		return Record{}, err
	}
	r.modules[rec.ID] = rec
	return rec, nil
}

// UpdateAddress points id at a new implementation and bumps its version. The
// paused flag is preserved.
func (r *Registry) UpdateAddress(ctx context.Context, actor identity.Principal, id string, address identity.Handle) (Record, error) {
	if err := r.authorize(actor, "update modules", role.Admin); err != nil {
		return Record{}, err
	}
	if !address.Valid() {
		return Record{}, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "module address is required", moduleMeta(id))
	}
	rec, err := r.mutate(ctx, id, func(rec *Record) bool {
		rec.Address = address
		rec.Version++
		return true
	})
	if err != nil {
		return Record{}, err
	}
	log.Printf("registry: %s updated module %s to version %d", actor, rec.ID, rec.Version)
	return rec, nil
}

// Pause stops id from resolving. Pausing a paused module is a no-op.
func (r *Registry) Pause(ctx context.Context, actor identity.Principal, id string) (Record, error) {
	return r.setPaused(ctx, actor, id, true)
}

// Unpause lets id resolve again. Unpausing a running module is a no-op.
func (r *Registry) Unpause(ctx context.Context, actor identity.Principal, id string) (Record, error) {
	return r.setPaused(ctx, actor, id, false)
}

func (r *Registry) setPaused(ctx context.Context, actor identity.Principal, id string, paused bool) (Record, error) {
	if err := r.authorize(actor, "pause modules", role.Emergency, role.Admin); err != nil {
		return Record{}, err
	}
	rec, err := r.mutate(ctx, id, func(rec *Record) bool {
		if rec.Paused == paused {
			return false
		}
		rec.Paused = paused
		return true
	})
	if err != nil {
		return Record{}, err
	}
	log.Printf("registry: %s set module %s paused=%t", actor, rec.ID, paused)
	return rec, nil
}

// Deactivate retires id. The record and its admin role are kept.
func (r *Registry) Deactivate(ctx context.Context, actor identity.Principal, id string) (Record, error) {
	return r.setActive(ctx, actor, id, false)
}

// Activate returns a deactivated module to service.
func (r *Registry) Activate(ctx context.Context, actor identity.Principal, id string) (Record, error) {
	return r.setActive(ctx, actor, id, true)
}

func (r *Registry) setActive(ctx context.Context, actor identity.Principal, id string, active bool) (Record, error) {
	if err := r.authorize(actor, "change module activation", role.Admin); err != nil {
		return Record{}, err
	}
	rec, err := r.mutate(ctx, id, func(rec *Record) bool {
		if rec.Active == active {
			return false
		}
		rec.Active = active
		return true
	})
	if err != nil {
		return Record{}, err
	}
	log.Printf("registry: %s set module %s active=%t", actor, rec.ID, active)
	return rec, nil
}

// Resolve returns the record for id if it can currently be dispatched to.
func (r *Registry) Resolve(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[strings.TrimSpace(id)]
	switch {
	case !ok:
		return Record{}, apperrors.WithMetadata(apperrors.CodeModuleNotFound, "module "+id+" is not registered", moduleMeta(id))
	case !rec.Active:
		return Record{}, apperrors.WithMetadata(apperrors.CodeModuleInactive, "module "+id+" is inactive", moduleMeta(id))
	case rec.Paused:
		return Record{}, apperrors.WithMetadata(apperrors.CodeModulePaused, "module "+id+" is paused", moduleMeta(id))
	}
	return rec, nil
}

// Lookup returns the record for id regardless of its flags.
func (r *Registry) Lookup(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[strings.TrimSpace(id)]
	return rec, ok
}

// IsRegistered reports whether id has ever been registered.
func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Address returns the current handle of id.
func (r *Registry) Address(id string) (identity.Handle, bool) {
	rec, ok := r.Lookup(id)
	if !ok {
		return "", false
	}
	return rec.Address, true
}

// List returns every record ordered by id.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.modules))
	for _, rec := range r.modules {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
