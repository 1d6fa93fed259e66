// Package role holds the kernel's named roles and their members.
//
// The system roles are fixed when the kernel is initialized. Each registered
// module adds one "<module>-admin" role whose holders may delegate it. Every
// membership change is written through to storage before it becomes visible
// in memory.
package role

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

// ID names a role.
type ID string

// System roles.
const (
	Admin     ID = "ADMIN"
	Manager   ID = "MANAGER"
	Operator  ID = "OPERATOR"
	Emergency ID = "EMERGENCY"
)

const moduleAdminSuffix = "-admin"

// SystemRoles lists the closed set of roles created at initialization.
func SystemRoles() []ID {
	return []ID{Admin, Manager, Operator, Emergency}
}

// ModuleAdmin returns the module-scoped admin role for moduleID.
func ModuleAdmin(moduleID string) ID {
	return ID(strings.TrimSpace(moduleID) + moduleAdminSuffix)
}

var (
	// ErrUnauthorized matches any role mutation the actor may not perform.
	ErrUnauthorized = apperrors.New(apperrors.CodeUnauthorized, "unauthorized")
	// ErrRoleNotFound matches grants or revokes of undeclared roles.
	ErrRoleNotFound = apperrors.New(apperrors.CodeRoleNotFound, "role not found")
	// ErrLastAdmin matches an attempt to revoke the final ADMIN member.
	ErrLastAdmin = apperrors.New(apperrors.CodeLastAdmin, "cannot revoke the last admin")
	// ErrAlreadyInitialized matches a second bootstrap.
	ErrAlreadyInitialized = apperrors.New(apperrors.CodeAlreadyInitialized, "roles are already initialized")
)

// Info describes one role for introspection.
type Info struct {
	ID       ID
	ModuleID string
	Members  []identity.Principal
}

type entry struct {
	kind     string
	moduleID string
	members  map[identity.Principal]struct{}
}

func (e *entry) delegable() bool {
	return e.kind == storage.RoleKindModule
}

// Store is the role table.
type Store struct {
	mu      sync.RWMutex
	roles   map[ID]*entry
	backing storage.RoleStore
	now     func() time.Time
}

// Load builds a Store from persisted roles.
func Load(ctx context.Context, backing storage.RoleStore) (*Store, error) {
	if backing == nil {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "role storage is required")
	}
	s := &Store{
		roles:   make(map[ID]*entry),
		backing: backing,
		now:     time.Now,
	}
	roles, err := backing.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range roles {
		s.roles[ID(record.ID)] = &entry{
			kind:     record.Kind,
			moduleID: record.ModuleID,
			members:  make(map[identity.Principal]struct{}),
		}
	}
	members, err := backing.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range members {
		e, ok := s.roles[ID(record.RoleID)]
		if !ok {
			continue
		}
		e.members[identity.Principal(record.Principal)] = struct{}{}
	}
	return s, nil
}

// Initialized reports whether the system roles exist.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roles[Admin]
	return ok
}

// Bootstrap creates every system role with principal as its only member, in
// one storage transaction.
func (s *Store) Bootstrap(ctx context.Context, principal identity.Principal) error {
	if !principal.Valid() || principal.IsModule() {
		return apperrors.New(apperrors.CodeInvalidArgument, "bootstrap principal must be an external principal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[Admin]; ok {
		return ErrAlreadyInitialized
	}

	now := s.now().UTC()
	roles := make([]storage.RoleRecord, 0, len(SystemRoles()))
	members := make([]storage.MemberRecord, 0, len(SystemRoles()))
	for _, id := range SystemRoles() {
		roles = append(roles, storage.RoleRecord{ID: string(id), Kind: storage.RoleKindSystem, CreatedAt: now})
		members = append(members, storage.MemberRecord{
			RoleID:    string(id),
			Principal: principal.String(),
			GrantedBy: principal.String(),
			GrantedAt: now,
		})
	}
	if err := s.backing.BootstrapRoles(ctx, roles, members); err != nil {
		return err
	}
	for _, id := range SystemRoles() {
		s.roles[id] = &entry{
			kind:    storage.RoleKindSystem,
			members: map[identity.Principal]struct{}{principal: {}},
		}
	}
	log.Printf("roles: bootstrapped system roles for %s", principal)
	return nil
}

// HasRole reports whether principal currently holds id.
func (s *Store) HasRole(id ID, principal identity.Principal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.roles[id]
	if !ok {
		return false
	}
	_, ok = e.members[principal]
	return ok
}

// HasAny reports whether principal holds at least one of ids.
func (s *Store) HasAny(principal identity.Principal, ids ...ID) bool {
	for _, id := range ids {
		if s.HasRole(id, principal) {
			return true
		}
	}
	return false
}

// EnsureModuleRole declares the admin role of moduleID if it is missing.
func (s *Store) EnsureModuleRole(ctx context.Context, moduleID string) (ID, error) {
	id := ModuleAdmin(moduleID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; ok {
		return id, nil
	}
	if err := s.backing.PutRole(ctx, storage.RoleRecord{
		ID:        string(id),
		Kind:      storage.RoleKindModule,
		ModuleID:  moduleID,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return "", err
	}
	s.roles[id] = &entry{
		kind:     storage.RoleKindModule,
		moduleID: moduleID,
		members:  make(map[identity.Principal]struct{}),
	}
	return id, nil
}

// authorizeLocked checks actor against the delegation rules for id. The
// caller holds s.mu.
func (s *Store) authorizeLocked(id ID, actor identity.Principal) (*entry, error) {
	e, exists := s.roles[id]
	if admins, ok := s.roles[Admin]; ok {
		if _, isAdmin := admins.members[actor]; isAdmin {
			if !exists {
				return nil, apperrors.WithMetadata(apperrors.CodeRoleNotFound, "role not found",
					map[string]string{"role": string(id)})
			}
			return e, nil
		}
	}
	if exists && e.delegable() {
		if _, holds := e.members[actor]; holds {
			return e, nil
		}
	}
	return nil, apperrors.WithMetadata(apperrors.CodeUnauthorized, "unauthorized to change role membership",
		map[string]string{"role": string(id), "principal": actor.String()})
}

// Grant adds principal to id. The actor must hold ADMIN, or hold id when id
// is a module admin role. Granting an existing membership is a no-op.
func (s *Store) Grant(ctx context.Context, id ID, principal, actor identity.Principal) error {
	if !principal.Valid() || principal.IsModule() {
		return apperrors.New(apperrors.CodeInvalidArgument, "roles can only be granted to external principals")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.authorizeLocked(id, actor)
	if err != nil {
		return err
	}
	if _, ok := e.members[principal]; ok {
		return nil
	}
	if err := s.backing.PutMember(ctx, storage.MemberRecord{
		RoleID:    string(id),
		Principal: principal.String(),
		GrantedBy: actor.String(),
		GrantedAt: s.now().UTC(),
	}); err != nil {
		return err
	}
	e.members[principal] = struct{}{}
	log.Printf("roles: %s granted %s to %s", actor, id, principal)
	return nil
}

// Revoke removes principal from id under the same rules as Grant. The last
// ADMIN member cannot be revoked.
func (s *Store) Revoke(ctx context.Context, id ID, principal, actor identity.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.authorizeLocked(id, actor)
	if err != nil {
		return err
	}
	if _, ok := e.members[principal]; !ok {
		return nil
	}
	if id == Admin && len(e.members) == 1 {
		return ErrLastAdmin
	}
	if err := s.backing.DeleteMember(ctx, string(id), principal.String()); err != nil {
		return err
	}
	delete(e.members, principal)
	log.Printf("roles: %s revoked %s from %s", actor, id, principal)
	return nil
}

// List returns every role with its members, ordered by id.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.roles))
	for id, e := range s.roles {
		info := Info{ID: id, ModuleID: e.moduleID, Members: make([]identity.Principal, 0, len(e.members))}
		for member := range e.members {
			info.Members = append(info.Members, member)
		}
		sort.Slice(info.Members, func(i, j int) bool { return info.Members[i] < info.Members[j] })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
