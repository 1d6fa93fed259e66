// Package memory provides a process-local kernel store for tests and
// ephemeral kernels.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

type memberKey struct {
	roleID    string
	principal string
}

// Store keeps kernel state in maps guarded by a mutex.
type Store struct {
	mu       sync.Mutex
	roles    map[string]storage.RoleRecord
	members  map[memberKey]storage.MemberRecord
	modules  map[string]storage.ModuleRecord
	steps    map[string]storage.StepRecord
	balances map[string]storage.BalanceRecord
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		roles:    make(map[string]storage.RoleRecord),
		members:  make(map[memberKey]storage.MemberRecord),
		modules:  make(map[string]storage.ModuleRecord),
		steps:    make(map[string]storage.StepRecord),
		balances: make(map[string]storage.BalanceRecord),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ListRoles returns roles ordered by id.
func (s *Store) ListRoles(ctx context.Context) ([]storage.RoleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.RoleRecord, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListMembers returns memberships ordered by role then principal.
func (s *Store) ListMembers(ctx context.Context) ([]storage.MemberRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.MemberRecord, 0, len(s.members))
	for _, member := range s.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].Principal < out[j].Principal
	})
	return out, nil
}

// BootstrapRoles writes roles and members under one lock acquisition.
func (s *Store) BootstrapRoles(ctx context.Context, roles []storage.RoleRecord, members []storage.MemberRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		s.roles[role.ID] = role
	}
	for _, member := range members {
		s.members[memberKey{roleID: member.RoleID, principal: member.Principal}] = member
	}
	return nil
}

// PutRole upserts a role.
func (s *Store) PutRole(ctx context.Context, role storage.RoleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = role
	return nil
}

// PutMember upserts a membership.
func (s *Store) PutMember(ctx context.Context, member storage.MemberRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[memberKey{roleID: member.RoleID, principal: member.Principal}] = member
	return nil
}

// DeleteMember removes a membership; missing rows are ignored.
func (s *Store) DeleteMember(ctx context.Context, roleID, principal string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, memberKey{roleID: roleID, principal: principal})
	return nil
}

// ListModules returns modules ordered by id.
func (s *Store) ListModules(ctx context.Context) ([]storage.ModuleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.ModuleRecord, 0, len(s.modules))
	for _, module := range s.modules {
		out = append(out, module)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutModule upserts a module record.
func (s *Store) PutModule(ctx context.Context, module storage.ModuleRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[module.ID] = module
	return nil
}

// ListSteps returns migration steps ordered by name.
func (s *Store) ListSteps(ctx context.Context) ([]storage.StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.StepRecord, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutStep upserts a migration step record.
func (s *Store) PutStep(ctx context.Context, step storage.StepRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.Name] = step
	return nil
}


// ListBalances returns balances ordered by principal.
func (s *Store) ListBalances(ctx context.Context) ([]storage.BalanceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.BalanceRecord, 0, len(s.balances))
	for _, balance := range s.balances {
		out = append(out, balance)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

// PutBalances upserts every balance.
func (s *Store) PutBalances(ctx context.Context, balances []storage.BalanceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, balance := range balances {
		s.balances[balance.Principal] = balance
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
