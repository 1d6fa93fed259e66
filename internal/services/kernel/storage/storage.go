// Package storage defines the durable state layout of the kernel: the role
// table, the module table, the migration step table and the resource
// balances. Caller contexts are never persisted.
package storage

import (
	"context"
	"time"
)

// Role kinds persisted in RoleRecord.Kind.
const (
	RoleKindSystem = "system"
	RoleKindModule = "module"
)

// RoleRecord is one declared role.
type RoleRecord struct {
	ID        string
	Kind      string
	ModuleID  string
	CreatedAt time.Time
}

// MemberRecord is one role membership.
type MemberRecord struct {
	RoleID    string
	Principal string
	GrantedBy string
	GrantedAt time.Time
}

// RoleStore persists roles and their members.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]RoleRecord, error)
	ListMembers(ctx context.Context) ([]MemberRecord, error)
	// BootstrapRoles writes the system roles and their initial members in
	// one transaction.
	BootstrapRoles(ctx context.Context, roles []RoleRecord, members []MemberRecord) error
	PutRole(ctx context.Context, role RoleRecord) error
	PutMember(ctx context.Context, member MemberRecord) error
	DeleteMember(ctx context.Context, roleID, principal string) error
}

// ModuleRecord is one registered module.
type ModuleRecord struct {
	ID           string
	Address      string
	Version      uint64
	Active       bool
	Paused       bool
	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// ModuleStore persists module registry records.
type ModuleStore interface {
	ListModules(ctx context.Context) ([]ModuleRecord, error)
	PutModule(ctx context.Context, module ModuleRecord) error
}

// StepRecord is the persisted state of one migration step.
type StepRecord struct {
	Name      string
	Completed bool
	Processed uint64
	UpdatedAt time.Time
}

// MigrationStore persists migration step progress.
type MigrationStore interface {
	ListSteps(ctx context.Context) ([]StepRecord, error)
	PutStep(ctx context.Context, step StepRecord) error
}

// BalanceRecord is one principal's resource balance. Amount is base 10 so
// that 128-bit values survive storage.
type BalanceRecord struct {
	Principal string
	Amount    string
	UpdatedAt time.Time
}

// LedgerStore persists resource balances.
type LedgerStore interface {
	ListBalances(ctx context.Context) ([]BalanceRecord, error)
	// PutBalances writes every record in one transaction.
	PutBalances(ctx context.Context, balances []BalanceRecord) error
}

// Store is the full kernel persistence surface.
type Store interface {
	RoleStore
	ModuleStore
	MigrationStore
	LedgerStore
	Close() error
}
