package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

const upsertRoleSQL = `INSERT INTO roles (id, kind, module_id, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

const upsertMemberSQL = `INSERT INTO role_members (role_id, principal, granted_by, granted_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(role_id, principal) DO UPDATE SET
	  granted_by = excluded.granted_by,
	  granted_at = excluded.granted_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putRole(ctx context.Context, db execer, role storage.RoleRecord) error {
	id := strings.TrimSpace(role.ID)
	if id == "" {
		return fmt.Errorf("role id is required")
	}
	if _, err := db.ExecContext(ctx, upsertRoleSQL, id, role.Kind, role.ModuleID, toMillis(role.CreatedAt)); err != nil {
		return fmt.Errorf("put role %s: %w", id, err)
	}
	return nil
}

func putMember(ctx context.Context, db execer, member storage.MemberRecord) error {
	if strings.TrimSpace(member.RoleID) == "" || strings.TrimSpace(member.Principal) == "" {
		return fmt.Errorf("role id and principal are required")
	}
	if _, err := db.ExecContext(ctx, upsertMemberSQL,
		member.RoleID,
		member.Principal,
		member.GrantedBy,
		toMillis(member.GrantedAt),
	); err != nil {
		return fmt.Errorf("put member %s/%s: %w", member.RoleID, member.Principal, err)
	}
	return nil
}

// ListRoles returns every declared role ordered by id.
func (s *Store) ListRoles(ctx context.Context) ([]storage.RoleRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, kind, module_id, created_at FROM roles ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []storage.RoleRecord
	for rows.Next() {
		var role storage.RoleRecord
		var createdAt int64
		if err := rows.Scan(&role.ID, &role.Kind, &role.ModuleID, &createdAt); err != nil {
			return nil, fmt.Errorf("list roles: %w", err)
		}
		role.CreatedAt = fromMillis(createdAt)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// ListMembers returns every role membership ordered by role then principal.
func (s *Store) ListMembers(ctx context.Context) ([]storage.MemberRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT role_id, principal, granted_by, granted_at
		   FROM role_members
		  ORDER BY role_id ASC, principal ASC`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []storage.MemberRecord
	for rows.Next() {
		var member storage.MemberRecord
		var grantedAt int64
		if err := rows.Scan(&member.RoleID, &member.Principal, &member.GrantedBy, &grantedAt); err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		member.GrantedAt = fromMillis(grantedAt)
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// BootstrapRoles writes roles and members in a single transaction.
func (s *Store) BootstrapRoles(ctx context.Context, roles []storage.RoleRecord, members []storage.MemberRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}
	for _, role := range roles {
		if err := putRole(ctx, tx, role); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for _, member := range members {
		if err := putMember(ctx, tx, member); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// PutRole inserts a role if it is not already declared.
func (s *Store) PutRole(ctx context.Context, role storage.RoleRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return putRole(ctx, s.sqlDB, role)
}

// PutMember inserts or refreshes one membership.
func (s *Store) PutMember(ctx context.Context, member storage.MemberRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return putMember(ctx, s.sqlDB, member)
}

// DeleteMember removes one membership. Missing rows are not an error.
func (s *Store) DeleteMember(ctx context.Context, roleID, principal string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM role_members WHERE role_id = ? AND principal = ?`,
		roleID, principal,
	); err != nil {
		return fmt.Errorf("delete member %s/%s: %w", roleID, principal, err)
	}
	return nil
}
