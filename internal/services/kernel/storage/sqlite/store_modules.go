package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

// ListModules returns every module record ordered by id.
func (s *Store) ListModules(ctx context.Context) ([]storage.ModuleRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, address, version, active, paused, registered_at, updated_at
		   FROM modules
		  ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var modules []storage.ModuleRecord
	for rows.Next() {
		var (
			module       storage.ModuleRecord
			version      int64
			active       int
			paused       int
			registeredAt int64
			updatedAt    int64
		)
		if err := rows.Scan(&module.ID, &module.Address, &version, &active, &paused, &registeredAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list modules: %w", err)
		}
		module.Version = uint64(version)
		module.Active = active != 0
		module.Paused = paused != 0
		module.RegisteredAt = fromMillis(registeredAt)
		module.UpdatedAt = fromMillis(updatedAt)
		modules = append(modules, module)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return modules, nil
}

// PutModule inserts or replaces one module record.
func (s *Store) PutModule(ctx context.Context, module storage.ModuleRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id := strings.TrimSpace(module.ID)
	if id == "" {
		return fmt.Errorf("module id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO modules (id, address, version, active, paused, registered_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   address = excluded.address,
		   version = excluded.version,
		   active = excluded.active,
		   paused = excluded.paused,
		   updated_at = excluded.updated_at`,
		id,
		module.Address,
		int64(module.Version),
		boolToInt(module.Active),
		boolToInt(module.Paused),
		toMillis(module.RegisteredAt),
		toMillis(module.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put module %s: %w", id, err)
	}
	return nil
}
