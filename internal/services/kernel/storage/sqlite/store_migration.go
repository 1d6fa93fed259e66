package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

// ListSteps returns every recorded migration step ordered by name.
func (s *Store) ListSteps(ctx context.Context) ([]storage.StepRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name, completed, processed, updated_at FROM migration_steps ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list migration steps: %w", err)
	}
	defer rows.Close()

	var steps []storage.StepRecord
	for rows.Next() {
		var (
			step      storage.StepRecord
			completed int
			processed int64
			updatedAt int64
		)
		if err := rows.Scan(&step.Name, &completed, &processed, &updatedAt); err != nil {
			return nil, fmt.Errorf("list migration steps: %w", err)
		}
		step.Completed = completed != 0
		step.Processed = uint64(processed)
		step.UpdatedAt = fromMillis(updatedAt)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list migration steps: %w", err)
	}
	return steps, nil
}

// PutStep writes the completion flag and processed count of a step in one
// statement.
func (s *Store) PutStep(ctx context.Context, step storage.StepRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	name := strings.TrimSpace(step.Name)
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO migration_steps (name, completed, processed, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   completed = excluded.completed,
		   processed = excluded.processed,
		   updated_at = excluded.updated_at`,
		name,
		boolToInt(step.Completed),
		int64(step.Processed),
		toMillis(step.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put migration step %s: %w", name, err)
	}
	return nil
}
