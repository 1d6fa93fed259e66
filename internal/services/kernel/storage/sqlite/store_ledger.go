package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

const upsertBalanceSQL = `INSERT INTO balances (principal, amount, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(principal) DO UPDATE SET
	  amount = excluded.amount,
	  updated_at = excluded.updated_at`

// ListBalances returns every stored balance ordered by principal.
func (s *Store) ListBalances(ctx context.Context) ([]storage.BalanceRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT principal, amount, updated_at FROM balances ORDER BY principal ASC`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	var balances []storage.BalanceRecord
	for rows.Next() {
		var (
			balance   storage.BalanceRecord
			updatedAt int64
		)
		if err := rows.Scan(&balance.Principal, &balance.Amount, &updatedAt); err != nil {
			return nil, fmt.Errorf("list balances: %w", err)
		}
		balance.UpdatedAt = fromMillis(updatedAt)
		balances = append(balances, balance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	return balances, nil
}

// PutBalances upserts every balance in a single transaction.
func (s *Store) PutBalances(ctx context.Context, balances []storage.BalanceRecord) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin balances: %w", err)
	}
	for _, balance := range balances {
		principal := strings.TrimSpace(balance.Principal)
		if principal == "" {
			_ = tx.Rollback()
			return fmt.Errorf("balance principal is required")
		}
		if _, err := tx.ExecContext(ctx, upsertBalanceSQL, principal, balance.Amount, toMillis(balance.UpdatedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put balance %s: %w", principal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit balances: %w", err)
	}
	return nil
}
