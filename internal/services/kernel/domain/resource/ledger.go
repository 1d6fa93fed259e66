package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

// ErrInsufficientResources matches any transfer rejected for lack of balance.
var ErrInsufficientResources = apperrors.New(apperrors.CodeInsufficientResources, "insufficient resources")

// Ledger moves amounts between principals.
type Ledger interface {
	Balance(ctx context.Context, principal identity.Principal) (Amount, error)
	Transfer(ctx context.Context, from, to identity.Principal, amount Amount) error
}

// Minter adds new value to a principal's balance.
type Minter interface {
	Credit(ctx context.Context, principal identity.Principal, amount Amount) error
}

// MemoryLedger keeps balances in memory. A ledger built by LoadLedger writes
// every change through to its store before applying it.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[identity.Principal]Amount
	backing  storage.LedgerStore
	now      func() time.Time
}

// NewMemoryLedger creates an empty process-local ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[identity.Principal]Amount),
		now:      time.Now,
	}
}

// LoadLedger restores balances from backing.
func LoadLedger(ctx context.Context, backing storage.LedgerStore) (*MemoryLedger, error) {
	if backing == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	records, err := backing.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	l := NewMemoryLedger()
	l.backing = backing
	for _, rec := range records {
		amount, err := ParseAmount(rec.Amount)
		if err != nil {
			return nil, fmt.Errorf("balance of %s: %w", rec.Principal, err)
		}
		l.balances[identity.Principal(rec.Principal)] = amount
	}
	return l, nil
}

// persist writes next through to the backing store. Callers hold mu.
func (l *MemoryLedger) persist(ctx context.Context, next map[identity.Principal]Amount) error {
	if l.backing == nil {
		return nil
	}
	now := l.now().UTC()
	records := make([]storage.BalanceRecord, 0, len(next))
	for principal, amount := range next {
		records = append(records, storage.BalanceRecord{
			Principal: principal.String(),
			Amount:    amount.String(),
			UpdatedAt: now,
		})
	}
	if err := l.backing.PutBalances(ctx, records); err != nil {
		return fmt.Errorf("persist balances: %w", err)
	}
	return nil
}

// Credit mints amount into principal's balance.
func (l *MemoryLedger) Credit(ctx context.Context, principal identity.Principal, amount Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next, ok := l.balances[principal].Add(amount)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "credit overflows balance",
			map[string]string{"principal": principal.String()})
	}
	if err := l.persist(ctx, map[identity.Principal]Amount{principal: next}); err != nil {
		return err
	}
	l.balances[principal] = next
	return nil
}

// Balance returns principal's current balance.
func (l *MemoryLedger) Balance(ctx context.Context, principal identity.Principal) (Amount, error) {
	if err := ctx.Err(); err != nil {
		return Amount{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[principal], nil
}

// Transfer moves amount from one principal to another. A zero amount is a
// no-op; a short balance leaves both sides untouched.
func (l *MemoryLedger) Transfer(ctx context.Context, from, to identity.Principal, amount Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount.IsZero() || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	debited, ok := l.balances[from].Sub(amount)
	if !ok {
		return apperrors.WrapWithMetadata(apperrors.CodeInsufficientResources,
			"insufficient resources for transfer",
			map[string]string{"principal": from.String(), "amount": amount.String()},
			ErrInsufficientResources)
	}
	credited, ok := l.balances[to].Add(amount)
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument, "transfer overflows balance",
			map[string]string{"principal": to.String()})
	}
	if err := l.persist(ctx, map[identity.Principal]Amount{from: debited, to: credited}); err != nil {
		return err
	}
	l.balances[from] = debited
	l.balances[to] = credited
	return nil
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Minter = (*MemoryLedger)(nil)
)
