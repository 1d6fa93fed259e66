package dispatch

import (
	"context"
	"log"
	"sync"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
)

type transfer struct {
	from   identity.Principal
	to     identity.Principal
	amount resource.Amount
}

// journal records every transfer of one top-level invocation so a failing
// layer can undo its own transfers and those of the calls it nested.
type journal struct {
	mu      sync.Mutex
	entries []transfer
}

type journalKey struct{}

func withJournal(ctx context.Context, j *journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

func (j *journal) mark() int {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *journal) record(t transfer) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, t)
}

// rollback reverses the transfers made after mark, newest first, and drops
// them from the journal.
func (j *journal) rollback(ctx context.Context, ledger resource.Ledger, mark int) error {
	if j == nil || ledger == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if mark >= len(j.entries) {
		return nil
	}
	var firstErr error
	for i := len(j.entries) - 1; i >= mark; i-- {
		t := j.entries[i]
		if err := ledger.Transfer(ctx, t.to, t.from, t.amount); err != nil {
			log.Printf("dispatch: rollback of %s from %s to %s failed: %v", t.amount, t.from, t.to, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	j.entries = j.entries[:mark]
	return firstErr
}
