package dispatch

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/callctx"
)

// gateWeight is the exclusive weight; each shared holder takes one unit.
const gateWeight = 1 << 30

// Gate serializes top-level kernel work. Mutating dispatches, admin
// operations and migration steps hold it exclusively; read-only dispatches
// and introspection share it. Nested dispatch runs inside the holder's
// critical section and never touches the gate.
//
// Waiting is bounded by the caller's context. A context carrying an active
// invocation is rejected at once; any other context waits until the gate
// frees or the context ends.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(gateWeight)}
}

// Exclusive acquires the gate for mutation.
func (g *Gate) Exclusive(ctx context.Context) (release func(), err error) {
	return g.acquire(ctx, gateWeight)
}

// Shared acquires the gate for reading.
func (g *Gate) Shared(ctx context.Context) (release func(), err error) {
	return g.acquire(ctx, 1)
}

func (g *Gate) acquire(ctx context.Context, weight int64) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if callctx.Active(ctx) {
		return nil, callctx.ErrReentrantTopLevelCall
	}
	if err := g.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	return func() { g.sem.Release(weight) }, nil
}
