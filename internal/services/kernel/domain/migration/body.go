package migration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
)

// Forwarder issues calls inside a running step.
type Forwarder interface {
	Dispatch(ctx context.Context, moduleID string, payload []byte, amount resource.Amount) ([]byte, error)
}

// Body does the work of one step and returns how many records it processed.
// Bodies must be idempotent per record: a step interrupted by a crash is run
// again from the start.
type Body interface {
	Run(ctx context.Context, step Step, fwd Forwarder) (uint64, error)
}

// BodyFunc adapts a function to Body.
type BodyFunc func(ctx context.Context, step Step, fwd Forwarder) (uint64, error)

// Run calls f.
func (f BodyFunc) Run(ctx context.Context, step Step, fwd Forwarder) (uint64, error) {
	return f(ctx, step, fwd)
}

// Record is one legacy row.
type Record struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data,omitempty"`
}

// LegacySource reads legacy rows by category. Each step reads the category
// named after itself.
type LegacySource interface {
	Records(ctx context.Context, category string) ([]Record, error)
}

// Envelope is the payload forwarded to a module for each legacy record.
// Key is stable across runs so modules can skip records they already hold.
type Envelope struct {
	Op   string         `json:"op"`
	Step Step           `json:"step"`
	Key  string         `json:"key"`
	Data map[string]any `json:"data,omitempty"`
}

// OpMigrate is the Envelope op for forwarded legacy records.
const OpMigrate = "migrate"

// ForwardRecords returns a Body that sends every legacy record of the step's
// category to moduleID, one dispatch per record.
func ForwardRecords(source LegacySource, moduleID string) Body {
	return BodyFunc(func(ctx context.Context, step Step, fwd Forwarder) (uint64, error) {
		records, err := source.Records(ctx, string(step))
		if err != nil {
			return 0, fmt.Errorf("read legacy %s records: %w", step, err)
		}
		var processed uint64
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return processed, err
			}
			payload, err := json.Marshal(Envelope{Op: OpMigrate, Step: step, Key: record.Key, Data: record.Data})
			if err != nil {
				return processed, fmt.Errorf("encode %s record %s: %w", step, record.Key, err)
			}
			if _, err := fwd.Dispatch(ctx, moduleID, payload, resource.Zero); err != nil {
				return processed, err
			}
			processed++
		}
		return processed, nil
	})
}
