// Package legacy reads a frozen export of the legacy store. Each top-level
// key of the snapshot names a migration step and holds that step's records.
package legacy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
)

// Format is a snapshot encoding.
type Format string

// Supported snapshot formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks a format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported snapshot extension %q", filepath.Ext(path))
}

type record struct {
	Key  string         `yaml:"key" toml:"key"`
	Data map[string]any `yaml:"data" toml:"data"`
}

// Snapshot is an immutable, validated legacy export.
type Snapshot struct {
	categories map[string][]migration.Record
}

// Load reads the snapshot at path.
func Load(path string) (*Snapshot, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a snapshot.
func Parse(data []byte, format Format) (*Snapshot, error) {
	raw := map[string][]record{}
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml snapshot: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &raw)
		if err != nil {
			return nil, fmt.Errorf("decode toml snapshot: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown snapshot field %s", undecoded[0])
		}
	default:
		return nil, fmt.Errorf("unsupported snapshot format %q", format)
	}

	snapshot := &Snapshot{categories: make(map[string][]migration.Record, len(raw))}
	for category, records := range raw {
		if !migration.Step(category).Valid() {
			return nil, fmt.Errorf("snapshot category %q is not a migration step", category)
		}
		seen := make(map[string]struct{}, len(records))
		out := make([]migration.Record, 0, len(records))
		for i, rec := range records {
			key := strings.TrimSpace(rec.Key)
			if key == "" {
				return nil, fmt.Errorf("%s record %d has no key", category, i)
			}
			if _, dup := seen[key]; dup {
				return nil, fmt.Errorf("%s record %q appears twice", category, key)
			}
			seen[key] = struct{}{}
			out = append(out, migration.Record{Key: key, Data: rec.Data})
		}
		snapshot.categories[category] = out
	}
	return snapshot, nil
}

// Records returns the records of category in file order. Unknown categories
// have no records.
func (s *Snapshot) Records(ctx context.Context, category string) ([]migration.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	records := s.categories[category]
	out := make([]migration.Record, len(records))
	copy(out, records)
	return out, nil
}

// Categories returns the categories present in the snapshot, sorted.
func (s *Snapshot) Categories() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.categories))
	for category := range s.categories {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of records.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, records := range s.categories {
		n += len(records)
	}
	return n
}

var _ migration.LegacySource = (*Snapshot)(nil)
