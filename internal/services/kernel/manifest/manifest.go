// Package manifest declares the modules a kernel registers at boot and the
// module each migration step forwards legacy records to.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/louisbranch/modkernel/internal/platform/errors"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/registry"
)

// Module is one boot-time registration.
type Module struct {
	ID          string `yaml:"id"`
	Address     string `yaml:"address"`
	InitPayload string `yaml:"init_payload"`
}

// Manifest is the decoded manifest file.
type Manifest struct {
	Modules []Module `yaml:"modules"`
	// Migration maps a step name to the module receiving its records.
	Migration map[string]string `yaml:"migration"`
}

// Load reads and validates the manifest at path.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate checks ids, addresses and step targets.
func (m Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Modules))
	for i, mod := range m.Modules {
		if !registry.ValidID(mod.ID) {
			return fmt.Errorf("module %d: invalid id %q", i, mod.ID)
		}
		if _, dup := seen[mod.ID]; dup {
			return fmt.Errorf("module %q is declared twice", mod.ID)
		}
		seen[mod.ID] = struct{}{}
		if !identity.Handle(mod.Address).Valid() {
			return fmt.Errorf("module %q: address is required", mod.ID)
		}
	}
	for name, target := range m.Migration {
		if !migration.Step(name).Valid() {
			return fmt.Errorf("migration target for unknown step %q", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("migration step %q has no target module", name)
		}
	}
	return nil
}

// Registrar is the slice of the kernel that boot registration uses.
type Registrar interface {
	IsModuleRegistered(ctx context.Context, id string) (bool, error)
	RegisterModule(ctx context.Context, id string, address identity.Handle, initPayload []byte) (registry.Record, error)
}

// Apply registers every manifest module that is not registered yet. Modules
// already in the registry are left alone, so an address changed in the
// manifest is not applied over an operator's update. ctx must carry an
// ADMIN principal.
func (m Manifest) Apply(ctx context.Context, r Registrar) (int, error) {
	registered := 0
	for _, mod := range m.Modules {
		exists, err := r.IsModuleRegistered(ctx, mod.ID)
		if err != nil {
			return registered, fmt.Errorf("look up %s: %w", mod.ID, err)
		}
		if exists {
			continue
		}
		var initPayload []byte
		if mod.InitPayload != "" {
			initPayload = []byte(mod.InitPayload)
		}
		rec, err := r.RegisterModule(ctx, mod.ID, identity.Handle(mod.Address), initPayload)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeModuleAlreadyRegistered) {
				continue
			}
			return registered, fmt.Errorf("register %s: %w", mod.ID, err)
		}
		log.Printf("manifest registered module %s at %s", rec.ID, rec.Address)
		registered++
	}
	return registered, nil
}

// Bodies returns a forwarding body for every step with a target module.
func (m Manifest) Bodies(source migration.LegacySource) map[migration.Step]migration.Body {
	bodies := make(map[migration.Step]migration.Body, len(m.Migration))
	for name, target := range m.Migration {
		bodies[migration.Step(name)] = migration.ForwardRecords(source, strings.TrimSpace(target))
	}
	return bodies
}
