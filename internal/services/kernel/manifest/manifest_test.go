package manifest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/louisbranch/modkernel/internal/services/kernel/domain/identity"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/migration"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/registry"
	"github.com/louisbranch/modkernel/internal/services/kernel/domain/resource"
)

type fakeRegistrar struct {
	records map[string]registry.Record
	inits   map[string]string
}

func (f *fakeRegistrar) IsModuleRegistered(_ context.Context, id string) (bool, error) {
	_, ok := f.records[id]
	return ok, nil
}

func (f *fakeRegistrar) RegisterModule(_ context.Context, id string, address identity.Handle, initPayload []byte) (registry.Record, error) {
	if f.records == nil {
		f.records = map[string]registry.Record{}
		f.inits = map[string]string{}
	}
	rec := registry.Record{ID: id, Address: address, Version: 1, Active: true}
	f.records[id] = rec
	f.inits[id] = string(initPayload)
	return rec, nil
}

func TestLoadManifest(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "manifest.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Modules) != 2 {
		t.Fatalf("modules = %d, want 2", len(m.Modules))
	}
	if m.Modules[1].InitPayload != "goal=500" {
		t.Fatalf("init payload = %q, want %q", m.Modules[1].InitPayload, "goal=500")
	}
	if m.Migration["secondary-entities"] != "campaigns" {
		t.Fatalf("migration = %v", m.Migration)
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad id", data: "modules:\n  - id: Bad Id\n    address: lua:x.lua\n"},
		{name: "duplicate id", data: "modules:\n  - id: a\n    address: lua:a.lua\n  - id: a\n    address: lua:b.lua\n"},
		{name: "missing address", data: "modules:\n  - id: a\n"},
		{name: "unknown step", data: "migration:\n  campaigns: a\n"},
		{name: "empty target", data: "migration:\n  relations: \"\"\n"},
		{name: "unknown field", data: "modulez: []\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestApplyRegistersOnlyMissingModules(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "manifest.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	r := &fakeRegistrar{}
	if _, err := r.RegisterModule(context.Background(), "config", "lua:config-v2.lua", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := m.Apply(context.Background(), r)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if n != 1 {
		t.Fatalf("registered = %d, want 1", n)
	}
	if got := r.records["config"].Address; got != "lua:config-v2.lua" {
		t.Fatalf("config address = %q, want operator value kept", got)
	}
	if got := r.inits["campaigns"]; got != "goal=500" {
		t.Fatalf("campaigns init = %q, want %q", got, "goal=500")
	}
}

type staticSource map[string][]migration.Record

func (s staticSource) Records(_ context.Context, category string) ([]migration.Record, error) {
	return s[category], nil
}

type recordingForwarder struct {
	calls []string
}

func (f *recordingForwarder) Dispatch(_ context.Context, moduleID string, payload []byte, _ resource.Amount) ([]byte, error) {
	var env migration.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, err
	}
	f.calls = append(f.calls, moduleID+"/"+env.Key)
	return nil, nil
}

func TestBodiesForwardToTargets(t *testing.T) {
	m := Manifest{Migration: map[string]string{"secondary-entities": "campaigns"}}
	source := staticSource{"secondary-entities": {{Key: "c1"}, {Key: "c2"}}}

	bodies := m.Bodies(source)
	if len(bodies) != 1 {
		t.Fatalf("bodies = %d, want 1", len(bodies))
	}
	fwd := &recordingForwarder{}
	n, err := bodies[migration.SecondaryEntities].Run(context.Background(), migration.SecondaryEntities, fwd)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if n != 2 || len(fwd.calls) != 2 || fwd.calls[1] != "campaigns/c2" {
		t.Fatalf("processed = %d, calls = %v", n, fwd.calls)
	}
}
