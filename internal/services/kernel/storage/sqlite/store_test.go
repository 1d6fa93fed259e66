package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/modkernel/internal/services/kernel/storage"
)

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kernel.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	if err := first.PutModule(context.Background(), storage.ModuleRecord{
		ID: "campaigns", Address: "lua:campaigns.lua", Version: 1, Active: true,
		RegisteredAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put module: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer second.Close()
	modules, err := second.ListModules(context.Background())
	if err != nil {
		t.Fatalf("list modules: %v", err)
	}
	if len(modules) != 1 || modules[0].ID != "campaigns" {
		t.Fatalf("modules = %+v, want campaigns", modules)
	}
}

func TestBootstrapRolesAndMembership(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 9, 30, 0, 0, time.UTC)

	roles := []storage.RoleRecord{
		{ID: "ADMIN", Kind: storage.RoleKindSystem, CreatedAt: now},
		{ID: "OPERATOR", Kind: storage.RoleKindSystem, CreatedAt: now},
	}
	members := []storage.MemberRecord{
		{RoleID: "ADMIN", Principal: "alice", GrantedBy: "alice", GrantedAt: now},
		{RoleID: "OPERATOR", Principal: "alice", GrantedBy: "alice", GrantedAt: now},
	}
	if err := store.BootstrapRoles(ctx, roles, members); err != nil {
		t.Fatalf("bootstrap roles: %v", err)
	}

	gotRoles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if diff := cmp.Diff(roles, gotRoles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}

	if err := store.DeleteMember(ctx, "OPERATOR", "alice"); err != nil {
		t.Fatalf("delete member: %v", err)
	}
	gotMembers, err := store.ListMembers(ctx)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if diff := cmp.Diff(members[:1], gotMembers); diff != "" {
		t.Fatalf("members mismatch (-want +got):\n%s", diff)
	}
}

func TestBootstrapRolesRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

	err := store.BootstrapRoles(ctx,
		[]storage.RoleRecord{{ID: "ADMIN", Kind: storage.RoleKindSystem, CreatedAt: now}},
		[]storage.MemberRecord{
			{RoleID: "ADMIN", Principal: "alice", GrantedBy: "alice", GrantedAt: now},
			{RoleID: "ADMIN", Principal: "", GrantedBy: "alice", GrantedAt: now},
		},
	)
	if err == nil {
		t.Fatal("expected bootstrap error")
	}
	roles, err := store.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("roles = %+v, want none after rollback", roles)
	}
}

func TestPutModuleUpdatesInPlace(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	registered := time.Date(2026, time.March, 2, 11, 0, 0, 0, time.UTC)
	record := storage.ModuleRecord{
		ID: "votes", Address: "lua:votes_v1.lua", Version: 1, Active: true,
		RegisteredAt: registered, UpdatedAt: registered,
	}
	if err := store.PutModule(ctx, record); err != nil {
		t.Fatalf("put module: %v", err)
	}

	record.Address = "lua:votes_v2.lua"
	record.Version = 2
	record.Paused = true
	record.UpdatedAt = registered.Add(time.Hour)
	if err := store.PutModule(ctx, record); err != nil {
		t.Fatalf("update module: %v", err)
	}

	modules, err := store.ListModules(ctx)
	if err != nil {
		t.Fatalf("list modules: %v", err)
	}
	if diff := cmp.Diff([]storage.ModuleRecord{record}, modules); diff != "" {
		t.Fatalf("modules mismatch (-want +got):\n%s", diff)
	}
}

func TestPutStepRecordsFlagAndCount(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	step := storage.StepRecord{Name: "core-config", Completed: true, Processed: 7, UpdatedAt: now}
	if err := store.PutStep(ctx, step); err != nil {
		t.Fatalf("put step: %v", err)
	}

	steps, err := store.ListSteps(ctx)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if diff := cmp.Diff([]storage.StepRecord{step}, steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestPutBalancesUpsertsAtomically(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, time.March, 2, 13, 0, 0, 0, time.UTC)
	first := []storage.BalanceRecord{
		{Principal: "alice", Amount: "340282366920938463463374607431768211455", UpdatedAt: now},
		{Principal: "module:treasury", Amount: "0", UpdatedAt: now},
	}
	if err := store.PutBalances(ctx, first); err != nil {
		t.Fatalf("put balances: %v", err)
	}

	next := []storage.BalanceRecord{
		{Principal: "alice", Amount: "60", UpdatedAt: now.Add(time.Minute)},
		{Principal: "", Amount: "40", UpdatedAt: now.Add(time.Minute)},
	}
	if err := store.PutBalances(ctx, next); err == nil {
		t.Fatal("expected error for empty principal")
	}

	balances, err := store.ListBalances(ctx)
	if err != nil {
		t.Fatalf("list balances: %v", err)
	}
	if diff := cmp.Diff(first, balances); diff != "" {
		t.Fatalf("balances mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ListModules(ctx); err == nil {
		t.Fatal("expected canceled context error")
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "kernel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
