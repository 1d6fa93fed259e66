package identity

import "testing"

func TestModulePrincipal(t *testing.T) {
	p := ModulePrincipal(" campaigns ")
	if p != "module:campaigns" {
		t.Fatalf("ModulePrincipal = %q, want %q", p, "module:campaigns")
	}
	if !p.IsModule() {
		t.Fatal("expected module principal")
	}
	if Principal("alice").IsModule() {
		t.Fatal("expected external principal")
	}
}

func TestPrincipalValid(t *testing.T) {
	tests := []struct {
		in   Principal
		want bool
	}{
		{"alice", true},
		{"", false},
		{" alice", false},
		{"alice\n", false},
	}
	for _, tc := range tests {
		if got := tc.in.Valid(); got != tc.want {
			t.Fatalf("Principal(%q).Valid() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestHandleScheme(t *testing.T) {
	tests := []struct {
		in   Handle
		want string
	}{
		{"lua:campaigns.lua", "lua"},
		{"go:campaigns@v2", "go"},
		{"campaigns", ""},
	}
	for _, tc := range tests {
		if got := tc.in.Scheme(); got != tc.want {
			t.Fatalf("Handle(%q).Scheme() = %q, want %q", tc.in, got, tc.want)
		}
	}
}
