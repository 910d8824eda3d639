package policy

import (
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
)

func TestWildcardMatching(t *testing.T) {
	p := &SecurityPolicy{Name: "p", ServerPatterns: []string{"files-*", "db"}, ToolPatterns: []string{"read_*", "*_list"}}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		server, tool string
		want         bool
	}{
		{"files-prod", "read_file", true},
		{"db", "table_list", true},
		{"files-prod", "write_file", false},
		{"dbx", "read_file", false},
		{"files.prod", "read_file", false},
	}
	for _, tt := range tests {
		got := p.MatchesServer(tt.server) && p.MatchesTool(tt.tool)
		if got != tt.want {
			t.Errorf("match(%q, %q) = %v, want %v", tt.server, tt.tool, got, tt.want)
		}
	}

	// Regex metacharacters in patterns are literal.
	q := &SecurityPolicy{Name: "q", ServerPatterns: []string{"a.b"}}
	q.Validate()
	if q.MatchesServer("axb") {
		t.Error("dot in a pattern must match literally")
	}
}

func TestSelect_MostRestrictiveWins(t *testing.T) {
	broad := &SecurityPolicy{Name: "broad", ServerPatterns: []string{"*"}, AllowedPermissions: []Permission{PermRead, PermWrite, PermExecute}}
	narrow := &SecurityPolicy{Name: "narrow", ServerPatterns: []string{"files"}, AllowedPermissions: []Permission{PermExecute}}
	for _, p := range []*SecurityPolicy{broad, narrow} {
		if err := p.Validate(); err != nil {
			t.Fatal(err)
		}
	}

	got := Select([]*SecurityPolicy{broad, narrow}, "files", "read_file")
	if got.Name != "narrow" {
		t.Errorf("selected %q, want narrow", got.Name)
	}
	got = Select([]*SecurityPolicy{broad, narrow}, "other", "read_file")
	if got.Name != "broad" {
		t.Errorf("selected %q, want broad", got.Name)
	}
}

func TestSelect_TieBrokenByName(t *testing.T) {
	a := &SecurityPolicy{Name: "alpha", AllowedPermissions: []Permission{PermRead}}
	b := &SecurityPolicy{Name: "beta", AllowedPermissions: []Permission{PermExecute}}
	for _, order := range [][]*SecurityPolicy{{a, b}, {b, a}} {
		if got := Select(order, "s", "t"); got.Name != "alpha" {
			t.Errorf("selected %q, want alpha regardless of order", got.Name)
		}
	}
}

func TestSelect_DuplicatePermissionsCountOnce(t *testing.T) {
	dup := &SecurityPolicy{Name: "dup", AllowedPermissions: []Permission{PermExecute, PermExecute, PermExecute}}
	two := &SecurityPolicy{Name: "two", AllowedPermissions: []Permission{PermRead, PermExecute}}
	if got := Select([]*SecurityPolicy{two, dup}, "s", "t"); got.Name != "dup" {
		t.Errorf("selected %q, want dup", got.Name)
	}
}

func TestSelect_FallbackGrantsNothing(t *testing.T) {
	p := &SecurityPolicy{Name: "files", ServerPatterns: []string{"files"}, AllowedPermissions: []Permission{PermExecute}}
	got := Select([]*SecurityPolicy{p}, "unknown", "tool")
	if got.Name != DefaultPolicyName {
		t.Fatalf("selected %q, want fallback", got.Name)
	}
	if len(got.AllowedPermissions) != 0 || got.Allows(PermExecute) {
		t.Error("fallback policy must grant no permissions")
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name string
		p    SecurityPolicy
	}{
		{"missing name", SecurityPolicy{}},
		{"reserved name", SecurityPolicy{Name: DefaultPolicyName}},
		{"bad permission", SecurityPolicy{Name: "x", AllowedPermissions: []Permission{"root"}}},
		{"bad level", SecurityPolicy{Name: "x", SecurityLevel: "extreme"}},
		{"negative timeout", SecurityPolicy{Name: "x", MaxExecutionTime: -time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	ok := SecurityPolicy{Name: "x"}
	if err := ok.Validate(); err != nil {
		t.Fatal(err)
	}
	if ok.SecurityLevel != api.SecurityMedium {
		t.Errorf("default security level = %s, want medium", ok.SecurityLevel)
	}
}

func TestDeniedOperation(t *testing.T) {
	p := &SecurityPolicy{Name: "x", DeniedOperations: []string{"delete", "Drop"}}
	if op, ok := p.DeniedOperation("Bulk_DELETE_rows"); !ok || op != "delete" {
		t.Errorf("DeniedOperation = %q, %v", op, ok)
	}
	if _, ok := p.DeniedOperation("drop_table"); !ok {
		t.Error("keyword match should be case-insensitive")
	}
	if _, ok := p.DeniedOperation("read_file"); ok {
		t.Error("read_file should not be denied")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	p := &SecurityPolicy{Name: "x", ValidUntil: &past}
	if !p.Expired(now) {
		t.Error("policy should be expired")
	}
	p.ValidUntil = nil
	if p.Expired(now) {
		t.Error("policy without expiry never expires")
	}
}
