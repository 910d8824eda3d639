package policy

import (
	"os"
	"path/filepath"
	"testing"
)

const reservedToolModule = `package mcpwarden

default allow := false

allow if input.tool != "delete_all"

allow if input.agent == "root"

reason := "delete_all is reserved for root" if {
	input.tool == "delete_all"
	input.agent != "root"
}
`

func TestRegoHook_DeniesWithReason(t *testing.T) {
	hook, err := NewRegoHook(reservedToolModule)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(o *Options) {
		o.Rego = hook
		o.Policies = []*SecurityPolicy{{Name: "all", AllowedPermissions: []Permission{PermExecute}}}
	})

	d := f.exec(t, "worker", "db", "delete_all", nil)
	if d.Allowed || d.Check != "rego" {
		t.Fatalf("expected rego denial, got allowed=%v check=%s", d.Allowed, d.Check)
	}
	if d.Reason != "delete_all is reserved for root" {
		t.Errorf("reason = %q", d.Reason)
	}

	if d := f.exec(t, "root", "db", "delete_all", nil); !d.Allowed {
		t.Errorf("root should be allowed: %s", d.Reason)
	}
	if d := f.exec(t, "worker", "db", "select", nil); !d.Allowed {
		t.Errorf("other tools should be allowed: %s", d.Reason)
	}
}

func TestRegoHook_UndefinedAllowDenies(t *testing.T) {
	hook, err := NewRegoHook("package mcpwarden\n\nreason := \"nothing decided\"\n")
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(o *Options) {
		o.Rego = hook
		o.Policies = []*SecurityPolicy{{Name: "all", AllowedPermissions: []Permission{PermExecute}}}
	})
	d := f.exec(t, "a", "db", "select", nil)
	if d.Allowed || d.Check != "rego" || d.Reason != "nothing decided" {
		t.Errorf("got allowed=%v check=%s reason=%q", d.Allowed, d.Check, d.Reason)
	}
}

func TestRegoHook_SeesPolicyInput(t *testing.T) {
	hook, err := NewRegoHook(`package mcpwarden

allow if "read" in input.permissions
`)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, func(o *Options) {
		o.Rego = hook
		o.Policies = []*SecurityPolicy{
			{Name: "exec-only", ServerPatterns: []string{"a"}, AllowedPermissions: []Permission{PermExecute}},
			{Name: "read-exec", ServerPatterns: []string{"b"}, AllowedPermissions: []Permission{PermRead, PermExecute}},
		}
	})
	if d := f.exec(t, "x", "a", "t", nil); d.Allowed {
		t.Error("policy without read should be denied by the module")
	}
	if d := f.exec(t, "x", "b", "t", nil); !d.Allowed {
		t.Errorf("policy with read should pass: %s", d.Reason)
	}
}

func TestNewRegoHook_Errors(t *testing.T) {
	if _, err := NewRegoHook("package mcpwarden\n\nallow if {"); err == nil {
		t.Error("syntax error should fail")
	}
	if _, err := NewRegoHookFromFile(filepath.Join(t.TempDir(), "missing.rego")); err == nil {
		t.Error("missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "policy.rego")
	if err := os.WriteFile(path, []byte(reservedToolModule), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRegoHookFromFile(path); err != nil {
		t.Errorf("valid file: %v", err)
	}
}
