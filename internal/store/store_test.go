package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Level string `json:"level"`
	N     int    `json:"n"`
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := Open(BackendFile, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ss, err := Open(BackendSQLite, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		fs.Close()
		ss.Close()
	})
	return map[string]Store{"file": fs, "sqlite": ss}
}

func TestStore_PutLoadDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			recs, err := s.Load(ctx, KindPolicies)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 0 {
				t.Fatalf("expected empty kind, got %d records", len(recs))
			}

			if err := s.Put(ctx, KindPolicies, "a", doc{Level: "high", N: 1}); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, KindPolicies, "a", doc{Level: "low", N: 2}); err != nil {
				t.Fatal(err)
			}
			if err := s.Put(ctx, KindBlocklist, "agents", []string{"x"}); err != nil {
				t.Fatal(err)
			}

			recs, err = s.Load(ctx, KindPolicies)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 1 {
				t.Fatalf("expected 1 policy, got %d", len(recs))
			}
			var d doc
			if err := json.Unmarshal(recs["a"], &d); err != nil {
				t.Fatal(err)
			}
			if d.Level != "low" || d.N != 2 {
				t.Errorf("Put should replace: got %+v", d)
			}

			if err := s.Delete(ctx, KindPolicies, "a"); err != nil {
				t.Fatal(err)
			}
			if err := s.Delete(ctx, KindPolicies, "missing"); err != nil {
				t.Errorf("deleting missing record: %v", err)
			}
			recs, _ = s.Load(ctx, KindPolicies)
			if len(recs) != 0 {
				t.Errorf("expected policy deleted, got %d", len(recs))
			}
			recs, _ = s.Load(ctx, KindBlocklist)
			if len(recs) != 1 {
				t.Errorf("other kinds must be untouched, got %d", len(recs))
			}
		})
	}
}

func TestStore_InvalidKind(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Put(ctx, "../etc", "x", 1); err == nil {
				t.Error("expected error for invalid kind")
			}
			if _, err := s.Load(ctx, "Bad Kind"); err == nil {
				t.Error("expected error for invalid kind")
			}
		})
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(ctx, KindCredentials, "github", map[string]string{"type": "token"}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	if _, err := os.Stat(filepath.Join(dir, "credentials.json")); err != nil {
		t.Fatalf("expected credentials.json on disk: %v", err)
	}

	s2, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	recs, err := s2.Load(ctx, KindCredentials)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := recs["github"]; !ok {
		t.Error("record lost after reopen")
	}
}

func TestFileStore_ClosedRejectsWrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.Put(context.Background(), KindPolicies, "a", 1); err != ErrClosed {
		t.Errorf("Put on closed store = %v, want ErrClosed", err)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Put(ctx, KindPolicies, "p", doc{Level: "medium"}); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	recs, err := s2.Load(ctx, KindPolicies)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record after reopen, got %d", len(recs))
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
