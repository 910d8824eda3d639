package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/mcpwarden/api"
)

func TestJSONLStore_WriteAndQuery(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	event := &api.AuditEvent{
		Type:     api.AuditToolExecution,
		AgentID:  "agent-1",
		ServerID: "files",
		Tool:     "read_file",
		Success:  true,
	}
	if err := store.Write(ctx, event); err != nil {
		t.Fatal(err)
	}
	if event.ID != "" {
		t.Error("Write must not mutate the caller's event")
	}

	results, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ID == "" || results[0].Timestamp.IsZero() {
		t.Error("stored event should get an id and timestamp")
	}
	if results[0].Tool != "read_file" {
		t.Errorf("expected tool read_file, got %s", results[0].Tool)
	}
}

func TestJSONLStore_QueryFilter(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	events := []*api.AuditEvent{
		{Type: api.AuditToolExecution, AgentID: "a", ServerID: "s1", Tool: "read_file", Success: true},
		{Type: api.AuditPolicyViolation, AgentID: "a", ServerID: "s1", Tool: "write_file"},
		{Type: api.AuditConnectionAttempt, AgentID: "b", ServerID: "s2", Success: true},
	}
	for _, e := range events {
		if err := store.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	failed := false
	results, _ := store.Query(ctx, api.QueryFilter{Success: &failed})
	if len(results) != 1 || results[0].Tool != "write_file" {
		t.Fatalf("expected the single failed event, got %d", len(results))
	}

	results, _ = store.Query(ctx, api.QueryFilter{AgentID: "a"})
	if len(results) != 2 {
		t.Errorf("expected 2 events for agent a, got %d", len(results))
	}

	results, _ = store.Query(ctx, api.QueryFilter{ServerID: "s2", Type: api.AuditConnectionAttempt})
	if len(results) != 1 {
		t.Errorf("expected 1 connection event for s2, got %d", len(results))
	}

	results, _ = store.Query(ctx, api.QueryFilter{Offset: 1, Limit: 1})
	if len(results) != 1 || results[0].Tool != "write_file" {
		t.Errorf("offset/limit returned %v", results)
	}
}

func TestJSONLStore_RingKeepsMostRecent(t *testing.T) {
	store, err := NewJSONLStore("", WithCapacity(3))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, Tool: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	recent := store.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(recent))
	}
	for i, want := range []string{"t2", "t3", "t4"} {
		if recent[i].Tool != want {
			t.Errorf("recent[%d] = %s, want %s", i, recent[i].Tool, want)
		}
	}
	if last := store.Recent(1); len(last) != 1 || last[0].Tool != "t4" {
		t.Errorf("Recent(1) = %v", last)
	}
}

func TestJSONLStore_Rotation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	day1 := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, Timestamp: day1})
	store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, Timestamp: day2})
	store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, Timestamp: day2})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	for name, want := range map[string]int{"2026-05-01.jsonl": 1, "2026-05-02.jsonl": 2} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
		lines := 0
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var e api.AuditEvent
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.Errorf("%s: invalid line: %v", name, err)
			}
			if e.ID == "" {
				t.Errorf("%s: line without id", name)
			}
			lines++
		}
		f.Close()
		if lines != want {
			t.Errorf("%s: %d lines, want %d", name, lines, want)
		}
	}
}

func TestJSONLStore_Stats(t *testing.T) {
	store, err := NewJSONLStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, AgentID: "a", ServerID: "s", Success: true})
	store.Write(ctx, &api.AuditEvent{Type: api.AuditToolExecution, AgentID: "a", ServerID: "s"})
	store.Write(ctx, &api.AuditEvent{Type: api.AuditAgentBlocked, AgentID: "b"})

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.SuccessCount != 1 || stats.FailureCount != 2 {
		t.Errorf("unexpected totals: %+v", stats)
	}
	if stats.ByType[api.AuditToolExecution] != 2 {
		t.Errorf("ByType[tool_execution] = %d, want 2", stats.ByType[api.AuditToolExecution])
	}
	if stats.ByAgent["a"] != 2 || stats.ByServer["s"] != 2 {
		t.Errorf("unexpected breakdown: %+v", stats)
	}
}

func TestJSONLStore_Subscribe(t *testing.T) {
	store, err := NewJSONLStore("")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	ch, cancel := store.Subscribe(ctx)

	store.Write(ctx, &api.AuditEvent{Type: api.AuditThreatDetected, AgentID: "x"})

	select {
	case e := <-ch:
		if e.AgentID != "x" {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestJSONLStore_WriteAfterClose(t *testing.T) {
	store, err := NewJSONLStore("")
	if err != nil {
		t.Fatal(err)
	}
	store.Close()
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := store.Write(context.Background(), &api.AuditEvent{}); err != ErrClosed {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}
