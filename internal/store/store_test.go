package store

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func TestOpenSelectsBackend(t *testing.T) {
	s, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("Expected in-memory store without DSN, got %T", s)
	}

	s, err = Open(WithSQLiteDSN(filepath.Join(t.TempDir(), "open.db")))
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("Expected SQLite store for a file path, got %T", s)
	}
}

func TestSQLiteStoreReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	seedAgent(t, s, "agent-1", "proactive_setter")
	seedLead(t, s, "lead-1", "agent-1", time.Now().Add(-time.Minute))
	s.Close()

	// Migrations are idempotent and rows survive a restart.
	s, err = NewSQLiteStore(WithSQLiteDSN(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	l, err := s.GetLead(context.Background(), "lead-1")
	if err != nil || l == nil {
		t.Fatalf("GetLead after reopen = %v, %v", l, err)
	}
	if l.LeadInfo["obiettivi"] != "more clients" {
		t.Errorf("Expected lead info to round-trip, got %v", l.LeadInfo)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to run it.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()
	for _, table := range []string{"proactive_lead_activity_logs", "system_errors", "whatsapp_messages", "whatsapp_conversations", "proactive_leads", "campaigns", "agent_configs"} {
		pgStore.DB().ExecContext(ctx, "DELETE FROM "+table)
	}

	seedAgent(t, pgStore, "agent-1", "proactive_setter")
	seedLead(t, pgStore, "lead-1", "agent-1", time.Now().Add(-time.Minute))
	due, err := pgStore.FindDueLeads(ctx, DueLeadFilter{Now: time.Now(), AgentType: "proactive_setter"})
	if err != nil || len(due) != 1 {
		t.Fatalf("FindDueLeads = %d, %v", len(due), err)
	}
	ok, err := pgStore.ClaimLead(ctx, "lead-1")
	if err != nil || !ok {
		t.Fatalf("ClaimLead = %v, %v", ok, err)
	}
	if ok, _ := pgStore.ClaimLead(ctx, "lead-1"); ok {
		t.Error("Expected second claim to fail")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
