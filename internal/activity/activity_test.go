package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

type failingStore struct{}

func (failingStore) AppendActivity(context.Context, models.ActivityEntry) error {
	return errors.New("disk full")
}

func (failingStore) ListActivity(context.Context, string) ([]models.ActivityEntry, error) {
	return nil, nil
}

func (failingStore) RecordSystemError(context.Context, models.SystemError) error {
	return errors.New("disk full")
}

func (failingStore) ListSystemErrors(context.Context, string) ([]models.SystemError, error) {
	return nil, nil
}

func TestRecord(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	fixed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	l := NewLogger(st, st, WithClock(func() time.Time { return fixed }))

	lead := &models.Lead{ID: "lead-1", ConsultantID: "c1", AgentConfigID: "a1"}
	l.Record(ctx, lead, models.ActivitySkipped, "outside working hours", map[string]any{"skipReason": "working_hours"}, models.LeadStatusPending)
	l.Record(ctx, lead, models.ActivitySent, "sent", nil, models.LeadStatusContacted)

	entries, err := st.ListActivity(ctx, "lead-1")
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.ID == "" || first.EventType != models.ActivitySkipped || first.LeadStatusAtEvent != models.LeadStatusPending {
		t.Errorf("unexpected entry: %+v", first)
	}
	if !first.CreatedAt.Equal(fixed) || first.ConsultantID != "c1" || first.AgentConfigID != "a1" {
		t.Errorf("entry not stamped from lead and clock: %+v", first)
	}
	if first.Details["skipReason"] != "working_hours" {
		t.Errorf("details not kept: %v", first.Details)
	}
	if entries[1].ID == first.ID {
		t.Error("expected unique ids")
	}
}

func TestRecordSystemError(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	l := NewLogger(st, st)

	agent := &models.AgentConfig{ID: "a1", ConsultantID: "c1"}
	l.RecordSystemError(ctx, agent, ErrorTypeTemplateNotApproved, "template rejected", map[string]any{"templateId": "HX1"})

	errs, _ := st.ListSystemErrors(ctx, "c1")
	if len(errs) != 1 || errs[0].ErrorType != ErrorTypeTemplateNotApproved || errs[0].AgentConfigID != "a1" {
		t.Fatalf("unexpected system errors: %+v", errs)
	}
}

func TestStoreFailuresAreContained(t *testing.T) {
	l := NewLogger(failingStore{}, failingStore{})
	// Neither call may panic or surface the error.
	l.Record(context.Background(), &models.Lead{ID: "x"}, models.ActivityError, "boom", nil, models.LeadStatusPending)
	l.RecordSystemError(context.Background(), &models.AgentConfig{ID: "a"}, ErrorTypeTemplateNotApproved, "x", nil)
}
