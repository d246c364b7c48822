// Package activity records the per-lead audit trail and the operator-facing system error log.
//
// Writes are best effort: a failing store is logged and never reported to the caller,
// so logging can not change the outcome of the pipeline it observes.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/google/uuid"
)

// Error types written to the system error log.
const (
	ErrorTypeTemplateNotApproved = "template_not_approved"
)

// Logger appends activity entries and system errors.
type Logger struct {
	activity store.ActivityStore
	errors   store.SystemErrorStore
	now      func() time.Time
}

// Opts holds configuration for the Logger.
type Opts struct {
	Clock func() time.Time
}

// Option configures a Logger.
type Option func(*Opts)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

func NewLogger(activity store.ActivityStore, errs store.SystemErrorStore, opts ...Option) *Logger {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Logger{activity: activity, errors: errs, now: cfg.Clock}
}

// Record appends one event for lead. status is the lead status the event leaves behind.
func (l *Logger) Record(ctx context.Context, lead *models.Lead, event models.ActivityEventType, message string, details map[string]any, status models.LeadStatus) {
	e := models.ActivityEntry{
		ID:                uuid.NewString(),
		LeadID:            lead.ID,
		ConsultantID:      lead.ConsultantID,
		AgentConfigID:     lead.AgentConfigID,
		EventType:         event,
		Message:           message,
		Details:           details,
		LeadStatusAtEvent: status,
		CreatedAt:         l.now().UTC(),
	}
	if err := l.activity.AppendActivity(ctx, e); err != nil {
		slog.Error("activity.Record: append failed", "leadID", lead.ID, "event", event, "error", err)
		return
	}
	slog.Debug("activity.Record", "leadID", lead.ID, "event", event, "status", status)
}

// RecordSystemError appends an operator-facing error for the agent's consultant.
func (l *Logger) RecordSystemError(ctx context.Context, agent *models.AgentConfig, errorType, message string, details map[string]any) {
	e := models.SystemError{
		ID:            uuid.NewString(),
		ConsultantID:  agent.ConsultantID,
		AgentConfigID: agent.ID,
		ErrorType:     errorType,
		Message:       message,
		Details:       details,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.errors.RecordSystemError(ctx, e); err != nil {
		slog.Error("activity.RecordSystemError: write failed", "agentConfigID", agent.ID, "errorType", errorType, "error", err)
		return
	}
	slog.Warn("system error recorded", "agentConfigID", agent.ID, "errorType", errorType, "message", message)
}
