// Package store provides storage backends for OutreachPipe.
//
// It defines the lead, agent, campaign, conversation and audit repositories used by the
// outreach pipeline, with in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// DueLeadFilter selects leads ready for their first contact.
type DueLeadFilter struct {
	Now       time.Time
	AgentType string // empty matches any agent
	Limit     int    // 0 means no limit
}

// LeadUpdate is a sparse update of a lead. Nil fields are left untouched.
// Metadata is merged key by key into the stored map.
type LeadUpdate struct {
	// ExpectStatus makes the update conditional on the persisted status.
	ExpectStatus *models.LeadStatus

	Status             *models.LeadStatus
	FailedAttempts     *int
	LastError          *string
	LastContactedAt    *time.Time
	LastMessageSent    *string
	WelcomeEmailSent   *bool
	WelcomeEmailSentAt *time.Time
	WelcomeEmailError  *string
	Metadata           map[string]any
}

// LeadStore is the durable table of proactive leads.
type LeadStore interface {
	FindDueLeads(ctx context.Context, f DueLeadFilter) ([]models.Lead, error)
	// ClaimLead moves a lead from pending to processing. It reports false when the
	// persisted status was not pending, meaning another executor owns or moved the lead.
	ClaimLead(ctx context.Context, id string) (bool, error)
	// UpdateLead applies u and reports whether a row changed. A mismatched
	// ExpectStatus or an unknown id yields (false, nil).
	UpdateLead(ctx context.Context, id string, u LeadUpdate) (bool, error)
	GetLead(ctx context.Context, id string) (*models.Lead, error)
	InsertLead(ctx context.Context, l *models.Lead) error
	// ListStaleProcessing returns leads stuck in processing since before the given time.
	ListStaleProcessing(ctx context.Context, before time.Time) ([]models.Lead, error)
}

// AgentConfigStore holds the sending identities.
type AgentConfigStore interface {
	GetAgentConfig(ctx context.Context, id string) (*models.AgentConfig, error)
	SaveAgentConfig(ctx context.Context, a *models.AgentConfig) error
}

// CampaignStore holds campaign overrides, scoped to a consultant.
type CampaignStore interface {
	GetCampaign(ctx context.Context, consultantID, id string) (*models.Campaign, error)
	SaveCampaign(ctx context.Context, c *models.Campaign) error
}

// ConversationStore holds the WhatsApp threads shown to operators.
type ConversationStore interface {
	// FindOrCreateConversation returns the conversation for (agent, phone), creating it
	// from c when missing and linking it to c.LeadID when set.
	FindOrCreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error)
	AppendMessage(ctx context.Context, m *models.ConversationMessage) error
	UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, providerMessageID string) error
	ListMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error)
}

// ActivityStore holds the per-lead audit trail.
type ActivityStore interface {
	AppendActivity(ctx context.Context, e models.ActivityEntry) error
	ListActivity(ctx context.Context, leadID string) ([]models.ActivityEntry, error)
}

// SystemErrorStore holds operator-facing error records.
type SystemErrorStore interface {
	RecordSystemError(ctx context.Context, e models.SystemError) error
	ListSystemErrors(ctx context.Context, consultantID string) ([]models.SystemError, error)
}

// Store is the union of all repositories offered by a backend.
type Store interface {
	LeadStore
	AgentConfigStore
	CampaignStore
	ConversationStore
	ActivityStore
	SystemErrorStore
	Close() error
}

// Open selects a backend from the options: PostgreSQL or SQLite by DSN, in-memory when no DSN is set.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
