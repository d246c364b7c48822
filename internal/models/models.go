// Package models defines the core data structures for OutreachPipe.
//
// It includes leads, agent configurations, campaigns, conversations and the audit
// records that are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// LeadStatus is the lifecycle state of a proactive lead.
type LeadStatus string

const (
	// LeadStatusPending marks a lead waiting for its first contact.
	LeadStatusPending LeadStatus = "pending"
	// LeadStatusProcessing marks a lead claimed by exactly one executor.
	LeadStatusProcessing LeadStatus = "processing"
	// LeadStatusContacted marks a lead whose opening message was sent (or simulated).
	LeadStatusContacted LeadStatus = "contacted"
	// LeadStatusFailed marks a lead that exhausted its transport retries.
	LeadStatusFailed LeadStatus = "failed"
	// LeadStatusLost marks a lead blocked by template policy. Never retried automatically.
	LeadStatusLost LeadStatus = "lost"
	// LeadStatusConverted marks a lead that became a client.
	LeadStatusConverted LeadStatus = "converted"
	// LeadStatusInactive marks a lead taken out of rotation.
	LeadStatusInactive LeadStatus = "inactive"
)

// IsValidLeadStatus checks if the given lead status is known.
func IsValidLeadStatus(s LeadStatus) bool {
	switch s {
	case LeadStatusPending, LeadStatusProcessing, LeadStatusContacted, LeadStatusFailed,
		LeadStatusLost, LeadStatusConverted, LeadStatusInactive:
		return true
	default:
		return false
	}
}

// AgentTypeProactiveSetter selects agents handled by the outreach scheduler.
const AgentTypeProactiveSetter = "proactive_setter"

// Transport identifiers for AgentConfig.Transport.
const (
	TransportTwilio    = "twilio"
	TransportWhatsmeow = "whatsmeow"
)

// Metadata keys written on leads.
const (
	MetaConversationID        = "conversationId"
	MetaLastDryRunSimulation  = "lastDryRunSimulation"
	MetaDryRunMessagePreview  = "dryRunMessagePreview"
	MetaIsDryRunTest          = "isDryRunTest"
	MetaLastMessageSID        = "lastMessageSid"
	MetaTemplateApprovalError = "templateApprovalError"
	MetaErrorReason           = "errorReason"
	MetaErrorStatus           = "errorStatus"
	MetaErrorTimestamp        = "errorTimestamp"
	MetaTemplateSID           = "templateSid"
	MetaSafetyNetFinalization = "safetyNetFinalizedAt"
)

// Lead is the unit of work: a contact scheduled for its first outbound message.
type Lead struct {
	ID                  string         `json:"id"`
	ConsultantID        string         `json:"consultant_id"`
	AgentConfigID       string         `json:"agent_config_id"`
	CampaignID          string         `json:"campaign_id,omitempty"`
	LeadCategory        string         `json:"lead_category,omitempty"`
	FirstName           string         `json:"first_name"`
	LastName            string         `json:"last_name,omitempty"`
	PhoneNumber         string         `json:"phone_number"`
	Email               string         `json:"email,omitempty"`
	LeadInfo            map[string]any `json:"lead_info,omitempty"`
	IdealState          string         `json:"ideal_state,omitempty"`
	OpeningTemplateID   string         `json:"opening_template_id,omitempty"`
	ContactSchedule     time.Time      `json:"contact_schedule"`
	ContactFrequency    int            `json:"contact_frequency"`
	LastContactedAt     *time.Time     `json:"last_contacted_at,omitempty"`
	LastMessageSent     string         `json:"last_message_sent,omitempty"`
	Status              LeadStatus     `json:"status"`
	FailedAttempts      int            `json:"failed_attempts"`
	LastError           string         `json:"last_error,omitempty"`
	WelcomeEmailEnabled bool           `json:"welcome_email_enabled"`
	WelcomeEmailSent    bool           `json:"welcome_email_sent"`
	WelcomeEmailSentAt  *time.Time     `json:"welcome_email_sent_at,omitempty"`
	WelcomeEmailError   string         `json:"welcome_email_error,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// leadInfo keys, Italian first since that is what the import forms produce.
var (
	objectiveKeys = []string{"obiettivi", "objectives"}
	desireKeys    = []string{"desideri", "desires"}
	hookKeys      = []string{"uncino", "hook"}
)

// Objectives returns the lead-level objective text, if any.
func (l *Lead) Objectives() string { return l.infoString(objectiveKeys) }

// Desires returns the lead-level desire text, if any.
func (l *Lead) Desires() string { return l.infoString(desireKeys) }

// Hook returns the lead-level hook text, if any.
func (l *Lead) Hook() string { return l.infoString(hookKeys) }

func (l *Lead) infoString(keys []string) string {
	for _, k := range keys {
		if v, ok := l.LeadInfo[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// WorkingHours restricts when an agent may send opening messages.
type WorkingHours struct {
	Enabled  bool     `json:"enabled"`
	Start    string   `json:"start"` // "HH:MM"
	End      string   `json:"end"`   // "HH:MM", inclusive
	Days     []string `json:"days"`  // lowercase english weekday names
	Timezone string   `json:"timezone,omitempty"`
}

// TwilioCredentials identifies the sending account of an agent.
type TwilioCredentials struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"-"`
	FromNumber string `json:"from_number,omitempty"`
}

// Configured reports whether the credentials are complete enough to call Twilio.
func (c TwilioCredentials) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// AgentConfig is the sending identity of a consultant's WhatsApp agent.
type AgentConfig struct {
	ID                    string            `json:"id"`
	ConsultantID          string            `json:"consultant_id"`
	AgentName             string            `json:"agent_name"`
	AgentType             string            `json:"agent_type"`
	ConsultantDisplayName string            `json:"consultant_display_name,omitempty"`
	BusinessName          string            `json:"business_name,omitempty"`
	DefaultObjectives     string            `json:"default_objectives,omitempty"`
	DefaultDesires        string            `json:"default_desires,omitempty"`
	DefaultHook           string            `json:"default_hook,omitempty"`
	DefaultIdealState     string            `json:"default_ideal_state,omitempty"`
	OpeningTemplateID     string            `json:"opening_template_id,omitempty"`
	OpeningTemplateBody   string            `json:"opening_template_body,omitempty"`
	WorkingHours          WorkingHours      `json:"working_hours"`
	DryRun                bool              `json:"dry_run"`
	Transport             string            `json:"transport,omitempty"`
	Twilio                TwilioCredentials `json:"twilio"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// DisplayName returns the name used in the opening message.
func (a *AgentConfig) DisplayName() string {
	if a.ConsultantDisplayName != "" {
		return a.ConsultantDisplayName
	}
	return a.AgentName
}

// TransportName returns the configured transport, defaulting to Twilio.
func (a *AgentConfig) TransportName() string {
	if a.Transport == "" {
		return TransportTwilio
	}
	return a.Transport
}

// Campaign optionally overrides the agent defaults for a group of leads.
type Campaign struct {
	ID                string    `json:"id"`
	ConsultantID      string    `json:"consultant_id"`
	Name              string    `json:"name"`
	IsActive          bool      `json:"is_active"`
	OpeningTemplateID string    `json:"opening_template_id,omitempty"`
	DefaultObjectives string    `json:"default_objectives,omitempty"`
	DefaultDesires    string    `json:"default_desires,omitempty"`
	DefaultHook       string    `json:"default_hook,omitempty"`
	DefaultIdealState string    `json:"default_ideal_state,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessageStatus represents the delivery status of a conversation message.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusSimulated MessageStatus = "simulated"
	MessageStatusNote      MessageStatus = "note"
)

// Message senders.
const (
	SenderAI     = "ai"
	SenderSystem = "system"
)

// Conversation is the WhatsApp thread between an agent and one phone number.
type Conversation struct {
	ID            string     `json:"id"`
	ConsultantID  string     `json:"consultant_id"`
	AgentConfigID string     `json:"agent_config_id"`
	PhoneNumber   string     `json:"phone_number"`
	LeadID        string     `json:"lead_id,omitempty"`
	IsLead        bool       `json:"is_lead"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ConversationMessage is one stored message of a conversation.
type ConversationMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	Direction         string         `json:"direction"` // "outbound" | "inbound"
	Sender            string         `json:"sender"`
	Body              string         `json:"body"`
	Status            MessageStatus  `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// ActivityEventType classifies activity log entries.
type ActivityEventType string

const (
	ActivityProcessing ActivityEventType = "processing"
	ActivitySkipped    ActivityEventType = "skipped"
	ActivitySent       ActivityEventType = "sent"
	ActivityFailed     ActivityEventType = "failed"
	ActivityError      ActivityEventType = "error"
)

// ActivityEntry is an immutable audit record for one lead transition.
type ActivityEntry struct {
	ID                string            `json:"id"`
	LeadID            string            `json:"lead_id"`
	ConsultantID      string            `json:"consultant_id"`
	AgentConfigID     string            `json:"agent_config_id"`
	EventType         ActivityEventType `json:"event_type"`
	Message           string            `json:"message"`
	Details           map[string]any    `json:"details,omitempty"`
	LeadStatusAtEvent LeadStatus        `json:"lead_status_at_event"`
	CreatedAt         time.Time         `json:"created_at"`
}

// SystemError is an operator-facing error record, e.g. an unapproved template.
type SystemError struct {
	ID            string         `json:"id"`
	ConsultantID  string         `json:"consultant_id"`
	AgentConfigID string         `json:"agent_config_id,omitempty"`
	ErrorType     string         `json:"error_type"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Error variables for lead validation.
var (
	ErrEmptyLeadID        = errors.New("lead id cannot be empty")
	ErrEmptyPhone         = errors.New("phone number cannot be empty")
	ErrEmptyAgentConfigID = errors.New("agent config id cannot be empty")
	ErrInvalidLeadStatus  = errors.New("invalid lead status")
)

// Validate checks the fields a lead needs before it can be stored.
func (l *Lead) Validate() error {
	if l.ID == "" {
		return ErrEmptyLeadID
	}
	if l.PhoneNumber == "" {
		return ErrEmptyPhone
	}
	if l.AgentConfigID == "" {
		return ErrEmptyAgentConfigID
	}
	if !IsValidLeadStatus(l.Status) {
		return ErrInvalidLeadStatus
	}
	return nil
}
