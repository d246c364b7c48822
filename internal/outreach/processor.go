// Package outreach runs the first-contact pipeline for proactive leads: the periodic
// tick, the atomic claim, the per-lead processor and the finalization that keeps a lead
// from being left in processing.
package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/activity"
	"github.com/BTreeMap/OutreachPipe/internal/gate"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Outcome is where one processing attempt left the lead.
type Outcome string

const (
	// OutcomeSent means the opening message was accepted by the transport.
	OutcomeSent Outcome = "sent"
	// OutcomeSimulated means a dry-run preview was stored instead of sending.
	OutcomeSimulated Outcome = "simulated"
	// OutcomeDeferred means the lead went back to pending without counting an attempt.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRetry means the send failed and the lead will be retried.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed means the send failed on the last allowed attempt.
	OutcomeFailed Outcome = "failed"
	// OutcomeLost means the template is not usable and the lead needs an operator.
	OutcomeLost Outcome = "lost"
	// OutcomeError means the pipeline itself broke; the caller applies the retry rule.
	OutcomeError Outcome = "error"
)

// Contacted reports whether the lead ended up contacted.
func (o Outcome) Contacted() bool {
	return o == OutcomeSent || o == OutcomeSimulated
}

// Result is the outcome plus a human-readable explanation.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Skip reasons written to skipped activity entries.
const (
	SkipWorkingHours    = "working_hours"
	SkipMissingContent  = "missing_obiettivi"
	SkipNoTemplate      = "no_opening_template"
	SkipTemplateBlocked = "template_not_approved"
)

const messageTypeOpening = "opening"

// WelcomeTrigger starts the welcome email for a lead without waiting for it.
type WelcomeTrigger interface {
	Fire(leadID string)
}

// TemplateBodySource fetches a template's body text from the provider.
type TemplateBodySource interface {
	FetchTemplateBody(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, error)
}

// Opts holds optional processor collaborators and settings.
type Opts struct {
	Welcome     WelcomeTrigger
	Templates   TemplateBodySource
	Location    *time.Location
	PhoneRegion string
	Clock       func() time.Time
}

// Option configures a Processor.
type Option func(*Opts)

// WithWelcomeTrigger sets the welcome email trigger fired after each dispatch attempt.
func WithWelcomeTrigger(w WelcomeTrigger) Option {
	return func(o *Opts) { o.Welcome = w }
}

// WithTemplateSource sets where uncached template bodies are fetched from.
func WithTemplateSource(t TemplateBodySource) Option {
	return func(o *Opts) { o.Templates = t }
}

// WithLocation sets the zone for working hours of agents that do not name one.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithPhoneRegion sets the region used for national phone numbers.
func WithPhoneRegion(region string) Option {
	return func(o *Opts) { o.PhoneRegion = region }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Processor runs the pipeline for one claimed lead.
type Processor struct {
	store      store.Store
	gate       *gate.Gate
	dispatcher messaging.Dispatcher
	activity   *activity.Logger

	welcome   WelcomeTrigger
	templates TemplateBodySource
	location  *time.Location
	region    string
	now       func() time.Time
}

func NewProcessor(st store.Store, g *gate.Gate, d messaging.Dispatcher, al *activity.Logger, opts ...Option) *Processor {
	cfg := Opts{PhoneRegion: messaging.DefaultRegion, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		cfg.Location = loc
	}
	return &Processor{
		store:      st,
		gate:       g,
		dispatcher: d,
		activity:   al,
		welcome:    cfg.Welcome,
		templates:  cfg.Templates,
		location:   cfg.Location,
		region:     cfg.PhoneRegion,
		now:        cfg.Clock,
	}
}

func (p *Processor) fireWelcome(leadID string) {
	if p.welcome != nil {
		p.welcome.Fire(leadID)
	}
}

// Process runs the pipeline for a lead this process has claimed. Configuration skips,
// policy blocks and transport failures are settled here and return a nil error. A
// non-nil error means the pipeline broke; the lead may still be in processing.
func (p *Processor) Process(ctx context.Context, lead *models.Lead, agent *models.AgentConfig) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Processor.Process: panic recovered", "leadID", lead.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic while processing lead: %v", r)
		}
		if err != nil {
			res = Result{Outcome: OutcomeError, Detail: err.Error()}
			p.activity.Record(context.WithoutCancel(ctx), lead, models.ActivityError,
				"Error while processing lead: "+err.Error(), map[string]any{"errorMessage": err.Error()}, models.LeadStatusProcessing)
			p.fireWelcome(lead.ID)
		}
	}()

	slog.Debug("Processor.Process: start", "leadID", lead.ID, "agentConfigID", agent.ID, "dryRun", agent.DryRun)
	p.activity.Record(ctx, lead, models.ActivityProcessing,
		fmt.Sprintf("Processing lead %s", fullName(lead)), map[string]any{"phoneNumber": lead.PhoneNumber}, models.LeadStatusProcessing)

	if !WithinWorkingHours(agent.WorkingHours, p.now(), p.location) {
		return p.deferLead(ctx, lead, "Outside working hours, lead not processed", map[string]any{"skipReason": SkipWorkingHours})
	}

	var campaign *models.Campaign
	if lead.CampaignID != "" {
		campaign, err = p.store.GetCampaign(ctx, lead.ConsultantID, lead.CampaignID)
		if err != nil {
			return Result{}, fmt.Errorf("load campaign %s: %w", lead.CampaignID, err)
		}
		if campaign == nil {
			slog.Warn("Processor.Process: campaign not found, using agent defaults", "leadID", lead.ID, "campaignID", lead.CampaignID)
		}
	}

	d := p.gate.Evaluate(ctx, lead, campaign, agent)
	switch d.Outcome {
	case gate.OutcomeMissingContent:
		return p.deferLead(ctx, lead, "Objectives not configured, cannot start outreach", map[string]any{
			"skipReason":            SkipMissingContent,
			"leadHasObjectives":     lead.Objectives() != "",
			"campaignHasObjectives": campaign != nil && strings.TrimSpace(campaign.DefaultObjectives) != "",
			"agentHasObjectives":    strings.TrimSpace(agent.DefaultObjectives) != "",
		})
	case gate.OutcomeNoTemplate:
		return p.deferLead(ctx, lead, "Opening template not assigned", map[string]any{
			"skipReason":  SkipNoTemplate,
			"messageType": messageTypeOpening,
		})
	case gate.OutcomeNotApproved:
		return p.markLost(ctx, lead, agent, d)
	}
	return p.dispatch(ctx, lead, agent, d)
}

// deferLead returns the lead to pending without counting an attempt.
func (p *Processor) deferLead(ctx context.Context, lead *models.Lead, message string, details map[string]any) (Result, error) {
	if err := p.release(ctx, lead.ID, store.LeadUpdate{Status: util.Ptr(models.LeadStatusPending)}); err != nil {
		return Result{}, err
	}
	slog.Info("Processor: lead deferred", "leadID", lead.ID, "reason", details["skipReason"])
	p.activity.Record(ctx, lead, models.ActivitySkipped, message, details, models.LeadStatusPending)
	return Result{Outcome: OutcomeDeferred, Detail: message}, nil
}

// release writes the update only while this process still owns the lead.
func (p *Processor) release(ctx context.Context, leadID string, u store.LeadUpdate) error {
	u.ExpectStatus = util.Ptr(models.LeadStatusProcessing)
	ok, err := p.store.UpdateLead(ctx, leadID, u)
	if err != nil {
		return fmt.Errorf("update lead %s: %w", leadID, err)
	}
	if !ok {
		slog.Warn("Processor: lead no longer in processing, update dropped", "leadID", leadID)
	}
	return nil
}

func (p *Processor) conversation(ctx context.Context, lead *models.Lead, phone string) (*models.Conversation, error) {
	conv, err := p.store.FindOrCreateConversation(ctx, models.Conversation{
		ConsultantID:  lead.ConsultantID,
		AgentConfigID: lead.AgentConfigID,
		PhoneNumber:   phone,
		LeadID:        lead.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv, nil
}

// phoneKey is the conversation key for a lead: E.164 when parseable, the raw number otherwise.
func (p *Processor) phoneKey(lead *models.Lead) string {
	if n, err := messaging.NormalizeRecipient(lead.PhoneNumber, p.region); err == nil {
		return n
	}
	return strings.TrimPrefix(strings.TrimSpace(lead.PhoneNumber), "whatsapp:")
}

// markLost blocks a lead whose template cannot be used.
func (p *Processor) markLost(ctx context.Context, lead *models.Lead, agent *models.AgentConfig, d gate.Decision) (Result, error) {
	approval := *d.Approval
	templateID := d.Resolution.TemplateID

	if d.Tier == gate.TierDefinite {
		conv, err := p.conversation(ctx, lead, p.phoneKey(lead))
		if err != nil {
			return Result{}, err
		}
		note := &models.ConversationMessage{
			ConversationID: conv.ID,
			Direction:      "outbound",
			Sender:         models.SenderSystem,
			Body:           gate.NotApprovedNote(templateID, approval),
			Status:         models.MessageStatusNote,
			Metadata: map[string]any{
				"isError":        true,
				"errorType":      activity.ErrorTypeTemplateNotApproved,
				"templateSid":    templateID,
				"templateStatus": approval.Status,
				"templateReason": approval.Reason,
				"messageType":    messageTypeOpening,
				"leadId":         lead.ID,
			},
		}
		if err := p.store.AppendMessage(ctx, note); err != nil {
			return Result{}, fmt.Errorf("store template error note: %w", err)
		}
		slog.Debug("Processor.markLost: error note stored", "leadID", lead.ID, "conversationID", conv.ID, "status", approval.Status)
	} else {
		slog.Debug("Processor.markLost: no conversation note for transient status", "leadID", lead.ID, "status", approval.Status)
	}

	p.activity.RecordSystemError(ctx, agent, activity.ErrorTypeTemplateNotApproved,
		fmt.Sprintf("Template %s not approved: %s", templateID, approval.Reason), map[string]any{
			"templateSid":    templateID,
			"templateStatus": approval.Status,
			"templateReason": approval.Reason,
			"leadId":         lead.ID,
			"leadName":       fullName(lead),
			"phoneNumber":    lead.PhoneNumber,
			"messageType":    messageTypeOpening,
		})

	now := p.now().UTC()
	if err := p.release(ctx, lead.ID, store.LeadUpdate{
		Status:          util.Ptr(models.LeadStatusLost),
		LastContactedAt: &now,
		Metadata: map[string]any{
			models.MetaTemplateApprovalError: true,
			models.MetaErrorReason:           approval.Reason,
			models.MetaErrorStatus:           approval.Status,
			models.MetaErrorTimestamp:        now.Format(time.RFC3339),
		},
	}); err != nil {
		return Result{}, err
	}

	slog.Warn("Processor: lead lost, template not approved", "leadID", lead.ID, "templateID", templateID,
		"status", approval.Status, "tier", d.Tier.String())
	p.activity.Record(ctx, lead, models.ActivityFailed, "Template not approved: "+approval.Reason, map[string]any{
		"skipReason":     SkipTemplateBlocked,
		"templateSid":    templateID,
		"templateStatus": approval.Status,
		"tier":           d.Tier.String(),
		"errorMessage":   approval.Reason,
	}, models.LeadStatusLost)
	return Result{Outcome: OutcomeLost, Detail: approval.Reason}, nil
}

// templateBody returns the cached body for templateID, fetching and caching the agent's
// own opening template when it is missing. It returns "" when no body is available.
func (p *Processor) templateBody(ctx context.Context, agent *models.AgentConfig, templateID string) string {
	own := templateID == agent.OpeningTemplateID
	if own && agent.OpeningTemplateBody != "" {
		return agent.OpeningTemplateBody
	}
	if p.templates == nil || !agent.Twilio.Configured() {
		return ""
	}
	body, err := p.templates.FetchTemplateBody(ctx, agent.Twilio, templateID)
	if err != nil {
		slog.Warn("Processor.templateBody: fetch failed", "agentConfigID", agent.ID, "templateID", templateID, "error", err)
		return ""
	}
	if body != "" && own {
		agent.OpeningTemplateBody = body
		if err := p.store.SaveAgentConfig(ctx, agent); err != nil {
			slog.Warn("Processor.templateBody: could not cache body", "agentConfigID", agent.ID, "error", err)
		} else {
			slog.Debug("Processor.templateBody: body cached", "agentConfigID", agent.ID, "templateID", templateID)
		}
	}
	return body
}

func (p *Processor) dispatch(ctx context.Context, lead *models.Lead, agent *models.AgentConfig, d gate.Decision) (Result, error) {
	templateID := d.Resolution.TemplateID
	lastMessage := "TEMPLATE:" + templateID

	phone, phoneErr := messaging.NormalizeRecipient(lead.PhoneNumber, p.region)
	if phoneErr != nil {
		// A number that cannot be parsed is a send failure like any other.
		return p.sendFailed(ctx, lead, nil, phoneErr)
	}
	conv, err := p.conversation(ctx, lead, phone)
	if err != nil {
		return Result{}, err
	}

	body := p.templateBody(ctx, agent, templateID)
	rendered := ""
	if body != "" {
		rendered = gate.Render(body, d.Variables)
	}
	msgMeta := map[string]any{
		"templateSid":       templateID,
		"templateVariables": d.Variables,
		"messageType":       messageTypeOpening,
	}
	if rendered != "" {
		msgMeta["templateBody"] = rendered
	}

	if agent.DryRun {
		preview := gate.Preview(body, templateID, d.Variables)
		msgMeta["isDryRun"] = true
		if err := p.store.AppendMessage(ctx, &models.ConversationMessage{
			ConversationID: conv.ID,
			Direction:      "outbound",
			Sender:         models.SenderAI,
			Body:           preview,
			Status:         models.MessageStatusSimulated,
			Metadata:       msgMeta,
		}); err != nil {
			return Result{}, fmt.Errorf("store dry-run preview: %w", err)
		}
		now := p.now().UTC()
		if err := p.release(ctx, lead.ID, store.LeadUpdate{
			Status:          util.Ptr(models.LeadStatusContacted),
			FailedAttempts:  util.Ptr(0),
			LastError:       util.Ptr(""),
			LastContactedAt: &now,
			LastMessageSent: &lastMessage,
			Metadata: map[string]any{
				models.MetaConversationID:       conv.ID,
				models.MetaLastDryRunSimulation: now.Format(time.RFC3339),
				models.MetaDryRunMessagePreview: truncate(preview, 100),
				models.MetaIsDryRunTest:         true,
			},
		}); err != nil {
			return Result{}, err
		}
		slog.Info("Processor: dry run, message simulated", "leadID", lead.ID, "conversationID", conv.ID, "templateID", templateID)
		p.activity.Record(ctx, lead, models.ActivitySent, "Message simulated (dry run)", map[string]any{
			"isDryRun":          true,
			"templateSid":       templateID,
			"messageType":       messageTypeOpening,
			"templateVariables": d.Variables,
		}, models.LeadStatusContacted)
		p.fireWelcome(lead.ID)
		return Result{Outcome: OutcomeSimulated, Detail: "dry run: preview stored"}, nil
	}

	stored := &models.ConversationMessage{
		ConversationID: conv.ID,
		Direction:      "outbound",
		Sender:         models.SenderAI,
		Body:           lastMessage,
		Status:         models.MessageStatusQueued,
		Metadata:       msgMeta,
	}
	if rendered != "" {
		stored.Body = rendered
	}
	if err := p.store.AppendMessage(ctx, stored); err != nil {
		return Result{}, fmt.Errorf("store outbound message: %w", err)
	}

	sent, sendErr := p.dispatcher.Send(ctx, agent, phone, messaging.Content{
		TemplateID: templateID,
		Variables:  d.Variables,
		Body:       body,
	})
	if sendErr != nil {
		return p.sendFailed(ctx, lead, stored, sendErr)
	}
	if err := p.store.UpdateMessageStatus(ctx, stored.ID, models.MessageStatusSent, sent.MessageID); err != nil {
		slog.Warn("Processor.dispatch: could not mark message sent", "messageID", stored.ID, "error", err)
	}

	now := p.now().UTC()
	if err := p.release(ctx, lead.ID, store.LeadUpdate{
		Status:          util.Ptr(models.LeadStatusContacted),
		FailedAttempts:  util.Ptr(0),
		LastError:       util.Ptr(""),
		LastContactedAt: &now,
		LastMessageSent: &lastMessage,
		Metadata: map[string]any{
			models.MetaConversationID: conv.ID,
			models.MetaLastMessageSID: sent.MessageID,
			models.MetaTemplateSID:    templateID,
		},
	}); err != nil {
		return Result{}, err
	}
	slog.Info("Processor: opening message sent", "leadID", lead.ID, "transport", sent.Transport, "messageID", sent.MessageID)
	p.activity.Record(ctx, lead, models.ActivitySent, "Message sent", map[string]any{
		"isDryRun":          false,
		"templateSid":       templateID,
		"messageType":       messageTypeOpening,
		"templateVariables": d.Variables,
		"messageId":         sent.MessageID,
		"transport":         sent.Transport,
	}, models.LeadStatusContacted)
	p.fireWelcome(lead.ID)
	return Result{Outcome: OutcomeSent, Detail: "First message sent successfully"}, nil
}

// sendFailed counts a transport failure against the anti-loop ceiling.
func (p *Processor) sendFailed(ctx context.Context, lead *models.Lead, stored *models.ConversationMessage, sendErr error) (Result, error) {
	if stored != nil {
		if err := p.store.UpdateMessageStatus(ctx, stored.ID, models.MessageStatusFailed, ""); err != nil {
			slog.Warn("Processor.sendFailed: could not mark message failed", "messageID", stored.ID, "error", err)
		}
	}
	attempts, status := nextAfterFailure(lead.FailedAttempts)
	if err := p.release(ctx, lead.ID, store.LeadUpdate{
		Status:         &status,
		FailedAttempts: &attempts,
		LastError:      util.Ptr(sendErr.Error()),
	}); err != nil {
		return Result{}, err
	}

	outcome := OutcomeRetry
	if status == models.LeadStatusFailed {
		outcome = OutcomeFailed
		slog.Error("Processor: send failed, attempts exhausted", "leadID", lead.ID, "attempts", attempts, "error", sendErr)
	} else {
		slog.Warn("Processor: send failed, will retry", "leadID", lead.ID, "attempts", attempts, "max", MaxFailedAttempts, "error", sendErr)
	}
	p.activity.Record(ctx, lead, models.ActivityFailed, "Send failed: "+sendErr.Error(), map[string]any{
		"errorMessage":      sendErr.Error(),
		"failedAttempts":    attempts,
		"invalidRecipient":  errors.Is(sendErr, messaging.ErrInvalidRecipient),
		"maxFailedAttempts": MaxFailedAttempts,
	}, status)
	p.fireWelcome(lead.ID)
	return Result{Outcome: outcome, Detail: sendErr.Error()}, nil
}

func fullName(l *models.Lead) string {
	return strings.TrimSpace(l.FirstName + " " + l.LastName)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
