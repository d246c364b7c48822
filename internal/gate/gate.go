// Package gate decides which opening template a lead receives and whether it may be sent.
//
// Values resolve lead first, then campaign, then agent. Three gates run in order:
// objective text present, template assigned, template approved by WhatsApp.
package gate

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Source names where a resolved value came from.
type Source string

const (
	SourceNone     Source = ""
	SourceLead     Source = "lead"
	SourceCampaign Source = "campaign"
	SourceAgent    Source = "agent"
)

// Resolution holds the texts and template id chosen for one lead.
type Resolution struct {
	Objectives       string
	Desires          string
	Hook             string
	IdealState       string
	TemplateID       string
	ObjectivesSource Source
	TemplateSource   Source
}

// first returns the first non-blank candidate and its source.
func first(lead, campaign, agent string) (string, Source) {
	for _, c := range []struct {
		v string
		s Source
	}{{lead, SourceLead}, {campaign, SourceCampaign}, {agent, SourceAgent}} {
		if v := strings.TrimSpace(c.v); v != "" {
			return v, c.s
		}
	}
	return "", SourceNone
}

// Resolve applies lead > campaign > agent precedence. campaign may be nil.
func Resolve(lead *models.Lead, campaign *models.Campaign, agent *models.AgentConfig) Resolution {
	var c models.Campaign
	if campaign != nil {
		c = *campaign
	}
	var r Resolution
	r.Objectives, r.ObjectivesSource = first(lead.Objectives(), c.DefaultObjectives, agent.DefaultObjectives)
	r.Desires, _ = first(lead.Desires(), c.DefaultDesires, agent.DefaultDesires)
	r.Hook, _ = first(lead.Hook(), c.DefaultHook, agent.DefaultHook)
	r.IdealState, _ = first(lead.IdealState, c.DefaultIdealState, agent.DefaultIdealState)
	r.TemplateID, r.TemplateSource = first(lead.OpeningTemplateID, c.OpeningTemplateID, agent.OpeningTemplateID)
	return r
}

// Outcome is the gate verdict for one lead.
type Outcome string

const (
	OutcomeReady          Outcome = "ready"
	OutcomeMissingContent Outcome = "skipped/missing-content"
	OutcomeNoTemplate     Outcome = "skipped/no-template"
	OutcomeNotApproved    Outcome = "failed/template-not-approved"
)

// Decision is what the processor acts on.
type Decision struct {
	Outcome    Outcome
	Resolution Resolution
	Variables  map[string]string
	// Approval is set only when the approval lookup ran.
	Approval *ApprovalResult
	Tier     Tier
}

// Gate evaluates leads against the three gates.
type Gate struct {
	lookup ApprovalLookup
}

// New creates a Gate. A nil lookup disables the approval gate.
func New(lookup ApprovalLookup) *Gate {
	return &Gate{lookup: lookup}
}

// RequiresApproval reports whether the approval gate applies to the agent:
// production mode, Twilio transport and usable credentials.
func RequiresApproval(agent *models.AgentConfig) bool {
	return !agent.DryRun && agent.TransportName() == models.TransportTwilio && agent.Twilio.Configured()
}

// Evaluate runs the gates for a lead. It never returns an error: lookup failures
// surface as a not-approved decision in the transient tier.
func (g *Gate) Evaluate(ctx context.Context, lead *models.Lead, campaign *models.Campaign, agent *models.AgentConfig) Decision {
	res := Resolve(lead, campaign, agent)
	d := Decision{Resolution: res}

	if res.Objectives == "" {
		slog.Warn("Gate.Evaluate: no objectives on lead, campaign or agent", "leadID", lead.ID, "agentConfigID", agent.ID)
		d.Outcome = OutcomeMissingContent
		return d
	}
	if res.TemplateID == "" {
		slog.Warn("Gate.Evaluate: no opening template assigned", "leadID", lead.ID, "agentConfigID", agent.ID)
		d.Outcome = OutcomeNoTemplate
		return d
	}
	d.Variables = Variables(lead, agent, res)

	if g.lookup != nil && RequiresApproval(agent) {
		approval := g.lookup.CheckApproval(ctx, agent.Twilio, res.TemplateID)
		d.Approval = &approval
		d.Tier = ClassifyStatus(approval.Status)
		if !approval.Approved {
			slog.Warn("Gate.Evaluate: template not approved", "leadID", lead.ID, "templateID", res.TemplateID,
				"status", approval.Status, "reason", approval.Reason, "definite", d.Tier == TierDefinite)
			d.Outcome = OutcomeNotApproved
			return d
		}
	}

	slog.Debug("Gate.Evaluate: ready", "leadID", lead.ID, "templateID", res.TemplateID,
		"templateSource", res.TemplateSource, "objectivesSource", res.ObjectivesSource)
	d.Outcome = OutcomeReady
	return d
}
