package gate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

type stubFetcher struct {
	status, reason string
	err            error
	calls          int
}

func (f *stubFetcher) FetchApprovalStatus(_ context.Context, _ models.TwilioCredentials, _ string) (string, string, error) {
	f.calls++
	return f.status, f.reason, f.err
}

func prodAgent() *models.AgentConfig {
	return &models.AgentConfig{
		ID:                "agent-1",
		AgentName:         "Setter",
		DefaultObjectives: "agent objectives",
		OpeningTemplateID: "HXagent",
		Twilio:            models.TwilioCredentials{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001"},
	}
}

func TestResolvePrecedence(t *testing.T) {
	agent := prodAgent()
	agent.DefaultHook = "agent hook"
	agent.DefaultIdealState = "agent ideal"
	campaign := &models.Campaign{DefaultObjectives: "campaign objectives", OpeningTemplateID: "HXcampaign", DefaultHook: "  "}
	lead := &models.Lead{LeadInfo: map[string]any{"desideri": "lead desires"}}

	r := Resolve(lead, campaign, agent)
	if r.Objectives != "campaign objectives" || r.ObjectivesSource != SourceCampaign {
		t.Errorf("Expected campaign objectives, got %q from %q", r.Objectives, r.ObjectivesSource)
	}
	if r.TemplateID != "HXcampaign" || r.TemplateSource != SourceCampaign {
		t.Errorf("Expected campaign template, got %q from %q", r.TemplateID, r.TemplateSource)
	}
	if r.Desires != "lead desires" {
		t.Errorf("Expected lead desires, got %q", r.Desires)
	}
	if r.Hook != "agent hook" {
		t.Errorf("Expected blank campaign hook to fall through to agent, got %q", r.Hook)
	}

	lead.OpeningTemplateID = "HXlead"
	lead.LeadInfo["obiettivi"] = "lead objectives"
	r = Resolve(lead, campaign, agent)
	if r.TemplateID != "HXlead" || r.Objectives != "lead objectives" || r.ObjectivesSource != SourceLead {
		t.Errorf("Expected lead-level values to win, got %+v", r)
	}

	r = Resolve(&models.Lead{}, nil, agent)
	if r.TemplateID != "HXagent" || r.TemplateSource != SourceAgent {
		t.Errorf("Expected agent fallback without campaign, got %+v", r)
	}
}

func TestEvaluateMissingContent(t *testing.T) {
	agent := prodAgent()
	agent.DefaultObjectives = ""
	f := &stubFetcher{status: StatusApproved}
	d := New(NewProviderLookup(f)).Evaluate(context.Background(), &models.Lead{ID: "l1"}, nil, agent)
	if d.Outcome != OutcomeMissingContent {
		t.Fatalf("Expected missing content, got %s", d.Outcome)
	}
	if f.calls != 0 {
		t.Errorf("Expected no approval lookup, got %d calls", f.calls)
	}
}

func TestEvaluateNoTemplate(t *testing.T) {
	agent := prodAgent()
	agent.OpeningTemplateID = ""
	d := New(nil).Evaluate(context.Background(), &models.Lead{ID: "l1"}, &models.Campaign{}, agent)
	if d.Outcome != OutcomeNoTemplate {
		t.Fatalf("Expected no template, got %s", d.Outcome)
	}
}

func TestEvaluateApproval(t *testing.T) {
	tests := []struct {
		name     string
		fetcher  *stubFetcher
		outcome  Outcome
		tier     Tier
		status   string
		reasonIn string
	}{
		{"approved", &stubFetcher{status: StatusApproved}, OutcomeReady, TierApproved, StatusApproved, ""},
		{"rejected", &stubFetcher{status: StatusRejected, reason: "INVALID_FORMAT"}, OutcomeNotApproved, TierDefinite, StatusRejected, "INVALID_FORMAT"},
		{"paused", &stubFetcher{status: StatusPaused}, OutcomeNotApproved, TierDefinite, StatusPaused, "paused"},
		{"disabled", &stubFetcher{status: StatusDisabled}, OutcomeNotApproved, TierDefinite, StatusDisabled, "disabled"},
		{"pending", &stubFetcher{status: StatusPending}, OutcomeNotApproved, TierTransient, StatusPending, "waiting"},
		{"received", &stubFetcher{status: StatusReceived}, OutcomeNotApproved, TierTransient, StatusReceived, "waiting"},
		{"never submitted", &stubFetcher{}, OutcomeNotApproved, TierTransient, StatusNotSubmitted, "not been submitted"},
		{"odd status", &stubFetcher{status: "in_appeal"}, OutcomeNotApproved, TierTransient, "in_appeal", "unknown"},
		{"lookup error", &stubFetcher{err: errors.New("timeout")}, OutcomeNotApproved, TierTransient, StatusError, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(NewProviderLookup(tt.fetcher)).Evaluate(context.Background(), &models.Lead{ID: "l1", FirstName: "Anna"}, nil, prodAgent())
			if d.Outcome != tt.outcome {
				t.Fatalf("Expected outcome %s, got %s", tt.outcome, d.Outcome)
			}
			if d.Approval == nil {
				t.Fatal("Expected approval result to be recorded")
			}
			if d.Tier != tt.tier {
				t.Errorf("Expected tier %s, got %s", tt.tier, d.Tier)
			}
			if d.Approval.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, d.Approval.Status)
			}
			if !strings.Contains(d.Approval.Reason, tt.reasonIn) {
				t.Errorf("Expected reason to mention %q, got %q", tt.reasonIn, d.Approval.Reason)
			}
			if d.Variables["1"] != "Anna" {
				t.Errorf("Expected variables to be resolved, got %v", d.Variables)
			}
		})
	}
}

func TestEvaluateSkipsApprovalOutsideProduction(t *testing.T) {
	f := &stubFetcher{status: StatusRejected}
	g := New(NewProviderLookup(f))

	dry := prodAgent()
	dry.DryRun = true
	if d := g.Evaluate(context.Background(), &models.Lead{ID: "l1"}, nil, dry); d.Outcome != OutcomeReady {
		t.Errorf("Expected dry run to bypass approval, got %s", d.Outcome)
	}

	noCreds := prodAgent()
	noCreds.Twilio = models.TwilioCredentials{}
	if d := g.Evaluate(context.Background(), &models.Lead{ID: "l1"}, nil, noCreds); d.Outcome != OutcomeReady {
		t.Errorf("Expected missing credentials to bypass approval, got %s", d.Outcome)
	}

	meow := prodAgent()
	meow.Transport = models.TransportWhatsmeow
	if d := g.Evaluate(context.Background(), &models.Lead{ID: "l1"}, nil, meow); d.Outcome != OutcomeReady {
		t.Errorf("Expected whatsmeow transport to bypass approval, got %s", d.Outcome)
	}

	if f.calls != 0 {
		t.Errorf("Expected no approval lookups, got %d", f.calls)
	}
}

func TestVariablesAndRender(t *testing.T) {
	agent := &models.AgentConfig{AgentName: "Setter", ConsultantDisplayName: "Marco"}
	lead := &models.Lead{FirstName: " Anna "}
	vars := Variables(lead, agent, Resolution{Hook: "hook", IdealState: "ideal", Objectives: "obj", Desires: "des"})

	want := map[string]string{"1": "Anna", "2": "Marco", "3": "Marco", "4": "hook", "5": "ideal", "6": "obj", "7": "des"}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("variable %s = %q, want %q", k, vars[k], v)
		}
	}

	got := Render("Ciao {{1}}, sono {{2}}. {{6}} {{9}}", vars)
	if got != "Ciao Anna, sono Marco. obj {{9}}" {
		t.Errorf("Render = %q", got)
	}
}

func TestPreview(t *testing.T) {
	vars := map[string]string{"1": "Anna", "2": "Marco"}
	withBody := Preview("Ciao {{1}}", "HX1", vars)
	if !strings.Contains(withBody, "Ciao Anna") || !strings.Contains(withBody, "Template ID: HX1") {
		t.Errorf("Unexpected preview with body: %q", withBody)
	}
	listing := Preview("", "HX1", vars)
	if !strings.Contains(listing, `{{1}}: "Anna"`) || strings.Index(listing, "{{1}}") > strings.Index(listing, "{{2}}") {
		t.Errorf("Unexpected variable listing: %q", listing)
	}
}
