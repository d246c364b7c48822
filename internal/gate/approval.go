package gate

import (
	"context"
	"fmt"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Template approval statuses reported by WhatsApp through Twilio, plus the two
// synthetic ones used when the status cannot be read.
const (
	StatusApproved     = "approved"
	StatusPending      = "pending"
	StatusReceived     = "received"
	StatusRejected     = "rejected"
	StatusPaused       = "paused"
	StatusDisabled     = "disabled"
	StatusNotSubmitted = "not_submitted"
	StatusUnknown      = "unknown"
	StatusError        = "error"
)

// Tier separates provider decisions from states that may still change.
type Tier int

const (
	TierApproved Tier = iota
	// TierDefinite covers rejected, paused and disabled templates.
	TierDefinite
	// TierTransient covers everything else that is not approved.
	TierTransient
)

func (t Tier) String() string {
	switch t {
	case TierApproved:
		return "approved"
	case TierDefinite:
		return "definite"
	default:
		return "transient"
	}
}

// ClassifyStatus maps a provider status to its tier.
func ClassifyStatus(status string) Tier {
	switch status {
	case StatusApproved:
		return TierApproved
	case StatusRejected, StatusPaused, StatusDisabled:
		return TierDefinite
	default:
		return TierTransient
	}
}

// ApprovalResult is the yes/no answer of the approval lookup.
type ApprovalResult struct {
	Approved bool   `json:"approved"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalLookup checks whether a template may be sent with the given credentials.
type ApprovalLookup interface {
	CheckApproval(ctx context.Context, creds models.TwilioCredentials, templateID string) ApprovalResult
}

// ApprovalFetcher reads the raw WhatsApp approval status of a content template.
// An empty status with a nil error means the template was never submitted.
type ApprovalFetcher interface {
	FetchApprovalStatus(ctx context.Context, creds models.TwilioCredentials, contentSID string) (status, rejectionReason string, err error)
}

// ProviderLookup turns raw provider statuses into operator-readable results.
type ProviderLookup struct {
	fetcher ApprovalFetcher
}

var _ ApprovalLookup = (*ProviderLookup)(nil)

// NewProviderLookup wraps an ApprovalFetcher.
func NewProviderLookup(f ApprovalFetcher) *ProviderLookup {
	return &ProviderLookup{fetcher: f}
}

func (p *ProviderLookup) CheckApproval(ctx context.Context, creds models.TwilioCredentials, templateID string) ApprovalResult {
	status, rejection, err := p.fetcher.FetchApprovalStatus(ctx, creds, templateID)
	if err != nil {
		return ApprovalResult{Status: StatusError, Reason: fmt.Sprintf("could not verify template status: %v", err)}
	}
	if status == "" {
		status = StatusNotSubmitted
	}
	return ApprovalFromStatus(status, rejection)
}

// ApprovalFromStatus builds the result for a known provider status.
func ApprovalFromStatus(status, rejectionReason string) ApprovalResult {
	r := ApprovalResult{Status: status}
	switch status {
	case StatusApproved:
		r.Approved = true
	case StatusPending, StatusReceived:
		r.Reason = "template is waiting for WhatsApp approval; check the Twilio Console for its status"
	case StatusRejected:
		if rejectionReason == "" {
			rejectionReason = "no reason given"
		}
		r.Reason = "template rejected by WhatsApp: " + rejectionReason
	case StatusPaused:
		r.Reason = "template paused after negative user feedback and cannot be used"
	case StatusDisabled:
		r.Reason = "template disabled by WhatsApp after repeated violations"
	case StatusNotSubmitted:
		r.Reason = "template has not been submitted for approval; submit it from the Twilio Console"
	default:
		if status == "" {
			r.Status = StatusUnknown
		}
		r.Reason = fmt.Sprintf("unknown template status %q; check the Twilio Console", r.Status)
	}
	return r
}
