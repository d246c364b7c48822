package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// AccountAPI is the per-agent surface of Twilio used by outreach. Every call carries
// the credentials of the agent it acts for.
type AccountAPI interface {
	SendTemplate(ctx context.Context, creds models.TwilioCredentials, to, contentSID string, vars map[string]string) (string, error)
	SendMessage(ctx context.Context, creds models.TwilioCredentials, to, body string) (string, error)
	FetchApprovalStatus(ctx context.Context, creds models.TwilioCredentials, contentSID string) (status, rejectionReason string, err error)
	FetchTemplateBody(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, error)
}

// Pool keeps one Client per Twilio account and sending number.
type Pool struct {
	mu      sync.Mutex
	clients map[poolKey]*Client
}

type poolKey struct {
	accountSID string
	authToken  string
	from       string
}

var _ AccountAPI = (*Pool)(nil)

func NewPool() *Pool {
	return &Pool{clients: make(map[poolKey]*Client)}
}

// ClientFor returns the cached client for creds, creating it on first use.
// A rotated auth token produces a fresh client.
func (p *Pool) ClientFor(creds models.TwilioCredentials) (*Client, error) {
	if !creds.Configured() {
		return nil, fmt.Errorf("twilio credentials incomplete for account %q", creds.AccountSID)
	}
	key := poolKey{creds.AccountSID, creds.AuthToken, creds.FromNumber}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c, err := NewClient(
		WithAccountSID(creds.AccountSID),
		WithAuthToken(creds.AuthToken),
		WithFromWhats(creds.FromNumber),
	)
	if err != nil {
		return nil, err
	}
	p.clients[key] = c
	slog.Debug("Pool.ClientFor: created client", "accountSID", creds.AccountSID, "clients", len(p.clients))
	return c, nil
}

func (p *Pool) SendTemplate(ctx context.Context, creds models.TwilioCredentials, to, contentSID string, vars map[string]string) (string, error) {
	c, err := p.ClientFor(creds)
	if err != nil {
		return "", err
	}
	return c.SendTemplate(ctx, to, contentSID, vars)
}

func (p *Pool) SendMessage(ctx context.Context, creds models.TwilioCredentials, to, body string) (string, error) {
	c, err := p.ClientFor(creds)
	if err != nil {
		return "", err
	}
	return c.SendMessage(ctx, to, body)
}

func (p *Pool) FetchApprovalStatus(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, string, error) {
	c, err := p.ClientFor(creds)
	if err != nil {
		return "", "", err
	}
	return c.FetchApprovalStatus(ctx, contentSID)
}

func (p *Pool) FetchTemplateBody(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, error) {
	c, err := p.ClientFor(creds)
	if err != nil {
		return "", err
	}
	return c.FetchTemplateBody(ctx, contentSID)
}
