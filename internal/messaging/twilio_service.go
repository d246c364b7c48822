package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
	"golang.org/x/time/rate"
)

// DefaultSendRate is the per-account send budget in messages per second.
const DefaultSendRate = 5

// TwilioDispatcher sends approved content templates through the agent's own Twilio account.
type TwilioDispatcher struct {
	api   twiliowhatsapp.AccountAPI
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Dispatcher = (*TwilioDispatcher)(nil)

// NewTwilioDispatcher creates a dispatcher allowing perSecond sends per account.
// A non-positive perSecond disables limiting.
func NewTwilioDispatcher(api twiliowhatsapp.AccountAPI, perSecond float64) *TwilioDispatcher {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &TwilioDispatcher{api: api, limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (d *TwilioDispatcher) limiter(accountSID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[accountSID]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[accountSID] = l
	}
	return l
}

func (d *TwilioDispatcher) Send(ctx context.Context, agent *models.AgentConfig, to string, c Content) (Result, error) {
	if !agent.Twilio.Configured() {
		return Result{}, fmt.Errorf("%w: twilio credentials missing for agent %s", ErrNoTransport, agent.ID)
	}
	if c.TemplateID == "" {
		return Result{}, fmt.Errorf("no content template for agent %s", agent.ID)
	}
	if err := d.limiter(agent.Twilio.AccountSID).Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("twilio rate limit wait: %w", err)
	}
	sid, err := d.api.SendTemplate(ctx, agent.Twilio, to, c.TemplateID, c.Variables)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("TwilioDispatcher.Send: template sent", "agentConfigID", agent.ID, "to", to, "templateID", c.TemplateID, "sid", sid)
	return Result{MessageID: sid}, nil
}
