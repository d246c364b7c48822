package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/badoux/checkmail"
)

// DefaultSendTimeout bounds a single welcome email attempt.
const DefaultSendTimeout = 30 * time.Second

// Trigger fires welcome emails in the background. Fire never blocks and never fails;
// the outcome is written to the lead's welcome email fields only.
type Trigger struct {
	leads   store.LeadStore
	sender  Sender
	timeout time.Duration
	now     func() time.Time

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewTrigger(leads store.LeadStore, sender Sender) *Trigger {
	if sender == nil {
		sender = NoopSender{}
	}
	return &Trigger{
		leads:    leads,
		sender:   sender,
		timeout:  DefaultSendTimeout,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Fire starts the welcome email for leadID in its own goroutine.
func (t *Trigger) Fire(leadID string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Trigger.Fire: panic recovered", "leadID", leadID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.run(ctx, leadID); err != nil {
			slog.Warn("Trigger.Fire: welcome email not sent", "leadID", leadID, "error", err)
		}
	}()
}

// Wait blocks until every fired email has finished. Used on shutdown and in tests.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) acquire(leadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[leadID]; busy {
		return false
	}
	t.inflight[leadID] = struct{}{}
	return true
}

func (t *Trigger) release(leadID string) {
	t.mu.Lock()
	delete(t.inflight, leadID)
	t.mu.Unlock()
}

// run sends the email if the lead still qualifies. Skips return nil.
func (t *Trigger) run(ctx context.Context, leadID string) error {
	if !t.acquire(leadID) {
		slog.Debug("Trigger.run: already in flight", "leadID", leadID)
		return nil
	}
	defer t.release(leadID)

	// Re-read so a send that finished after the caller loaded the lead is seen.
	lead, err := t.leads.GetLead(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead == nil {
		return nil
	}
	switch {
	case !lead.WelcomeEmailEnabled:
		slog.Debug("Trigger.run: welcome email disabled", "leadID", leadID)
		return nil
	case lead.WelcomeEmailSent:
		slog.Debug("Trigger.run: welcome email already sent", "leadID", leadID)
		return nil
	}
	addr := strings.TrimSpace(lead.Email)
	if addr == "" {
		slog.Debug("Trigger.run: no email address", "leadID", leadID)
		return nil
	}
	if err := checkmail.ValidateFormat(addr); err != nil {
		slog.Debug("Trigger.run: invalid email address", "leadID", leadID, "email", addr)
		return nil
	}
	lead.Email = addr

	res := t.sender.SendWelcome(ctx, lead)
	update := store.LeadUpdate{}
	if res.Success {
		update.WelcomeEmailSent = util.Ptr(true)
		update.WelcomeEmailSentAt = util.Ptr(t.now().UTC())
		update.WelcomeEmailError = util.Ptr("")
	} else {
		update.WelcomeEmailError = util.Ptr(res.Error)
	}
	// Welcome fields only; status and counters belong to the outreach pipeline.
	if _, err := t.leads.UpdateLead(context.WithoutCancel(ctx), leadID, update); err != nil {
		return fmt.Errorf("record welcome email result: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("send: %s", res.Error)
	}
	slog.Info("Welcome email sent", "leadID", leadID)
	return nil
}
