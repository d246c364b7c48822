// Package email sends the welcome email that accompanies a lead's first WhatsApp contact.
package email

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Result is the outcome of one welcome email send.
type Result struct {
	Success bool
	Error   string
}

// Sender delivers the welcome email for a lead.
type Sender interface {
	SendWelcome(ctx context.Context, lead *models.Lead) Result
}

// NoopSender reports every send as failed without contacting anyone.
// It is used when SMTP is not configured.
type NoopSender struct{}

var _ Sender = NoopSender{}

func (NoopSender) SendWelcome(_ context.Context, lead *models.Lead) Result {
	slog.Debug("NoopSender.SendWelcome: SMTP not configured", "leadID", lead.ID)
	return Result{Error: "email delivery not configured"}
}
