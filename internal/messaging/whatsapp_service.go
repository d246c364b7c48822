package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/OutreachPipe/internal/gate"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
)

// WhatsmeowDispatcher sends the rendered template body as plain text from a linked device.
// Templates do not exist outside the Business API, so the cached body is required.
type WhatsmeowDispatcher struct {
	sender whatsapp.Sender
}

var _ Dispatcher = (*WhatsmeowDispatcher)(nil)

func NewWhatsmeowDispatcher(sender whatsapp.Sender) *WhatsmeowDispatcher {
	return &WhatsmeowDispatcher{sender: sender}
}

func (d *WhatsmeowDispatcher) Send(ctx context.Context, agent *models.AgentConfig, to string, c Content) (Result, error) {
	if d.sender == nil {
		return Result{}, fmt.Errorf("%w: whatsmeow session not connected", ErrNoTransport)
	}
	if strings.TrimSpace(c.Body) == "" {
		return Result{}, fmt.Errorf("template %s has no cached body to send as text", c.TemplateID)
	}
	text := gate.Render(c.Body, c.Variables)
	id, err := d.sender.SendText(ctx, strings.TrimPrefix(to, "+"), text)
	if err != nil {
		return Result{}, err
	}
	slog.Debug("WhatsmeowDispatcher.Send: text sent", "agentConfigID", agent.ID, "to", to, "id", id)
	return Result{MessageID: id, Rendered: text}, nil
}
