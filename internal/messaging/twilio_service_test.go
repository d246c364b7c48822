package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
)

func twilioAgent() *models.AgentConfig {
	return &models.AgentConfig{
		ID:     "agent-1",
		Twilio: models.TwilioCredentials{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001"},
	}
}

func TestTwilioDispatcher_SendTemplate(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	d := NewTwilioDispatcher(mock, 0)

	res, err := d.Send(context.Background(), twilioAgent(), "+393331234567", Content{
		TemplateID: "HX1",
		Variables:  map[string]string{"1": "Anna"},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected a message id")
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].ContentSID != "HX1" || sent[0].AccountSID != "AC1" {
		t.Errorf("unexpected sends: %+v", sent)
	}
}

func TestTwilioDispatcher_Errors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	d := NewTwilioDispatcher(mock, 0)

	if _, err := d.Send(context.Background(), &models.AgentConfig{ID: "x"}, "+1", Content{TemplateID: "HX1"}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("expected ErrNoTransport without credentials, got %v", err)
	}
	if _, err := d.Send(context.Background(), twilioAgent(), "+1", Content{}); err == nil {
		t.Error("expected error without template")
	}

	mock.SendErr = errors.New("21408: permission denied")
	if _, err := d.Send(context.Background(), twilioAgent(), "+1", Content{TemplateID: "HX1"}); err == nil {
		t.Error("expected transport error to propagate")
	}
}

func TestTwilioDispatcher_RateLimitHonoursContext(t *testing.T) {
	d := NewTwilioDispatcher(twiliowhatsapp.NewMockClient(), 0.001)
	ctx := context.Background()
	if _, err := d.Send(ctx, twilioAgent(), "+1", Content{TemplateID: "HX1"}); err != nil {
		t.Fatalf("first send should use the burst: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := d.Send(cancelled, twilioAgent(), "+1", Content{TemplateID: "HX1"}); err == nil {
		t.Fatal("expected the limiter wait to fail on a cancelled context")
	}
}
