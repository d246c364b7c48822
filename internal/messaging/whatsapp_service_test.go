package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
)

func TestWhatsmeowDispatcher_RendersBody(t *testing.T) {
	mock := whatsapp.NewMockClient()
	d := NewWhatsmeowDispatcher(mock)
	agent := &models.AgentConfig{ID: "a1", Transport: models.TransportWhatsmeow}

	res, err := d.Send(context.Background(), agent, "+393331234567", Content{
		TemplateID: "HX1",
		Body:       "Ciao {{1}}, sono {{2}}",
		Variables:  map[string]string{"1": "Anna", "2": "Marco"},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if res.MessageID == "" || res.Rendered != "Ciao Anna, sono Marco" {
		t.Errorf("unexpected result: %+v", res)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].To != "393331234567" {
		t.Errorf("expected one send without the + prefix, got %+v", sent)
	}
}

func TestWhatsmeowDispatcher_RequiresBody(t *testing.T) {
	d := NewWhatsmeowDispatcher(whatsapp.NewMockClient())
	if _, err := d.Send(context.Background(), &models.AgentConfig{}, "+1", Content{TemplateID: "HX1"}); err == nil {
		t.Fatal("expected error without cached body")
	}
}

func TestWhatsmeowDispatcher_NoSession(t *testing.T) {
	d := NewWhatsmeowDispatcher(nil)
	_, err := d.Send(context.Background(), &models.AgentConfig{}, "+1", Content{Body: "x"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}
