package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
)

func TestRouter_PicksTransport(t *testing.T) {
	tw := twiliowhatsapp.NewMockClient()
	wa := whatsapp.NewMockClient()
	r := NewRouter()
	r.Register(models.TransportTwilio, NewTwilioDispatcher(tw, 0))
	r.Register(models.TransportWhatsmeow, NewWhatsmeowDispatcher(wa))

	res, err := r.Send(context.Background(), twilioAgent(), "+393331234567", Content{TemplateID: "HX1"})
	if err != nil || res.Transport != models.TransportTwilio {
		t.Fatalf("expected twilio send, got %+v, %v", res, err)
	}

	agent := twilioAgent()
	agent.Transport = models.TransportWhatsmeow
	res, err = r.Send(context.Background(), agent, "+393331234567", Content{TemplateID: "HX1", Body: "hi"})
	if err != nil || res.Transport != models.TransportWhatsmeow {
		t.Fatalf("expected whatsmeow send, got %+v, %v", res, err)
	}
	if len(tw.Sent()) != 1 || len(wa.Messages()) != 1 {
		t.Errorf("expected one send per transport, got twilio=%d whatsmeow=%d", len(tw.Sent()), len(wa.Messages()))
	}
}

func TestRouter_UnknownTransport(t *testing.T) {
	r := NewRouter()
	_, err := r.Send(context.Background(), twilioAgent(), "+1", Content{TemplateID: "HX1"})
	if !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		region  string
		want    string
		wantErr bool
	}{
		{"international", "+39 333 123 4567", "", "+393331234567", false},
		{"national with default region", "333 123 4567", "", "+393331234567", false},
		{"whatsapp prefix", "whatsapp:+393331234567", "IT", "+393331234567", false},
		{"us region", "(202) 456-1111", "us", "+12024561111", false},
		{"empty", "  ", "", "", true},
		{"garbage", "not a number", "", "", true},
		{"too short", "+39 12", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRecipient(tt.raw, tt.region)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRecipient) {
					t.Fatalf("expected ErrInvalidRecipient, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("NormalizeRecipient(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
			}
		})
	}
}
