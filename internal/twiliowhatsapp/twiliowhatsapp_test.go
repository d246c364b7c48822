package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

var testCreds = models.TwilioCredentials{AccountSID: "AC123", AuthToken: "secret", FromNumber: "+15550001"}

func TestMockClient_SendTemplate(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendTemplate(ctx, testCreds, "+393331234567", "HX1", map[string]string{"1": "Anna"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sent))
	}
	if sent[0].ContentSID != "HX1" || sent[0].Variables["1"] != "Anna" || sent[0].AccountSID != "AC123" {
		t.Errorf("unexpected recorded message: %+v", sent[0])
	}
}

func TestMockClient_SendErr(t *testing.T) {
	mock := NewMockClient()
	mock.SendErr = errors.New("boom")
	if _, err := mock.SendMessage(context.Background(), testCreds, "+1", "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(mock.Sent()) != 0 {
		t.Error("failed sends should not be recorded")
	}
}

func TestMockClient_Approvals(t *testing.T) {
	mock := NewMockClient()
	mock.Approvals["HXbad"] = "rejected"
	mock.RejectionReasons["HXbad"] = "INVALID_FORMAT"

	status, _, _ := mock.FetchApprovalStatus(context.Background(), testCreds, "HXgood")
	if status != "approved" {
		t.Errorf("expected unknown SIDs to read as approved, got %q", status)
	}
	status, reason, _ := mock.FetchApprovalStatus(context.Background(), testCreds, "HXbad")
	if status != "rejected" || reason != "INVALID_FORMAT" {
		t.Errorf("got %q/%q", status, reason)
	}
	if mock.ApprovalCalls != 2 {
		t.Errorf("expected 2 approval calls, got %d", mock.ApprovalCalls)
	}
}

func TestWhatsAppAddress(t *testing.T) {
	if got := WhatsAppAddress("+1555"); got != "whatsapp:+1555" {
		t.Errorf("got %q", got)
	}
	if got := WhatsAppAddress("whatsapp:+1555"); got != "whatsapp:+1555" {
		t.Errorf("prefix should not be doubled, got %q", got)
	}
}

func TestParseApproval(t *testing.T) {
	raw := map[string]any{"status": "Rejected", "rejection_reason": "TAG_CONTENT_MISMATCH", "name": "opener"}
	status, reason := parseApproval(raw)
	if status != "rejected" || reason != "TAG_CONTENT_MISMATCH" {
		t.Errorf("got %q/%q", status, reason)
	}
	if status, _ := parseApproval(nil); status != "" {
		t.Errorf("expected empty status for nil approval, got %q", status)
	}
}

func TestParseContentBody(t *testing.T) {
	wa := map[string]any{
		"twilio/whatsapp": map[string]any{
			"template": map[string]any{
				"components": []any{
					map[string]any{"type": "HEADER", "text": "hdr"},
					map[string]any{"type": "BODY", "text": "Ciao {{1}}"},
				},
			},
		},
	}
	if got := parseContentBody(wa); got != "Ciao {{1}}" {
		t.Errorf("got %q", got)
	}

	text := map[string]any{"twilio/text": map[string]any{"body": "Hello {{1}}"}}
	if got := parseContentBody(text); got != "Hello {{1}}" {
		t.Errorf("got %q", got)
	}
	if got := parseContentBody(map[string]any{}); got != "" {
		t.Errorf("expected empty body, got %q", got)
	}
}

func TestPool_RequiresCredentials(t *testing.T) {
	p := NewPool()
	if _, err := p.ClientFor(models.TwilioCredentials{AccountSID: "AC1"}); err == nil {
		t.Fatal("expected error for incomplete credentials")
	}
	a, err := p.ClientFor(testCreds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := p.ClientFor(testCreds)
	if a != b {
		t.Error("expected the same client for the same account")
	}
	rotated := testCreds
	rotated.AuthToken = "other"
	c, _ := p.ClientFor(rotated)
	if c == a {
		t.Error("expected a new client after token rotation")
	}
}
