// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in OutreachPipe.
//
// It covers template sends through the Messages API and template approval and body
// lookups through the Content API.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	accountSID string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		accountSID: cfg.AccountSID,
		fromWhats:  WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// WhatsAppAddress adds the whatsapp: channel prefix when missing.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// SendTemplate sends an approved content template and returns the message SID.
func (c *Client) SendTemplate(ctx context.Context, to, contentSID string, vars map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetContentSid(contentSID)
	if len(vars) > 0 {
		encoded, err := json.Marshal(vars)
		if err != nil {
			return "", fmt.Errorf("encode content variables: %w", err)
		}
		params.SetContentVariables(string(encoded))
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendTemplate failed", "to", to, "contentSID", contentSID, "error", err)
		return "", fmt.Errorf("failed to send template %s to %s: %w", contentSID, to, err)
	}
	sid := derefString(resp.Sid)
	slog.Debug("Twilio template sent", "to", to, "contentSID", contentSID, "sid", sid)
	return sid, nil
}

// SendMessage sends a free-form WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := derefString(resp.Sid)
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// FetchApprovalStatus reads the WhatsApp approval state of a content template.
// A template with no approval request yields an empty status and no error.
func (c *Client) FetchApprovalStatus(ctx context.Context, contentSID string) (status, rejectionReason string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	resp, err := c.client.ContentV1.FetchApprovalFetch(contentSID)
	if err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == http.StatusNotFound {
			slog.Debug("Twilio FetchApprovalStatus: no approval request", "contentSID", contentSID)
			return "", "", nil
		}
		return "", "", fmt.Errorf("fetch approval for %s: %w", contentSID, err)
	}
	status, rejectionReason = parseApproval(resp.Whatsapp)
	slog.Debug("Twilio FetchApprovalStatus", "contentSID", contentSID, "status", status)
	return status, rejectionReason, nil
}

// FetchTemplateBody returns the body text of a content template, or "" when it has none.
func (c *Client) FetchTemplateBody(ctx context.Context, contentSID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := c.client.ContentV1.FetchContent(contentSID)
	if err != nil {
		return "", fmt.Errorf("fetch content %s: %w", contentSID, err)
	}
	return parseContentBody(resp.Types), nil
}

// parseApproval extracts status and rejection_reason from the whatsapp approval object.
// The SDK exposes it as an untyped value, so it is read through its JSON form.
func parseApproval(raw any) (status, rejectionReason string) {
	var v struct {
		Status          string `json:"status"`
		RejectionReason string `json:"rejection_reason"`
	}
	b, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(b, &v) != nil {
		return "", ""
	}
	return strings.ToLower(strings.TrimSpace(v.Status)), v.RejectionReason
}

// parseContentBody finds the BODY component of a WhatsApp template, falling back to the plain text type.
func parseContentBody(raw any) string {
	var types struct {
		WhatsApp struct {
			Template struct {
				Components []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"components"`
			} `json:"template"`
		} `json:"twilio/whatsapp"`
		Text struct {
			Body string `json:"body"`
		} `json:"twilio/text"`
	}
	b, err := json.Marshal(raw)
	if err != nil || json.Unmarshal(b, &types) != nil {
		return ""
	}
	for _, comp := range types.WhatsApp.Template.Components {
		if strings.EqualFold(comp.Type, "BODY") && comp.Text != "" {
			return comp.Text
		}
	}
	return types.Text.Body
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
