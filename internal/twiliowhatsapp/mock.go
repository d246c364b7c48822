package twiliowhatsapp

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// MockClient records sends and serves canned Content API answers for tests.
type MockClient struct {
	mu sync.Mutex

	SentMessages []SentMessage
	// Approvals maps content SID to WhatsApp status. Missing SIDs read as approved.
	Approvals map[string]string
	// RejectionReasons maps content SID to the rejection reason reported with it.
	RejectionReasons map[string]string
	// Bodies maps content SID to template body text.
	Bodies map[string]string

	SendErr     error
	ApprovalErr error
	BodyErr     error

	ApprovalCalls int
	BodyCalls     int
}

type SentMessage struct {
	AccountSID string
	To         string
	Body       string
	ContentSID string
	Variables  map[string]string
	SID        string
}

var _ AccountAPI = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages:     []SentMessage{},
		Approvals:        map[string]string{},
		RejectionReasons: map[string]string{},
		Bodies:           map[string]string{},
	}
}

func (m *MockClient) SendTemplate(ctx context.Context, creds models.TwilioCredentials, to, contentSID string, vars map[string]string) (string, error) {
	return m.record(SentMessage{AccountSID: creds.AccountSID, To: to, ContentSID: contentSID, Variables: vars})
}

func (m *MockClient) SendMessage(ctx context.Context, creds models.TwilioCredentials, to, body string) (string, error) {
	return m.record(SentMessage{AccountSID: creds.AccountSID, To: to, Body: body})
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	msg.SID = fmt.Sprintf("SM%06d", len(m.SentMessages)+1)
	m.SentMessages = append(m.SentMessages, msg)
	return msg.SID, nil
}

func (m *MockClient) FetchApprovalStatus(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApprovalCalls++
	if m.ApprovalErr != nil {
		return "", "", m.ApprovalErr
	}
	status, ok := m.Approvals[contentSID]
	if !ok {
		status = "approved"
	}
	return status, m.RejectionReasons[contentSID], nil
}

func (m *MockClient) FetchTemplateBody(ctx context.Context, creds models.TwilioCredentials, contentSID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BodyCalls++
	if m.BodyErr != nil {
		return "", m.BodyErr
	}
	return m.Bodies[contentSID], nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
