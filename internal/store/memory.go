package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a mutex-guarded store used by unit tests and DSN-less runs.
// Records are copied on the way in and out so callers never share maps.
type InMemoryStore struct {
	mu            sync.Mutex
	leads         map[string]models.Lead
	agents        map[string]models.AgentConfig
	campaigns     map[string]models.Campaign
	conversations map[string]models.Conversation
	messages      []models.ConversationMessage
	activity      []models.ActivityEntry
	systemErrors  []models.SystemError
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:         make(map[string]models.Lead),
		agents:        make(map[string]models.AgentConfig),
		campaigns:     make(map[string]models.Campaign),
		conversations: make(map[string]models.Conversation),
	}
}

func copyLead(l models.Lead) models.Lead {
	l.LeadInfo = cloneMap(l.LeadInfo)
	l.Metadata = cloneMap(l.Metadata)
	return l
}

func (s *InMemoryStore) FindDueLeads(_ context.Context, f DueLeadFilter) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for _, l := range s.leads {
		if l.Status != models.LeadStatusPending || l.ContactSchedule.After(f.Now) {
			continue
		}
		if f.AgentType != "" {
			a, ok := s.agents[l.AgentConfigID]
			if !ok || a.AgentType != f.AgentType {
				continue
			}
		}
		out = append(out, copyLead(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactSchedule.Before(out[j].ContactSchedule) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) ClaimLead(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok || l.Status != models.LeadStatusPending {
		return false, nil
	}
	l.Status = models.LeadStatusProcessing
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return true, nil
}

func (s *InMemoryStore) UpdateLead(_ context.Context, id string, u LeadUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return false, nil
	}
	if u.ExpectStatus != nil && l.Status != *u.ExpectStatus {
		return false, nil
	}
	if u.Status != nil {
		l.Status = *u.Status
	}
	if u.FailedAttempts != nil {
		l.FailedAttempts = *u.FailedAttempts
	}
	if u.LastError != nil {
		l.LastError = *u.LastError
	}
	if u.LastContactedAt != nil {
		t := *u.LastContactedAt
		l.LastContactedAt = &t
	}
	if u.LastMessageSent != nil {
		l.LastMessageSent = *u.LastMessageSent
	}
	if u.WelcomeEmailSent != nil {
		l.WelcomeEmailSent = *u.WelcomeEmailSent
	}
	if u.WelcomeEmailSentAt != nil {
		t := *u.WelcomeEmailSentAt
		l.WelcomeEmailSentAt = &t
	}
	if u.WelcomeEmailError != nil {
		l.WelcomeEmailError = *u.WelcomeEmailError
	}
	if len(u.Metadata) > 0 {
		l.Metadata = mergeMetadata(l.Metadata, u.Metadata)
	}
	l.UpdatedAt = time.Now().UTC()
	s.leads[id] = l
	return true, nil
}

func (s *InMemoryStore) GetLead(_ context.Context, id string) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, nil
	}
	c := copyLead(l)
	return &c, nil
}

func (s *InMemoryStore) InsertLead(_ context.Context, l *models.Lead) error {
	if l.Status == "" {
		l.Status = models.LeadStatusPending
	}
	if err := l.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ID] = copyLead(*l)
	return nil
}

func (s *InMemoryStore) ListStaleProcessing(_ context.Context, before time.Time) ([]models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Lead
	for _, l := range s.leads {
		if l.Status == models.LeadStatusProcessing && l.UpdatedAt.Before(before) {
			out = append(out, copyLead(l))
		}
	}
	return out, nil
}

// SetLeadUpdatedAt backdates a lead, letting tests simulate a claim left by a dead process.
func (s *InMemoryStore) SetLeadUpdatedAt(id string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leads[id]; ok {
		l.UpdatedAt = t
		s.leads[id] = l
	}
}

func (s *InMemoryStore) GetAgentConfig(_ context.Context, id string) (*models.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	a.WorkingHours.Days = slices.Clone(a.WorkingHours.Days)
	return &a, nil
}

func (s *InMemoryStore) SaveAgentConfig(_ context.Context, a *models.AgentConfig) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *a
	c.WorkingHours.Days = slices.Clone(a.WorkingHours.Days)
	s.agents[a.ID] = c
	return nil
}

func (s *InMemoryStore) GetCampaign(_ context.Context, consultantID, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.ConsultantID != consultantID {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveCampaign(_ context.Context, c *models.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = *c
	return nil
}

func conversationKey(agentConfigID, phone string) string {
	return agentConfigID + "|" + phone
}

func (s *InMemoryStore) FindOrCreateConversation(_ context.Context, c models.Conversation) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := conversationKey(c.AgentConfigID, c.PhoneNumber)
	existing, ok := s.conversations[key]
	if !ok {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.IsLead = c.LeadID != ""
		c.MessageCount = 0
		c.CreatedAt = time.Now().UTC()
		s.conversations[key] = c
		return &c, nil
	}
	if c.LeadID != "" && existing.LeadID != c.LeadID {
		existing.LeadID = c.LeadID
		existing.IsLead = true
		s.conversations[key] = existing
	}
	return &existing, nil
}

func (s *InMemoryStore) AppendMessage(_ context.Context, m *models.ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.conversations {
		if c.ID == m.ConversationID {
			c.MessageCount++
			t := m.CreatedAt
			c.LastMessageAt = &t
			s.conversations[key] = c
			break
		}
	}
	msg := *m
	msg.Metadata = cloneMap(m.Metadata)
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) UpdateMessageStatus(_ context.Context, id string, status models.MessageStatus, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Status = status
			if providerMessageID != "" {
				s.messages[i].ProviderMessageID = providerMessageID
			}
			return nil
		}
	}
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID string) ([]models.ConversationMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendActivity(_ context.Context, e models.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Details = cloneMap(e.Details)
	s.activity = append(s.activity, e)
	return nil
}

func (s *InMemoryStore) ListActivity(_ context.Context, leadID string) ([]models.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActivityEntry
	for _, e := range s.activity {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordSystemError(_ context.Context, e models.SystemError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemErrors = append(s.systemErrors, e)
	return nil
}

func (s *InMemoryStore) ListSystemErrors(_ context.Context, consultantID string) ([]models.SystemError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SystemError
	for _, e := range s.systemErrors {
		if e.ConsultantID == consultantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
