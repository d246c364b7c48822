package outreach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/activity"
	"github.com/BTreeMap/OutreachPipe/internal/email"
	"github.com/BTreeMap/OutreachPipe/internal/gate"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
)

// testNow is a Monday morning.
var testNow = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type fakeMailer struct {
	mu    sync.Mutex
	calls int
	fail  string
}

func (m *fakeMailer) SendWelcome(_ context.Context, _ *models.Lead) email.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != "" {
		return email.Result{Error: m.fail}
	}
	return email.Result{Success: true}
}

func (m *fakeMailer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type harness struct {
	store     store.Store
	mem       *store.InMemoryStore
	twilio    *twiliowhatsapp.MockClient
	whatsapp  *whatsapp.MockClient
	mailer    *fakeMailer
	welcome   *email.Trigger
	processor *Processor
	scheduler *Scheduler
}

type harnessOpts struct {
	wrap       func(*store.InMemoryStore) store.Store
	dispatcher messaging.Dispatcher
}

func newHarness(t *testing.T, opts ...func(*harnessOpts)) *harness {
	t.Helper()
	var cfg harnessOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		mem:      store.NewInMemoryStore(),
		twilio:   twiliowhatsapp.NewMockClient(),
		whatsapp: whatsapp.NewMockClient(),
		mailer:   &fakeMailer{},
	}
	h.store = h.mem
	if cfg.wrap != nil {
		h.store = cfg.wrap(h.mem)
	}
	dispatcher := cfg.dispatcher
	if dispatcher == nil {
		router := messaging.NewRouter()
		router.Register(models.TransportTwilio, messaging.NewTwilioDispatcher(h.twilio, 0))
		router.Register(models.TransportWhatsmeow, messaging.NewWhatsmeowDispatcher(h.whatsapp))
		dispatcher = router
	}
	h.welcome = email.NewTrigger(h.store, h.mailer)
	clock := func() time.Time { return testNow }
	h.processor = NewProcessor(h.store,
		gate.New(gate.NewProviderLookup(h.twilio)),
		dispatcher,
		activity.NewLogger(h.store, h.store),
		WithWelcomeTrigger(h.welcome),
		WithTemplateSource(h.twilio),
		WithLocation(time.UTC),
		WithClock(clock),
	)
	h.scheduler = NewScheduler(h.store, h.processor, WithSchedulerClock(clock))
	return h
}

func (h *harness) seedAgent(t *testing.T, mutate func(*models.AgentConfig)) *models.AgentConfig {
	t.Helper()
	a := &models.AgentConfig{
		ID:                    "agent-1",
		ConsultantID:          "c1",
		AgentName:             "Setter",
		AgentType:             models.AgentTypeProactiveSetter,
		ConsultantDisplayName: "Marco",
		BusinessName:          "Studio Rossi",
		DefaultObjectives:     "grow revenue",
		OpeningTemplateID:     "HXopen",
		OpeningTemplateBody:   "Ciao {{1}}, sono {{2}}",
		Twilio:                models.TwilioCredentials{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550001"},
	}
	if mutate != nil {
		mutate(a)
	}
	if err := h.store.SaveAgentConfig(context.Background(), a); err != nil {
		t.Fatalf("SaveAgentConfig: %v", err)
	}
	return a
}

func (h *harness) seedLead(t *testing.T, id string, mutate func(*models.Lead)) *models.Lead {
	t.Helper()
	l := &models.Lead{
		ID:                  id,
		ConsultantID:        "c1",
		AgentConfigID:       "agent-1",
		FirstName:           "Anna",
		LastName:            "Bianchi",
		PhoneNumber:         "+393331234567",
		Email:               "anna@example.com",
		WelcomeEmailEnabled: true,
		ContactSchedule:     testNow.Add(-5 * time.Minute),
	}
	if mutate != nil {
		mutate(l)
	}
	if err := h.store.InsertLead(context.Background(), l); err != nil {
		t.Fatalf("InsertLead: %v", err)
	}
	return l
}

func (h *harness) lead(t *testing.T, id string) *models.Lead {
	t.Helper()
	l, err := h.store.GetLead(context.Background(), id)
	if err != nil || l == nil {
		t.Fatalf("GetLead(%s) = %v, %v", id, l, err)
	}
	return l
}

func (h *harness) activity(t *testing.T, id string, event models.ActivityEventType) []models.ActivityEntry {
	t.Helper()
	all, err := h.store.ListActivity(context.Background(), id)
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	var out []models.ActivityEntry
	for _, e := range all {
		if e.EventType == event {
			out = append(out, e)
		}
	}
	return out
}

// messages returns the stored messages of the lead's conversation.
func (h *harness) messages(t *testing.T, phone string) []models.ConversationMessage {
	t.Helper()
	ctx := context.Background()
	conv, err := h.store.FindOrCreateConversation(ctx, models.Conversation{AgentConfigID: "agent-1", ConsultantID: "c1", PhoneNumber: phone})
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	msgs, err := h.store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func (h *harness) tick(t *testing.T) TickStats {
	t.Helper()
	stats, ran := h.scheduler.Tick(context.Background())
	if !ran {
		t.Fatal("expected tick to run")
	}
	h.welcome.Wait()
	return stats
}

// flakyStore fails the first n lead updates.
type flakyStore struct {
	*store.InMemoryStore
	mu      sync.Mutex
	failing int
}

func (f *flakyStore) UpdateLead(ctx context.Context, id string, u store.LeadUpdate) (bool, error) {
	f.mu.Lock()
	if f.failing > 0 {
		f.failing--
		f.mu.Unlock()
		return false, context.DeadlineExceeded
	}
	f.mu.Unlock()
	return f.InMemoryStore.UpdateLead(ctx, id, u)
}

// rivalStore loses every claim, as if another instance always got there first.
type rivalStore struct {
	*store.InMemoryStore
}

func (rivalStore) ClaimLead(context.Context, string) (bool, error) { return false, nil }

type panicDispatcher struct{}

func (panicDispatcher) Send(context.Context, *models.AgentConfig, string, messaging.Content) (messaging.Result, error) {
	panic("transport exploded")
}

// blockingDispatcher holds every send until release is closed.
type blockingDispatcher struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingDispatcher) Send(ctx context.Context, _ *models.AgentConfig, _ string, _ messaging.Content) (messaging.Result, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return messaging.Result{}, ctx.Err()
	}
	return messaging.Result{MessageID: "SMblocked"}, nil
}
