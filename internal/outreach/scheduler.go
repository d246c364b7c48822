package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const (
	// DefaultBatchLimit caps the due leads read per tick.
	DefaultBatchLimit = 100
	// DefaultStaleAfter is how long a lead may sit in processing before startup recovery releases it.
	DefaultStaleAfter = 15 * time.Minute
)

// TickStats summarises one tick.
type TickStats struct {
	Due       int
	Contacted int
	Deferred  int
	Lost      int
	Failed    int // transport failures, retried or exhausted
	Errors    int
	Skipped   int // in flight locally or claimed elsewhere
	Duration  time.Duration
}

// SchedulerOpts holds scheduler settings.
type SchedulerOpts struct {
	BatchLimit int
	StaleAfter time.Duration
	Clock      func() time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*SchedulerOpts)

// WithBatchLimit caps the leads handled per tick. Zero means no cap.
func WithBatchLimit(n int) SchedulerOption {
	return func(o *SchedulerOpts) { o.BatchLimit = n }
}

// WithStaleAfter sets the age after which a processing lead counts as stranded.
func WithStaleAfter(d time.Duration) SchedulerOption {
	return func(o *SchedulerOpts) { o.StaleAfter = d }
}

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(o *SchedulerOpts) { o.Clock = clock }
}

// Scheduler owns the tick loop state: the single-flight flag and the set of leads
// this process is working on. Cross-process exclusion comes from the store claim.
type Scheduler struct {
	store     store.Store
	processor *Processor
	opts      SchedulerOpts

	mu      sync.Mutex
	running bool

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewScheduler(st store.Store, p *Processor, opts ...SchedulerOption) *Scheduler {
	cfg := SchedulerOpts{BatchLimit: DefaultBatchLimit, StaleAfter: DefaultStaleAfter, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{
		store:     st,
		processor: p,
		opts:      cfg,
		inflight:  make(map[string]struct{}),
	}
}

func (s *Scheduler) acquire(leadID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[leadID]; busy {
		return false
	}
	s.inflight[leadID] = struct{}{}
	return true
}

func (s *Scheduler) release(leadID string) {
	s.inflightMu.Lock()
	delete(s.inflight, leadID)
	s.inflightMu.Unlock()
}

func (s *Scheduler) isInflight(leadID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, busy := s.inflight[leadID]
	return busy
}

// Tick processes every due lead once. It returns false without doing anything when
// a previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		slog.Info("Scheduler.Tick: previous tick still running, skipping")
		return TickStats{}, false
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var stats TickStats
	start := s.opts.Clock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.Tick: panic recovered", "panic", r)
		}
	}()

	leads, err := s.store.FindDueLeads(ctx, store.DueLeadFilter{
		Now:       start,
		AgentType: models.AgentTypeProactiveSetter,
		Limit:     s.opts.BatchLimit,
	})
	if err != nil {
		slog.Error("Scheduler.Tick: query due leads failed", "error", err)
		return stats, true
	}
	stats.Due = len(leads)
	if len(leads) == 0 {
		slog.Debug("Scheduler.Tick: no due leads")
		return stats, true
	}
	slog.Info("Scheduler.Tick: due leads found", "count", len(leads))

	for i := range leads {
		if ctx.Err() != nil {
			slog.Warn("Scheduler.Tick: context done, stopping early", "processed", i, "due", len(leads))
			break
		}
		s.tickLead(ctx, &leads[i], &stats)
	}

	stats.Duration = s.opts.Clock().Sub(start)
	slog.Info("Scheduler.Tick: completed",
		"due", stats.Due, "contacted", stats.Contacted, "deferred", stats.Deferred, "lost", stats.Lost,
		"failed", stats.Failed, "errors", stats.Errors, "skipped", stats.Skipped, "duration", stats.Duration)
	return stats, true
}

func (s *Scheduler) tickLead(ctx context.Context, lead *models.Lead, stats *TickStats) {
	if !s.acquire(lead.ID) {
		slog.Debug("Scheduler.Tick: lead already in flight", "leadID", lead.ID)
		stats.Skipped++
		return
	}
	defer s.release(lead.ID)

	claimed, err := s.store.ClaimLead(ctx, lead.ID)
	if err != nil {
		slog.Error("Scheduler.Tick: claim failed", "leadID", lead.ID, "error", err)
		stats.Errors++
		return
	}
	if !claimed {
		slog.Debug("Scheduler.Tick: lead claimed elsewhere", "leadID", lead.ID)
		stats.Skipped++
		return
	}
	slog.Debug("Scheduler.Tick: lead claimed", "leadID", lead.ID)
	lead.Status = models.LeadStatusProcessing

	agent, ok := s.checkAgent(ctx, lead)
	if !ok {
		stats.Errors++
		return
	}

	res, err := s.runClaimed(ctx, lead, agent)
	switch {
	case err != nil:
		stats.Errors++
	case res.Outcome.Contacted():
		stats.Contacted++
	case res.Outcome == OutcomeDeferred:
		stats.Deferred++
	case res.Outcome == OutcomeLost:
		stats.Lost++
	default:
		stats.Failed++
	}
}

// checkAgent loads the lead's agent after the claim. A missing agent or one of the wrong
// type hands the lead back to pending without counting an attempt.
func (s *Scheduler) checkAgent(ctx context.Context, lead *models.Lead) (*models.AgentConfig, bool) {
	agent, err := s.store.GetAgentConfig(ctx, lead.AgentConfigID)
	reason := ""
	switch {
	case err != nil:
		reason = fmt.Sprintf("load agent config: %v", err)
	case agent == nil:
		reason = "agent config not found"
	case agent.AgentType != models.AgentTypeProactiveSetter:
		reason = fmt.Sprintf("agent type is %q, not %q", agent.AgentType, models.AgentTypeProactiveSetter)
	default:
		return agent, true
	}
	slog.Error("Scheduler: releasing lead, agent unusable", "leadID", lead.ID, "agentConfigID", lead.AgentConfigID, "reason", reason)
	if _, err := s.store.UpdateLead(context.WithoutCancel(ctx), lead.ID, store.LeadUpdate{
		ExpectStatus: util.Ptr(models.LeadStatusProcessing),
		Status:       util.Ptr(models.LeadStatusPending),
	}); err != nil {
		slog.Error("Scheduler: could not release lead", "leadID", lead.ID, "error", err)
	}
	return nil, false
}

// runClaimed processes a claimed lead and always finalizes it.
func (s *Scheduler) runClaimed(ctx context.Context, lead *models.Lead, agent *models.AgentConfig) (res Result, err error) {
	defer s.finalize(ctx, lead.ID)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing lead: %v", r)
			slog.Error("Scheduler: panic escaped processor", "leadID", lead.ID, "panic", r)
		}
	}()

	res, err = s.processor.Process(ctx, lead, agent)
	if err != nil {
		slog.Error("Scheduler: processing failed", "leadID", lead.ID, "error", err)
		s.applyFailure(context.WithoutCancel(ctx), lead.ID, err.Error())
	}
	return res, err
}

// applyFailure counts a broken pipeline run like a transport failure.
func (s *Scheduler) applyFailure(ctx context.Context, leadID, message string) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil || lead == nil || lead.Status != models.LeadStatusProcessing {
		return
	}
	attempts, status := nextAfterFailure(lead.FailedAttempts)
	if _, err := s.store.UpdateLead(ctx, leadID, store.LeadUpdate{
		ExpectStatus:   util.Ptr(models.LeadStatusProcessing),
		Status:         &status,
		FailedAttempts: &attempts,
		LastError:      &message,
	}); err != nil {
		slog.Error("Scheduler.applyFailure: update failed", "leadID", leadID, "error", err)
		return
	}
	slog.Warn("Scheduler.applyFailure: attempt counted", "leadID", leadID, "attempts", attempts, "status", status)
}

// finalize is the safety net: a lead still in processing after its run is released
// with the same anti-loop rule as a failed send.
func (s *Scheduler) finalize(ctx context.Context, leadID string) {
	ctx = context.WithoutCancel(ctx)
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		slog.Error("Scheduler.finalize: could not re-read lead", "leadID", leadID, "error", err)
		return
	}
	if lead == nil || lead.Status != models.LeadStatusProcessing {
		return
	}
	s.releaseStranded(ctx, lead, "finalize")
}

func (s *Scheduler) releaseStranded(ctx context.Context, lead *models.Lead, source string) bool {
	attempts, status := nextAfterFailure(lead.FailedAttempts)
	u := store.LeadUpdate{
		ExpectStatus:   util.Ptr(models.LeadStatusProcessing),
		Status:         &status,
		FailedAttempts: &attempts,
		Metadata:       map[string]any{models.MetaSafetyNetFinalization: s.opts.Clock().UTC().Format(time.RFC3339)},
	}
	if status == models.LeadStatusFailed {
		u.LastError = util.Ptr(stalledError)
	}
	ok, err := s.store.UpdateLead(ctx, lead.ID, u)
	if err != nil {
		slog.Error("Scheduler: could not release stranded lead", "leadID", lead.ID, "source", source, "error", err)
		return false
	}
	if ok {
		slog.Warn("Scheduler: lead stranded in processing, released by safety net",
			"leadID", lead.ID, "source", source, "attempts", attempts, "max", MaxFailedAttempts, "status", status)
	}
	return ok
}

// ProcessLeadNow processes one lead immediately, outside the tick cadence.
func (s *Scheduler) ProcessLeadNow(ctx context.Context, leadID string) models.ProcessResult {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return models.ProcessResult{Message: err.Error()}
	}
	if lead == nil {
		return models.ProcessResult{Message: "Lead not found"}
	}
	agent, err := s.store.GetAgentConfig(ctx, lead.AgentConfigID)
	if err != nil {
		return models.ProcessResult{Message: err.Error()}
	}
	if agent == nil {
		return models.ProcessResult{Message: "Lead not found"}
	}
	if lead.Status != models.LeadStatusPending {
		return models.ProcessResult{Message: fmt.Sprintf("Lead status is %s, not pending", lead.Status)}
	}
	if agent.AgentType != models.AgentTypeProactiveSetter {
		return models.ProcessResult{Message: "Agent is not a proactive setter"}
	}
	if !s.acquire(leadID) {
		return models.ProcessResult{Message: "Lead already being processed"}
	}
	defer s.release(leadID)

	claimed, err := s.store.ClaimLead(ctx, leadID)
	if err != nil {
		return models.ProcessResult{Message: err.Error()}
	}
	if !claimed {
		return models.ProcessResult{Message: "Lead already claimed by another process"}
	}
	lead.Status = models.LeadStatusProcessing
	slog.Info("Scheduler.ProcessLeadNow: lead claimed", "leadID", leadID)

	res, err := s.runClaimed(ctx, lead, agent)
	if err != nil {
		return models.ProcessResult{Message: err.Error()}
	}
	switch res.Outcome {
	case OutcomeSent:
		return models.ProcessResult{Success: true, Message: "First message sent successfully"}
	case OutcomeSimulated:
		return models.ProcessResult{Success: true, Message: "First message simulated (dry run)"}
	default:
		return models.ProcessResult{Message: res.Detail}
	}
}

// RecoverStale releases leads left in processing by a process that died mid-run.
// Leads this process is working on are left alone.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	before := s.opts.Clock().Add(-s.opts.StaleAfter)
	leads, err := s.store.ListStaleProcessing(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale leads: %w", err)
	}
	released := 0
	for i := range leads {
		if s.isInflight(leads[i].ID) {
			continue
		}
		if s.releaseStranded(ctx, &leads[i], "startup") {
			released++
		}
	}
	if released > 0 {
		slog.Info("Scheduler.RecoverStale: stranded leads released", "count", released, "before", before)
	}
	return released, nil
}
