package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/google/uuid"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"
)

// sqlBackend implements every repository on database/sql. PostgresStore and
// SQLiteStore embed it and differ only in connection setup and placeholders.
type sqlBackend struct {
	db      *sql.DB
	dialect string
}

func (b *sqlBackend) q(query string) string {
	return rebind(b.dialect, query)
}

// Close closes the underlying database connection.
func (b *sqlBackend) Close() error {
	return b.db.Close()
}

// DB exposes the underlying connection, e.g. for health checks.
func (b *sqlBackend) DB() *sql.DB {
	return b.db
}

func (b *sqlBackend) FindDueLeads(ctx context.Context, f DueLeadFilter) ([]models.Lead, error) {
	query := `SELECT ` + prefixColumns("l.", leadColumns) + `
		FROM proactive_leads l JOIN agent_configs a ON a.id = l.agent_config_id
		WHERE l.status = ? AND l.contact_schedule <= ?`
	args := []any{string(models.LeadStatusPending), f.Now.UTC()}
	if f.AgentType != "" {
		query += ` AND a.agent_type = ?`
		args = append(args, f.AgentType)
	}
	query += ` ORDER BY l.contact_schedule ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		slog.Error("sqlBackend.FindDueLeads query failed", "error", err)
		return nil, fmt.Errorf("find due leads query failed: %w", err)
	}
	defer rows.Close()
	leads, err := scanLeads(rows)
	if err != nil {
		return nil, err
	}
	slog.Debug("sqlBackend.FindDueLeads", "count", len(leads), "agentType", f.AgentType)
	return leads, nil
}

func (b *sqlBackend) ClaimLead(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		b.q(`UPDATE proactive_leads SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		string(models.LeadStatusProcessing), time.Now().UTC(), id, string(models.LeadStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("claim lead %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim lead %s rows affected: %w", id, err)
	}
	slog.Debug("sqlBackend.ClaimLead", "leadID", id, "claimed", n == 1)
	return n == 1, nil
}

func (b *sqlBackend) UpdateLead(ctx context.Context, id string, u LeadUpdate) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update lead tx: %w", err)
	}
	defer tx.Rollback()

	lockClause := ""
	if b.dialect == dialectPostgres {
		lockClause = " FOR UPDATE"
	}
	var status string
	var rawMeta []byte
	err = tx.QueryRowContext(ctx, b.q(`SELECT status, metadata FROM proactive_leads WHERE id = ?`+lockClause), id).
		Scan(&status, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load lead %s for update: %w", id, err)
	}
	if u.ExpectStatus != nil && status != string(*u.ExpectStatus) {
		slog.Debug("sqlBackend.UpdateLead: status guard mismatch", "leadID", id, "expected", *u.ExpectStatus, "actual", status)
		return false, nil
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.FailedAttempts != nil {
		add("failed_attempts", *u.FailedAttempts)
	}
	if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.LastContactedAt != nil {
		add("last_contacted_at", u.LastContactedAt.UTC())
	}
	if u.LastMessageSent != nil {
		add("last_message_sent", *u.LastMessageSent)
	}
	if u.WelcomeEmailSent != nil {
		add("welcome_email_sent", *u.WelcomeEmailSent)
	}
	if u.WelcomeEmailSentAt != nil {
		add("welcome_email_sent_at", u.WelcomeEmailSentAt.UTC())
	}
	if u.WelcomeEmailError != nil {
		add("welcome_email_error", *u.WelcomeEmailError)
	}
	if len(u.Metadata) > 0 {
		current, err := decodeJSON(rawMeta)
		if err != nil {
			return false, err
		}
		merged, err := encodeJSON(mergeMetadata(current, u.Metadata))
		if err != nil {
			return false, err
		}
		add("metadata", merged)
	}

	query := `UPDATE proactive_leads SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if u.ExpectStatus != nil {
		query += ` AND status = ?`
		args = append(args, string(*u.ExpectStatus))
	}
	res, err := tx.ExecContext(ctx, b.q(query), args...)
	if err != nil {
		return false, fmt.Errorf("update lead %s failed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update lead %s rows affected: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update lead %s: %w", id, err)
	}
	slog.Debug("sqlBackend.UpdateLead", "leadID", id, "updated", n == 1)
	return n == 1, nil
}

func (b *sqlBackend) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+leadColumns+` FROM proactive_leads WHERE id = ?`), id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %s failed: %w", id, err)
	}
	return &l, nil
}

func (b *sqlBackend) InsertLead(ctx context.Context, l *models.Lead) error {
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
	leadInfo, err := encodeJSON(l.LeadInfo)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(l.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO proactive_leads (`+leadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.ConsultantID, l.AgentConfigID, nilIfEmpty(l.CampaignID), l.LeadCategory, l.FirstName, l.LastName,
		l.PhoneNumber, l.Email, leadInfo, l.IdealState, l.OpeningTemplateID, l.ContactSchedule.UTC(), l.ContactFrequency, nullableTime(l.LastContactedAt),
		l.LastMessageSent, string(l.Status), l.FailedAttempts, l.LastError, l.WelcomeEmailEnabled, l.WelcomeEmailSent,
		nullableTime(l.WelcomeEmailSentAt), l.WelcomeEmailError, metadata, l.CreatedAt.UTC(), l.UpdatedAt,
	)
	if err != nil {
		slog.Error("sqlBackend.InsertLead failed", "error", err, "leadID", l.ID)
		return fmt.Errorf("insert lead %s failed: %w", l.ID, err)
	}
	slog.Debug("sqlBackend.InsertLead", "leadID", l.ID, "status", l.Status)
	return nil
}

func (b *sqlBackend) ListStaleProcessing(ctx context.Context, before time.Time) ([]models.Lead, error) {
	rows, err := b.db.QueryContext(ctx,
		b.q(`SELECT `+leadColumns+` FROM proactive_leads WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`),
		string(models.LeadStatusProcessing), before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale processing leads failed: %w", err)
	}
	defer rows.Close()
	return scanLeads(rows)
}

const agentColumns = `id, consultant_id, agent_name, agent_type, consultant_display_name, business_name,
	default_objectives, default_desires, default_hook, default_ideal_state, opening_template_id,
	opening_template_body, working_hours, dry_run, transport, twilio_account_sid, twilio_auth_token,
	twilio_from_number, created_at, updated_at`

func (b *sqlBackend) GetAgentConfig(ctx context.Context, id string) (*models.AgentConfig, error) {
	var a models.AgentConfig
	var hours []byte
	err := b.db.QueryRowContext(ctx, b.q(`SELECT `+agentColumns+` FROM agent_configs WHERE id = ?`), id).Scan(
		&a.ID, &a.ConsultantID, &a.AgentName, &a.AgentType, &a.ConsultantDisplayName, &a.BusinessName,
		&a.DefaultObjectives, &a.DefaultDesires, &a.DefaultHook, &a.DefaultIdealState, &a.OpeningTemplateID,
		&a.OpeningTemplateBody, &hours, &a.DryRun, &a.Transport, &a.Twilio.AccountSID, &a.Twilio.AuthToken,
		&a.Twilio.FromNumber, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent config %s failed: %w", id, err)
	}
	if len(hours) > 0 {
		if err := jsonUnmarshal(hours, &a.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours for agent %s: %w", id, err)
		}
	}
	return &a, nil
}

func (b *sqlBackend) SaveAgentConfig(ctx context.Context, a *models.AgentConfig) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	hours, err := jsonMarshal(a.WorkingHours)
	if err != nil {
		return fmt.Errorf("encode working hours: %w", err)
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO agent_configs (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			consultant_id = excluded.consultant_id, agent_name = excluded.agent_name, agent_type = excluded.agent_type,
			consultant_display_name = excluded.consultant_display_name, business_name = excluded.business_name,
			default_objectives = excluded.default_objectives, default_desires = excluded.default_desires,
			default_hook = excluded.default_hook, default_ideal_state = excluded.default_ideal_state,
			opening_template_id = excluded.opening_template_id, opening_template_body = excluded.opening_template_body,
			working_hours = excluded.working_hours, dry_run = excluded.dry_run, transport = excluded.transport,
			twilio_account_sid = excluded.twilio_account_sid, twilio_auth_token = excluded.twilio_auth_token,
			twilio_from_number = excluded.twilio_from_number, updated_at = excluded.updated_at`),
		a.ID, a.ConsultantID, a.AgentName, a.AgentType, a.ConsultantDisplayName, a.BusinessName,
		a.DefaultObjectives, a.DefaultDesires, a.DefaultHook, a.DefaultIdealState, a.OpeningTemplateID,
		a.OpeningTemplateBody, hours, a.DryRun, a.Transport, a.Twilio.AccountSID, a.Twilio.AuthToken,
		a.Twilio.FromNumber, a.CreatedAt.UTC(), a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent config %s failed: %w", a.ID, err)
	}
	slog.Debug("sqlBackend.SaveAgentConfig", "agentConfigID", a.ID)
	return nil
}

func (b *sqlBackend) GetCampaign(ctx context.Context, consultantID, id string) (*models.Campaign, error) {
	var c models.Campaign
	err := b.db.QueryRowContext(ctx, b.q(`SELECT id, consultant_id, name, is_active, opening_template_id,
		default_objectives, default_desires, default_hook, default_ideal_state, created_at
		FROM campaigns WHERE id = ? AND consultant_id = ?`), id, consultantID).Scan(
		&c.ID, &c.ConsultantID, &c.Name, &c.IsActive, &c.OpeningTemplateID,
		&c.DefaultObjectives, &c.DefaultDesires, &c.DefaultHook, &c.DefaultIdealState, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s failed: %w", id, err)
	}
	return &c, nil
}

func (b *sqlBackend) SaveCampaign(ctx context.Context, c *models.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx, b.q(`INSERT INTO campaigns (id, consultant_id, name, is_active, opening_template_id,
		default_objectives, default_desires, default_hook, default_ideal_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, is_active = excluded.is_active, opening_template_id = excluded.opening_template_id,
			default_objectives = excluded.default_objectives, default_desires = excluded.default_desires,
			default_hook = excluded.default_hook, default_ideal_state = excluded.default_ideal_state`),
		c.ID, c.ConsultantID, c.Name, c.IsActive, c.OpeningTemplateID,
		c.DefaultObjectives, c.DefaultDesires, c.DefaultHook, c.DefaultIdealState, c.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save campaign %s failed: %w", c.ID, err)
	}
	return nil
}

func (b *sqlBackend) getConversation(ctx context.Context, agentConfigID, phone string) (*models.Conversation, error) {
	var c models.Conversation
	var leadID sql.NullString
	var lastAt sql.NullTime
	err := b.db.QueryRowContext(ctx, b.q(`SELECT id, consultant_id, agent_config_id, phone_number, lead_id, is_lead,
		message_count, last_message_at, created_at
		FROM whatsapp_conversations WHERE agent_config_id = ? AND phone_number = ?`), agentConfigID, phone).Scan(
		&c.ID, &c.ConsultantID, &c.AgentConfigID, &c.PhoneNumber, &leadID, &c.IsLead,
		&c.MessageCount, &lastAt, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	c.LeadID = leadID.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return &c, nil
}

func (b *sqlBackend) FindOrCreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error) {
	existing, err := b.getConversation(ctx, c.AgentConfigID, c.PhoneNumber)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO whatsapp_conversations
			(id, consultant_id, agent_config_id, phone_number, lead_id, is_lead, message_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT (agent_config_id, phone_number) DO NOTHING`),
			c.ID, c.ConsultantID, c.AgentConfigID, c.PhoneNumber, nilIfEmpty(c.LeadID), c.LeadID != "", time.Now().UTC(),
		)
		if err != nil {
			return nil, fmt.Errorf("create conversation failed: %w", err)
		}
		// a concurrent insert may have won; read back whichever row exists
		return b.getConversation(ctx, c.AgentConfigID, c.PhoneNumber)
	}
	if c.LeadID != "" && existing.LeadID != c.LeadID {
		_, err = b.db.ExecContext(ctx, b.q(`UPDATE whatsapp_conversations SET lead_id = ?, is_lead = ? WHERE id = ?`),
			c.LeadID, true, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("link conversation %s to lead: %w", existing.ID, err)
		}
		existing.LeadID = c.LeadID
		existing.IsLead = true
	}
	return existing, nil
}

func (b *sqlBackend) AppendMessage(ctx context.Context, m *models.ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta, err := encodeJSON(m.Metadata)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message tx: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, b.q(`INSERT INTO whatsapp_messages
		(id, conversation_id, direction, sender, body, status, provider_message_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.ConversationID, m.Direction, m.Sender, m.Body, string(m.Status), m.ProviderMessageID, meta, m.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	_, err = tx.ExecContext(ctx, b.q(`UPDATE whatsapp_conversations
		SET message_count = message_count + 1, last_message_at = ? WHERE id = ?`), m.CreatedAt.UTC(), m.ConversationID)
	if err != nil {
		return fmt.Errorf("bump conversation %s: %w", m.ConversationID, err)
	}
	return tx.Commit()
}

func (b *sqlBackend) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus, providerMessageID string) error {
	var err error
	if providerMessageID == "" {
		_, err = b.db.ExecContext(ctx, b.q(`UPDATE whatsapp_messages SET status = ? WHERE id = ?`), string(status), id)
	} else {
		_, err = b.db.ExecContext(ctx, b.q(`UPDATE whatsapp_messages SET status = ?, provider_message_id = ? WHERE id = ?`),
			string(status), providerMessageID, id)
	}
	if err != nil {
		return fmt.Errorf("update message %s status: %w", id, err)
	}
	return nil
}

func (b *sqlBackend) ListMessages(ctx context.Context, conversationID string) ([]models.ConversationMessage, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, conversation_id, direction, sender, body, status,
		provider_message_id, metadata, created_at
		FROM whatsapp_messages WHERE conversation_id = ? ORDER BY created_at ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()
	var msgs []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var status string
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Sender, &m.Body, &status,
			&m.ProviderMessageID, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.Status = models.MessageStatus(status)
		if m.Metadata, err = decodeJSON(meta); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (b *sqlBackend) AppendActivity(ctx context.Context, e models.ActivityEntry) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO proactive_lead_activity_logs
		(id, lead_id, consultant_id, agent_config_id, event_type, message, details, lead_status_at_event, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.LeadID, e.ConsultantID, e.AgentConfigID, string(e.EventType), e.Message, details,
		string(e.LeadStatusAtEvent), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append activity for lead %s: %w", e.LeadID, err)
	}
	return nil
}

func (b *sqlBackend) ListActivity(ctx context.Context, leadID string) ([]models.ActivityEntry, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, lead_id, consultant_id, agent_config_id, event_type, message,
		details, lead_status_at_event, created_at
		FROM proactive_lead_activity_logs WHERE lead_id = ? ORDER BY created_at ASC`), leadID)
	if err != nil {
		return nil, fmt.Errorf("list activity failed: %w", err)
	}
	defer rows.Close()
	var entries []models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var eventType, status string
		var details []byte
		if err := rows.Scan(&e.ID, &e.LeadID, &e.ConsultantID, &e.AgentConfigID, &eventType, &e.Message,
			&details, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity failed: %w", err)
		}
		e.EventType = models.ActivityEventType(eventType)
		e.LeadStatusAtEvent = models.LeadStatus(status)
		if e.Details, err = decodeJSON(details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *sqlBackend) RecordSystemError(ctx context.Context, e models.SystemError) error {
	details, err := encodeJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.q(`INSERT INTO system_errors
		(id, consultant_id, agent_config_id, error_type, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ConsultantID, e.AgentConfigID, e.ErrorType, e.Message, details, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record system error: %w", err)
	}
	return nil
}

func (b *sqlBackend) ListSystemErrors(ctx context.Context, consultantID string) ([]models.SystemError, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT id, consultant_id, agent_config_id, error_type, message, details, created_at
		FROM system_errors WHERE consultant_id = ? ORDER BY created_at ASC`), consultantID)
	if err != nil {
		return nil, fmt.Errorf("list system errors failed: %w", err)
	}
	defer rows.Close()
	var out []models.SystemError
	for rows.Next() {
		var e models.SystemError
		var details []byte
		if err := rows.Scan(&e.ID, &e.ConsultantID, &e.AgentConfigID, &e.ErrorType, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan system error failed: %w", err)
		}
		if e.Details, err = decodeJSON(details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
