package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts an optional timestamp for a nullable column.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// encodeJSON renders a map column. Nil maps are stored as an empty object.
func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

// mergeMetadata overlays patch onto base without mutating either.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(dialect, query string) string {
	if dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const leadColumns = `id, consultant_id, agent_config_id, campaign_id, lead_category, first_name, last_name,
	phone_number, email, lead_info, ideal_state, opening_template_id, contact_schedule, contact_frequency, last_contacted_at,
	last_message_sent, status, failed_attempts, last_error, welcome_email_enabled, welcome_email_sent,
	welcome_email_sent_at, welcome_email_error, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanLead scans a lead selected with leadColumns.
func scanLead(r rowScanner) (models.Lead, error) {
	var l models.Lead
	var campaignID sql.NullString
	var leadInfo, metadata []byte
	var lastContacted, welcomeSentAt sql.NullTime
	var status string
	err := r.Scan(
		&l.ID, &l.ConsultantID, &l.AgentConfigID, &campaignID, &l.LeadCategory, &l.FirstName, &l.LastName,
		&l.PhoneNumber, &l.Email, &leadInfo, &l.IdealState, &l.OpeningTemplateID, &l.ContactSchedule, &l.ContactFrequency, &lastContacted,
		&l.LastMessageSent, &status, &l.FailedAttempts, &l.LastError, &l.WelcomeEmailEnabled, &l.WelcomeEmailSent,
		&welcomeSentAt, &l.WelcomeEmailError, &metadata, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return l, err
	}
	l.CampaignID = campaignID.String
	l.Status = models.LeadStatus(status)
	if lastContacted.Valid {
		t := lastContacted.Time
		l.LastContactedAt = &t
	}
	if welcomeSentAt.Valid {
		t := welcomeSentAt.Time
		l.WelcomeEmailSentAt = &t
	}
	if l.LeadInfo, err = decodeJSON(leadInfo); err != nil {
		return l, err
	}
	if l.Metadata, err = decodeJSON(metadata); err != nil {
		return l, err
	}
	return l, nil
}

func scanLeads(rows *sql.Rows) ([]models.Lead, error) {
	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead failed: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lead rows failed: %w", err)
	}
	return leads, nil
}

func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func jsonUnmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
