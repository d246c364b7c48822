package outreach

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// DefaultTimezone is used when neither the agent nor the configuration names a zone.
const DefaultTimezone = "Europe/Rome"

// parseClock reads "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// WithinWorkingHours reports whether now falls inside the agent's sending window.
// A disabled or incomplete window always allows sending. The end minute is inclusive
// and a window whose end precedes its start wraps past midnight.
func WithinWorkingHours(wh models.WorkingHours, now time.Time, fallback *time.Location) bool {
	if !wh.Enabled || wh.Start == "" || wh.End == "" || len(wh.Days) == 0 {
		return true
	}
	loc := fallback
	if wh.Timezone != "" {
		if l, err := time.LoadLocation(wh.Timezone); err == nil {
			loc = l
		} else {
			slog.Warn("WithinWorkingHours: unknown timezone, using default", "timezone", wh.Timezone, "error", err)
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	start, err := parseClock(wh.Start)
	if err != nil {
		slog.Warn("WithinWorkingHours: ignoring window", "error", err)
		return true
	}
	end, err := parseClock(wh.End)
	if err != nil {
		slog.Warn("WithinWorkingHours: ignoring window", "error", err)
		return true
	}

	local := now.In(loc)
	day := strings.ToLower(local.Weekday().String())
	if !slices.ContainsFunc(wh.Days, func(d string) bool { return strings.EqualFold(strings.TrimSpace(d), day) }) {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}
