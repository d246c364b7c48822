package outreach

import (
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestWithinWorkingHours(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	// Monday 2 March 2026, 10:30 in Rome.
	monday := time.Date(2026, 3, 2, 10, 30, 0, 0, rome)
	weekdays := []string{"monday", "tuesday", "wednesday", "thursday", "friday"}

	tests := []struct {
		name string
		wh   models.WorkingHours
		now  time.Time
		want bool
	}{
		{"disabled", models.WorkingHours{Enabled: false, Start: "11:00", End: "12:00", Days: weekdays}, monday, true},
		{"missing start", models.WorkingHours{Enabled: true, End: "12:00", Days: weekdays}, monday, true},
		{"missing days", models.WorkingHours{Enabled: true, Start: "09:00", End: "12:00"}, monday, true},
		{"inside", models.WorkingHours{Enabled: true, Start: "09:00", End: "18:00", Days: weekdays}, monday, true},
		{"before start", models.WorkingHours{Enabled: true, Start: "11:00", End: "18:00", Days: weekdays}, monday, false},
		{"end inclusive", models.WorkingHours{Enabled: true, Start: "09:00", End: "10:30", Days: weekdays}, monday, true},
		{"after end", models.WorkingHours{Enabled: true, Start: "09:00", End: "10:29", Days: weekdays}, monday, false},
		{"wrong day", models.WorkingHours{Enabled: true, Start: "09:00", End: "18:00", Days: []string{"saturday"}}, monday, false},
		{"day names case-insensitive", models.WorkingHours{Enabled: true, Start: "09:00", End: "18:00", Days: []string{"Monday"}}, monday, true},
		{"overnight window", models.WorkingHours{Enabled: true, Start: "22:00", End: "02:00", Days: weekdays}, time.Date(2026, 3, 2, 23, 15, 0, 0, rome), true},
		{"malformed time ignored", models.WorkingHours{Enabled: true, Start: "9am", End: "18:00", Days: weekdays}, monday, true},
		{
			"agent timezone wins",
			models.WorkingHours{Enabled: true, Start: "09:00", End: "10:00", Days: weekdays, Timezone: "America/New_York"},
			monday, // 04:30 in New York
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinWorkingHours(tt.wh, tt.now, rome); got != tt.want {
				t.Errorf("WithinWorkingHours = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithinWorkingHoursUsesFallbackZone(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	// 08:30 UTC is 09:30 in Rome (CET).
	now := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	wh := models.WorkingHours{Enabled: true, Start: "09:00", End: "10:00", Days: []string{"monday"}}
	if !WithinWorkingHours(wh, now, rome) {
		t.Error("expected the fallback zone to be applied")
	}
	if WithinWorkingHours(wh, now, time.UTC) {
		t.Error("expected 08:30 UTC to be outside the window")
	}
}

func TestNextAfterFailure(t *testing.T) {
	tests := []struct {
		in       int
		attempts int
		status   models.LeadStatus
	}{
		{0, 1, models.LeadStatusPending},
		{1, 2, models.LeadStatusPending},
		{2, 3, models.LeadStatusFailed},
		{5, 6, models.LeadStatusFailed},
	}
	for _, tt := range tests {
		n, s := nextAfterFailure(tt.in)
		if n != tt.attempts || s != tt.status {
			t.Errorf("nextAfterFailure(%d) = %d, %s; want %d, %s", tt.in, n, s, tt.attempts, tt.status)
		}
	}
}
