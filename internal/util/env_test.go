package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("OUTREACH_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("OUTREACH_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("OUTREACH_TEST_INT", "42")
	if got := ParseIntEnv("OUTREACH_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("OUTREACH_TEST_INT", "-1")
	if got := ParseIntEnv("OUTREACH_TEST_INT", 7); got != 7 {
		t.Errorf("expected default for negative value, got %d", got)
	}
	t.Setenv("OUTREACH_TEST_INT", "abc")
	if got := ParseIntEnv("OUTREACH_TEST_INT", 7); got != 7 {
		t.Errorf("expected default for garbage, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("OUTREACH_TEST_DUR", "90s")
	if got := ParseDurationEnv("OUTREACH_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("OUTREACH_TEST_DUR", "soon")
	if got := ParseDurationEnv("OUTREACH_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default, got %v", got)
	}
}

func TestParseFloatEnv(t *testing.T) {
	tests := []struct {
		val  string
		want float64
	}{
		{"", 5},
		{"2.5", 2.5},
		{"0", 0},
		{"-1", 5},
		{"fast", 5},
	}
	for _, tt := range tests {
		t.Setenv("OUTREACH_TEST_FLOAT", tt.val)
		if got := ParseFloatEnv("OUTREACH_TEST_FLOAT", 5); got != tt.want {
			t.Errorf("ParseFloatEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("OUTREACH_TEST_STR", "  ")
	if got := GetEnv("OUTREACH_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for blank value, got %q", got)
	}
	t.Setenv("OUTREACH_TEST_STR", "value")
	if got := GetEnv("OUTREACH_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(3)
	if p == nil || *p != 3 {
		t.Fatalf("Ptr(3) = %v", p)
	}
}
