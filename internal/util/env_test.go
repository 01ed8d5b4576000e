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
		t.Setenv("BULKPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("BULKPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Minute},
		{"45s", 45 * time.Second},
		{"1500", 1500 * time.Millisecond},
		{"-5s", 30 * time.Minute},
		{"soon", 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("BULKPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("BULKPIPE_TEST_DURATION", 30*time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
