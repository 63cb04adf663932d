package push

import (
	"testing"
	"time"
)

func TestNormalizeYN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "N"},
		{"y", "Y"},
		{" TRUE ", "Y"},
		{"1", "Y"},
		{"yes", "Y"},
		{"0", "N"},
		{"false", "N"},
		{"maybe", "N"},
	}
	for _, tt := range tests {
		if got := NormalizeYN(tt.in); got != tt.want {
			t.Errorf("NormalizeYN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedisSettingsDefaults(t *testing.T) {
	s := RedisSettings{Host: "cache"}.WithDefaults()
	if s.Port != 6379 {
		t.Errorf("port = %d, want 6379", s.Port)
	}
	if s.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", s.Timeout)
	}
	if s.Enabled != "N" {
		t.Errorf("enabled = %q, want N", s.Enabled)
	}
}

func TestPushSettingsDefaults(t *testing.T) {
	s := PushSettings{Enabled: "true"}.WithDefaults()
	if s.Enabled != "Y" {
		t.Errorf("enabled = %q, want Y", s.Enabled)
	}
	if s.BaseURL == "" || s.TTLMillis <= 0 {
		t.Errorf("defaults not applied: %+v", s)
	}
}
