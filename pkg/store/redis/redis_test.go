package redisstore

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestSettingsFromAddr(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
	}{
		{"10.0.0.5:6380", "10.0.0.5", 6380},
		{"cache", "cache", 6379},
		{"cache:abc", "cache", 6379},
		{"[::1]:7000", "::1", 7000},
	}
	for _, tt := range tests {
		got := SettingsFromAddr(tt.addr, "pw", 2)
		if got.Host != tt.wantHost || got.Port != tt.wantPort {
			t.Errorf("SettingsFromAddr(%q) = %s:%d, want %s:%d", tt.addr, got.Host, got.Port, tt.wantHost, tt.wantPort)
		}
		if got.Password != "pw" || got.Database != 2 || got.Enabled != "Y" {
			t.Errorf("SettingsFromAddr(%q) dropped credentials: %+v", tt.addr, got)
		}
	}
}

func TestNewRequiresHost(t *testing.T) {
	if _, err := New(SettingsFromAddr("", "", 0)); err == nil {
		t.Fatal("expected error for empty host")
	}
}

func TestStorePing(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)

	st, err := New(SettingsFromAddr(net.JoinHostPort(host, strconv.Itoa(port)), "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer st.Close()

	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
