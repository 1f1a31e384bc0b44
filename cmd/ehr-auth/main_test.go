package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/config"
	"github.com/ehr/ehr-auth/internal/platform/db"
	"github.com/ehr/ehr-auth/internal/platform/middleware"
	"github.com/ehr/ehr-auth/internal/platform/notification"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"admin", []string{"admin"}},
		{" admin , clinician,,", []string{"admin", "clinician"}},
	}
	for _, tt := range tests {
		got := splitList(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("splitList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestSessionOptions(t *testing.T) {
	cfg := &config.Config{
		AccessTokenTTL:       5 * time.Minute,
		RefreshTokenTTL:      24 * time.Hour,
		RefreshTokenRotation: false,
		RefreshReuseGrace:    3 * time.Second,
	}
	opts := sessionOptions(cfg)
	if opts.AccessTTL != 5*time.Minute || opts.RefreshTTL != 24*time.Hour {
		t.Errorf("ttls = %s/%s", opts.AccessTTL, opts.RefreshTTL)
	}
	if opts.RotateRefresh {
		t.Error("expected rotation off")
	}
	if opts.ReuseGrace != 3*time.Second {
		t.Errorf("ReuseGrace = %s", opts.ReuseGrace)
	}
	if opts.TouchInterval != time.Minute {
		t.Errorf("unset touch interval should keep default, got %s", opts.TouchInterval)
	}
}

func TestMFAOptions(t *testing.T) {
	cfg := &config.Config{MFACodeLength: 8, MFACodeExpiry: 5 * time.Minute, MFAMaxAttempts: 5, MFAResendCooldown: 30 * time.Second}
	opts := mfaOptions(cfg)
	if opts.CodeLength != 8 || opts.MaxAttempts != 5 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.CodeExpiry != 5*time.Minute || opts.ResendCooldown != 30*time.Second {
		t.Errorf("opts = %+v", opts)
	}
}

func TestRateLimitConfig_Defaults(t *testing.T) {
	got := rateLimitConfig(&config.Config{})
	want := middleware.DefaultRateLimitConfig()
	if got.RequestsPerSecond != want.RequestsPerSecond || got.BurstSize != want.BurstSize {
		t.Errorf("got %+v, want %+v", got, want)
	}

	got = rateLimitConfig(&config.Config{RateLimitRPS: 2, RateLimitBurst: 4})
	if got.RequestsPerSecond != 2 || got.BurstSize != 4 {
		t.Errorf("got %+v", got)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "users", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "sessions"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2024-03-01 12:00:00") {
		t.Errorf("missing applied row:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("missing pending row:\n%s", out)
	}
}

func TestNewDispatcher_FallsBackToLogSender(t *testing.T) {
	cfg := &config.Config{NotifyMaxRetries: 0}
	d, err := newDispatcher(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newDispatcher: %v", err)
	}
	res, err := d.Dispatch(context.Background(), notification.Message{
		Channel:    notification.ChannelEmail,
		To:         "a@example.com",
		TemplateID: notification.TemplateMFACode,
		Data:       map[string]string{"code": "123456", "expires_minutes": "10"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
}

func TestNewDispatcher_RejectsBadSMTP(t *testing.T) {
	cfg := &config.Config{SMTPHost: "smtp.example.com"}
	if _, err := newDispatcher(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for SMTP host without port or sender")
	}
}
