// Package notification delivers MFA codes and account notices over email and
// SMS, with template rendering and retrying dispatch.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Channel is the delivery medium for a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

var ErrUnsupportedChannel = errors.New("notification: unsupported channel")

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Built-in template IDs.
const (
	TemplateMFACode     = "mfa-code"
	TemplateMFAEnabled  = "2fa-enabled"
	TemplateMFADisabled = "2fa-disabled"
	TemplateSMSCode     = "mfa-code-sms"
	TemplateSMSEnabled  = "2fa-enabled-sms"
	TemplateSMSDisabled = "2fa-disabled-sms"
)

// Template defines a reusable notification template. SMS templates leave
// Subject empty.
type Template struct {
	ID      string
	Subject string
	Body    string
	Channel Channel
}

// TemplateEngine holds templates and renders them with {{key}} substitution.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateMFACode,
			Subject: "Your verification code",
			Body:    "Your verification code is {{code}}. It expires in {{expires_minutes}} minutes. If you did not request this code, contact your administrator.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateSMSCode,
			Body:    "Your verification code is {{code}}. Expires in {{expires_minutes}} min.",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateMFAEnabled,
			Subject: "Two-factor authentication enabled",
			Body:    "Two-factor authentication via {{method}} is now enabled on your account.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateSMSEnabled,
			Body:    "Two-factor authentication is now enabled on your account.",
			Channel: ChannelSMS,
		},
		{
			ID:      TemplateMFADisabled,
			Subject: "Two-factor authentication disabled",
			Body:    "Two-factor authentication has been disabled on your account. If this was not you, contact your administrator immediately.",
			Channel: ChannelEmail,
		},
		{
			ID:      TemplateSMSDisabled,
			Body:    "Two-factor authentication was disabled on your account.",
			Channel: ChannelSMS,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (*Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}

	out := *t
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		out.Subject = strings.ReplaceAll(out.Subject, placeholder, v)
		out.Body = strings.ReplaceAll(out.Body, placeholder, v)
	}
	return &out, nil
}

// TemplateFor picks the channel variant of a base email template ID.
func TemplateFor(base string, ch Channel) string {
	if ch == ChannelSMS {
		return base + "-sms"
	}
	return base
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender. FailTimes makes the
// first N calls fail; ShouldFail fails every call.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailTimes  int
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		return errors.New(m.failMessage())
	}
	return nil
}

func (m *MockEmailSender) failMessage() string {
	if m.FailError == "" {
		return "email send failed"
	}
	return m.FailError
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailTimes  int
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		if m.FailError == "" {
			return errors.New("sms send failed")
		}
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
