package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/platform/telemetry"
)

// Message is one templated notification addressed to a single recipient.
type Message struct {
	Channel    Channel
	To         string
	TemplateID string
	Data       map[string]string
}

// Result reports how a dispatch went. Retries is Attempts-1.
type Result struct {
	Attempts int
	Retries  int
}

type DispatcherOptions struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Dispatcher renders templates and sends them with exponential backoff.
type Dispatcher struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	opts      DispatcherOptions
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

func NewDispatcher(email EmailSender, sms SMSSender, templates *TemplateEngine, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff * 8
	}
	return &Dispatcher{
		email:     email,
		sms:       sms,
		templates: templates,
		opts:      opts,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// WithMetrics attaches delivery metrics.
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch renders msg and delivers it, retrying transient sender failures.
// Rendering and channel errors are not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) (Result, error) {
	var res Result

	send, err := d.senderFor(msg.Channel)
	if err != nil {
		return res, err
	}
	tpl, err := d.templates.Render(TemplateFor(msg.TemplateID, msg.Channel), msg.Data)
	if err != nil {
		return res, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.InitialBackoff
	eb.MaxInterval = d.opts.MaxBackoff

	masked := MaskDestination(msg.Channel, msg.To)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		return struct{}{}, send(ctx, msg.To, tpl)
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(d.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.logger.Warn().Err(err).
				Str("channel", string(msg.Channel)).
				Str("to", masked).
				Int("attempt", res.Attempts).
				Dur("retry_in", next).
				Msg("notification send failed, retrying")
		}),
	)
	if res.Attempts > 0 {
		res.Retries = res.Attempts - 1
	}

	if err != nil {
		d.metrics.NotifyAttempts(string(msg.Channel), "failed", res.Attempts)
		d.logger.Error().Err(err).
			Str("channel", string(msg.Channel)).
			Str("to", masked).
			Str("template", msg.TemplateID).
			Int("attempts", res.Attempts).
			Msg("notification delivery failed")
		return res, fmt.Errorf("deliver %s after %d attempts: %w", msg.Channel, res.Attempts, err)
	}

	d.metrics.NotifyAttempts(string(msg.Channel), "sent", res.Attempts)
	d.logger.Debug().
		Str("channel", string(msg.Channel)).
		Str("to", masked).
		Str("template", msg.TemplateID).
		Int("attempts", res.Attempts).
		Msg("notification delivered")
	return res, nil
}

type sendFunc func(ctx context.Context, to string, tpl *Template) error

func (d *Dispatcher) senderFor(ch Channel) (sendFunc, error) {
	switch ch {
	case ChannelEmail:
		if d.email == nil {
			return nil, errors.New("notification: no email sender configured")
		}
		return func(ctx context.Context, to string, tpl *Template) error {
			return d.email.SendEmail(ctx, to, tpl.Subject, tpl.Body)
		}, nil
	case ChannelSMS:
		if d.sms == nil {
			return nil, errors.New("notification: no sms sender configured")
		}
		return func(ctx context.Context, to string, tpl *Template) error {
			return d.sms.SendSMS(ctx, to, tpl.Body)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, ch)
	}
}
