package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender stands in for real providers in development. It logs the masked
// destination and subject only, never the message body.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("sender", "log").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.logger.Info().Str("to", MaskEmail(to)).Str("subject", subject).Msg("email notification")
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, _ string) error {
	s.logger.Info().Str("to", MaskPhone(to)).Msg("sms notification")
	return nil
}
