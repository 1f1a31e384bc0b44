package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type SMSGatewayConfig struct {
	URL      string
	APIKey   string
	SenderID string
	Timeout  time.Duration
}

// SMSGateway posts messages to an HTTP SMS provider as JSON
// {"from","to","body"} with a bearer API key.
type SMSGateway struct {
	cfg    SMSGatewayConfig
	client *http.Client
}

func NewSMSGateway(cfg SMSGatewayConfig) (*SMSGateway, error) {
	if cfg.URL == "" {
		return nil, errors.New("sms gateway: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMSGateway{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type smsPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

func (g *SMSGateway) SendSMS(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(smsPayload{From: g.cfg.SenderID, To: to, Body: body})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
