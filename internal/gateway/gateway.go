// Package gateway delivers outbound workflow messages.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sky93/dripflow/internal/core"
)

const (
	KindLog     = "log"
	KindWebhook = "webhook"

	DefaultTimeout = 10 * time.Second
)

// Config selects and configures a gateway.
type Config struct {
	Kind    string
	URL     string
	From    string
	Token   string
	Timeout time.Duration
}

// New builds the gateway named by cfg.Kind. An empty kind means log.
func New(cfg Config, logger *slog.Logger) (core.MessageGateway, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindLog:
		return NewLog(logger, cfg.From), nil
	case KindWebhook:
		return NewWebhook(cfg)
	default:
		return nil, fmt.Errorf("unknown gateway kind %q", cfg.Kind)
	}
}

// Log writes every message to the logger instead of sending it. It is the
// default for development and single-node trials.
type Log struct {
	logger *slog.Logger
	from   string
}

// NewLog creates a Log gateway.
func NewLog(logger *slog.Logger, from string) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, from: from}
}

// Send logs the message and returns a generated provider ID.
func (g *Log) Send(ctx context.Context, to, body string) (string, error) {
	if to == "" {
		return "", core.ErrExecution(core.CodeStepFailed, "message has no recipient")
	}
	id := "log-" + uuid.NewString()
	g.logger.LogAttrs(ctx, slog.LevelInfo, "message sent",
		slog.String("provider_id", id),
		slog.String("from", g.from),
		slog.String("to", to),
		slog.Int("length", len(body)))
	return id, nil
}

// Webhook POSTs each message as JSON to a URL and reads the provider ID from
// the response.
type Webhook struct {
	client *http.Client
	url    string
	from   string
	token  string
}

type webhookRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// NewWebhook creates a Webhook gateway.
func NewWebhook(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook gateway needs a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		from:   cfg.From,
		token:  cfg.Token,
	}, nil
}

// Send delivers one message. Non-2xx responses are errors so the job retries.
func (g *Webhook) Send(ctx context.Context, to, body string) (string, error) {
	payload, err := json.Marshal(webhookRequest{From: g.from, To: to, Body: body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var out webhookResponse
	if len(raw) > 0 && json.Unmarshal(raw, &out) == nil && out.ID != "" {
		return out.ID, nil
	}
	// Gateways that answer without a body still accepted the message.
	return "webhook-" + uuid.NewString(), nil
}
