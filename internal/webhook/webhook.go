// ABOUTME: Webhook delivery sinks for session events.
// ABOUTME: Per-session endpoints filter on config; the global endpoint signs payloads.

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zapfy/zap-gateway/internal/router"
	"github.com/zapfy/zap-gateway/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, computed
// with the global webhook secret.
const SignatureHeader = "X-Webhook-Signature"

// Options tunes webhook delivery. Zero values take the defaults below.
type Options struct {
	Attempts int           // delivery attempts per event
	Backoff  time.Duration // multiplied by the attempt number between tries
	Timeout  time.Duration // per-attempt request timeout
}

func (o *Options) applyDefaults() {
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.Backoff == 0 {
		o.Backoff = time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
}

// payload is the wire envelope posted to webhook endpoints.
type payload struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// sender posts signed or unsigned JSON payloads with linear-backoff retries.
type sender struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// post delivers the event envelope to url, retrying transient failures.
// Any 2xx response counts as delivered; everything else is retried until
// the attempt budget runs out.
func (s *sender) post(ctx context.Context, url, secret string, ev *router.Event) error {
	body, err := json.Marshal(payload{
		Event:     ev.Name,
		SessionID: ev.SessionID,
		Data:      ev.Data,
		Timestamp: ev.Timestamp.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.opts.Backoff * time.Duration(attempt-1)):
			}
		}

		lastErr = s.postOnce(ctx, url, secret, body)
		if lastErr == nil {
			return nil
		}
		s.logger.Warn("webhook delivery attempt failed",
			"url", url, "event", ev.Name, "session_id", ev.SessionID,
			"attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("after %d attempts: %w", s.opts.Attempts, lastErr)
}

func (s *sender) postOnce(ctx context.Context, url, secret string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SessionSink delivers events to each session's own webhook endpoint.
// The per-session config decides the target URL and which event names are
// delivered; sessions with webhooks disabled or an empty allow-list get
// nothing.
type SessionSink struct {
	store  store.Store
	sender *sender
	logger *slog.Logger
}

// NewSessionSink creates a session-webhook sink reading per-session config
// from st.
func NewSessionSink(st store.Store, opts Options, logger *slog.Logger) *SessionSink {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "webhook")
	opts.applyDefaults()
	return &SessionSink{
		store:  st,
		sender: &sender{client: &http.Client{}, opts: opts, logger: logger},
		logger: logger,
	}
}

func (s *SessionSink) Name() string { return "session-webhook" }

// Deliver posts the event to the session's configured endpoint, if the
// session subscribed to this event name.
func (s *SessionSink) Deliver(ctx context.Context, ev *router.Event) error {
	cfg, err := s.store.GetConfig(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("loading session config: %w", err)
	}
	if !cfg.WebhookEnabled || cfg.WebhookURL == "" {
		return nil
	}
	if !cfg.SubscribedTo(ev.Name) {
		return nil
	}
	return s.sender.post(ctx, cfg.WebhookURL, "", ev)
}

// GlobalSink delivers every event of every session to one operator-wide
// endpoint, signing each payload so the receiver can authenticate it.
type GlobalSink struct {
	url    string
	secret string
	sender *sender
}

// NewGlobalSink creates the operator-wide webhook sink.
func NewGlobalSink(url, secret string, opts Options, logger *slog.Logger) *GlobalSink {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &GlobalSink{
		url:    url,
		secret: secret,
		sender: &sender{client: &http.Client{}, opts: opts, logger: logger.With("component", "global-webhook")},
	}
}

func (s *GlobalSink) Name() string { return "global-webhook" }

// Deliver posts the event unconditionally, with an HMAC signature header.
func (s *GlobalSink) Deliver(ctx context.Context, ev *router.Event) error {
	return s.sender.post(ctx, s.url, s.secret, ev)
}
