// Package notify delivers user-facing status messages to the chat
// gateway.
//
// Delivery is best effort and fire-and-forget: the services that emit
// notifications never block on the gateway, and a gateway outage never
// fails a funds operation.
package notify

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

	"github.com/mercatod/mercato/internal/metrics"
	"github.com/mercatod/mercato/internal/retry"
)

// Config configures the gateway notifier.
type Config struct {
	// GatewayURL is the chat gateway's inbound notification endpoint.
	// Empty disables delivery.
	GatewayURL string
	// Secret signs each payload with HMAC-SHA256. Empty sends unsigned.
	Secret string
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// MaxAttempts caps retries per notification.
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Notifier posts messages to the chat gateway.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a gateway notifier.
func New(cfg Config, logger *slog.Logger) *Notifier {
	cfg.withDefaults()
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type message struct {
	ProfileID int64     `json:"profileId"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sentAt"`
}

// Notify sends a message to a profile through the gateway. It runs the
// delivery in the background so callers never wait on the gateway.
func (n *Notifier) Notify(ctx context.Context, profileID int64, text string) {
	if n == nil || n.cfg.GatewayURL == "" {
		return
	}
	payload, err := json.Marshal(message{
		ProfileID: profileID,
		Message:   text,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		n.logger.Warn("notification encode failed", "profile", profileID, "error", err)
		return
	}

	go n.deliver(profileID, payload)
}

func (n *Notifier) deliver(profileID int64, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := retry.Do(ctx, n.cfg.MaxAttempts, 500*time.Millisecond, func() error {
		return n.post(ctx, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		n.logger.Warn("notification delivery failed", "profile", profileID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mercato-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	if n.cfg.Secret != "" {
		req.Header.Set("X-Mercato-Signature", sign(payload, n.cfg.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The gateway rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("gateway rejected notification: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
