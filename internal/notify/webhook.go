package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"closeloop/internal/config"
	"closeloop/internal/domain"
	"closeloop/internal/logging"
)

const defaultWebhookTimeout = 5 * time.Second

const (
	HeaderEvent     = "X-Closeloop-Event"
	HeaderDelivery  = "X-Closeloop-Delivery"
	HeaderSignature = "X-Closeloop-Signature"
)

// WebhookPublisher posts each matching escalation as JSON. When a secret is
// configured the body is signed with HMAC-SHA256.
type WebhookPublisher struct {
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
	log    *zap.Logger
}

func NewWebhookPublisher(hook config.WebhookConfig, log *zap.Logger) *WebhookPublisher {
	return &WebhookPublisher{
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: defaultWebhookTimeout},
		log:    logging.OrNop(log),
	}
}

// Publish stops at the first failed delivery.
func (p *WebhookPublisher) Publish(ctx context.Context, events []domain.EscalationEvent) error {
	for _, evt := range events {
		if !p.filter.match(evt.Type) {
			continue
		}
		if err := p.post(ctx, evt); err != nil {
			p.log.Warn("webhook delivery failed", zap.String("url", p.hook.URL), zap.String("event_id", evt.ID), zap.Error(err))
			return fmt.Errorf("webhook %s: %w", p.hook.URL, err)
		}
	}
	return nil
}

func (p *WebhookPublisher) post(ctx context.Context, evt domain.EscalationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, evt.ID)
	if secret := strings.TrimSpace(p.hook.Secret); secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(secret, data))
	}
	res, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
