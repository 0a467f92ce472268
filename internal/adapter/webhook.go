package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// WebhookConfig tunes the outbound webhook adapter. Secret, when set, signs
// each payload with an HMAC-SHA256 signature header.
type WebhookConfig struct {
	URL            string
	Secret         string
	RequestTimeout time.Duration
	UserAgent      string
}

// webhookPayload is the JSON body POSTed to the configured endpoint.
type webhookPayload struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Type           string            `json:"type"`
	Priority       string            `json:"priority"`
	Title          string            `json:"title"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	Context        map[string]string `json:"context,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
}

// WebhookAdapter delivers notifications as JSON POSTs to an HTTP endpoint.
type WebhookAdapter struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.Logger
}

func NewWebhookAdapter(cfg WebhookConfig, logger *zap.Logger) *WebhookAdapter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "courier-webhook/1.0"
	}
	return &WebhookAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

func (a *WebhookAdapter) ChannelType() domain.Channel { return domain.ChannelWebhook }

func (a *WebhookAdapter) Capabilities() Capabilities {
	return Capabilities{
		RichContent:      true,
		DeliveryTracking: true,
		MaxContentLength: 256 * 1024,
		MaxSubjectLength: 998,
	}
}

func (a *WebhookAdapter) Initialize(ctx context.Context) error {
	if a.cfg.URL == "" {
		return fmt.Errorf("webhook adapter: endpoint URL not configured")
	}
	return nil
}

// HealthCheck issues a HEAD request to the endpoint. Any response, including
// 405, counts as healthy; only transport errors fail.
func (a *WebhookAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook health check: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (a *WebhookAdapter) Send(ctx context.Context, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now().UTC()
	if res := ValidateContext(a.Capabilities(), dctx, a.cfg.URL); res != nil {
		return res
	}

	n := dctx.Notification
	body, err := json.Marshal(webhookPayload{
		NotificationID: n.ID,
		UserID:         dctx.UserID,
		CorrelationID:  dctx.CorrelationID,
		Type:           string(n.Type),
		Priority:       string(n.Priority),
		Title:          n.Title,
		Subject:        n.Content.Subject,
		Body:           n.Content.Body,
		Context:        n.Context,
		SentAt:         started,
	})
	if err != nil {
		return Failed(domain.KindUnexpected, "MARSHAL_ERROR", err.Error(), started)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Failed(domain.KindUnexpected, "REQUEST_ERROR", err.Error(), started)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.cfg.UserAgent)
	req.Header.Set("X-Notification-ID", n.ID)
	req.Header.Set("X-Correlation-ID", dctx.CorrelationID)
	if a.cfg.Secret != "" {
		req.Header.Set("X-Courier-Signature", sign(a.cfg.Secret, body))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Failed(classifyTransportError(err), "TRANSPORT_ERROR", err.Error(), started)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := Succeeded(n.ID, started)
		res.ResponseData = map[string]string{"http_status": resp.Status}
		return res
	case resp.StatusCode == http.StatusTooManyRequests:
		return Failed(domain.KindRateLimited, "HTTP_429",
			"webhook endpoint rate limited the request", started)
	case resp.StatusCode >= 500:
		return Failed(domain.KindProviderTransient, fmt.Sprintf("HTTP_%d", resp.StatusCode),
			fmt.Sprintf("webhook endpoint returned %s", resp.Status), started)
	default:
		return Failed(domain.KindProviderPermanent, fmt.Sprintf("HTTP_%d", resp.StatusCode),
			fmt.Sprintf("webhook endpoint rejected the request with %s", resp.Status), started)
	}
}

func (a *WebhookAdapter) Shutdown(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func classifyTransportError(err error) domain.ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.KindOperationTimeout
	}
	return domain.KindConnection
}
