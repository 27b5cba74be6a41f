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

	"atelier/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs each envelope as JSON. When a secret is configured the
// body is signed with HMAC-SHA256 in X-Atelier-Signature.
type WebhookSink struct {
	Hook   config.Webhook
	Client *http.Client
}

func NewWebhookSink(hook config.Webhook) *WebhookSink {
	return &WebhookSink{Hook: hook, Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.Hook.ID }

func (s *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atelier-Event", env.Type)
	req.Header.Set("X-Atelier-Delivery", fmt.Sprintf("%d", env.ID))
	if secret := strings.TrimSpace(s.Hook.Secret); secret != "" {
		req.Header.Set("X-Atelier-Signature", "sha256="+Sign(secret, data))
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
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

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
