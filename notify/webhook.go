package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookPayload is the JSON body POSTed to a user's webhook endpoint.
type WebhookPayload struct {
	Event string `json:"event"`
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	TS    string `json:"ts"`
}

// Webhook POSTs signed JSON payloads to user-configured endpoints.
// AllowLocal disables the endpoint guard for tests and self-hosted
// private deployments.
type Webhook struct {
	AllowLocal bool
	HTTPClient *http.Client
}

func NewWebhook() *Webhook {
	return &Webhook{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send delivers one payload. When secret is non-empty the body is signed
// with HMAC-SHA256 and the hex digest sent as X-Signature-256 with a
// "sha256=" prefix.
func (w *Webhook) Send(ctx context.Context, endpoint, secret string, payload WebhookPayload) error {
	if err := w.validateEndpoint(ctx, endpoint); err != nil {
		return fmt.Errorf("webhook: endpoint: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	res, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post failed: %w", err)
	}
	res.Body.Close()

	if res.StatusCode >= 400 {
		return fmt.Errorf("webhook: http %d", res.StatusCode)
	}
	return nil
}

// validateEndpoint rejects endpoints that would make the server POST into
// private address space. Endpoints are user-supplied, so this runs on
// every send, after DNS resolution.
func (w *Webhook) validateEndpoint(ctx context.Context, endpoint string) error {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return fmt.Errorf("invalid url")
	}
	if w.AllowLocal {
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		return nil
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must be https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("host not allowed")
	}
	if port := u.Port(); port != "" && port != "443" {
		return fmt.Errorf("port not allowed")
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("ip not public")
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("host resolve failed")
	}
	for _, a := range addrs {
		if !isPublicIP(a.IP) {
			return fmt.Errorf("host resolves to non-public ip")
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified())
}
