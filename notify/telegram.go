// Package notify delivers lifecycle and monitoring alerts to the outbound
// channels a user has configured: Telegram bot messages and signed JSON
// webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Telegram sends messages through the Telegram bot API.
// APIBaseURL is overridable for tests; it defaults to the public API.
type Telegram struct {
	APIBaseURL string
	HTTPClient *http.Client
}

// NewTelegram returns a sender against the given API base URL
// ("https://api.telegram.org" in production).
func NewTelegram(apiBaseURL string) *Telegram {
	return &Telegram{
		APIBaseURL: apiBaseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramSendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts one plain-text message to a chat. Link previews are
// suppressed so catalog URLs do not expand into page cards.
func (t *Telegram) Send(ctx context.Context, token, chatID, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.APIBaseURL, "/"), token)

	body, err := json.Marshal(telegramSendMessage{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("telegram: http %d", res.StatusCode)
	}
	return nil
}
