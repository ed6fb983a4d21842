package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ChatWebhook posts JSON messages to a chat webhook URL. With no URL
// configured it degrades to a logged no-op that always probes healthy.
type ChatWebhook struct {
	URL    string
	Client *http.Client
}

// NewChatWebhook builds the chat channel adapter.
func NewChatWebhook(url string) *ChatWebhook {
	return &ChatWebhook{URL: url, Client: &http.Client{Timeout: DefaultTimeout}}
}

func (c *ChatWebhook) Name() string { return "chat" }

// Post sends one message and returns the HTTP status code.
func (c *ChatWebhook) Post(ctx context.Context, text, severity string) (int, error) {
	if c.URL == "" {
		return http.StatusOK, nil // dry run
	}
	body, err := json.Marshal(map[string]string{
		"text":     fmt.Sprintf("[%s] %s", severity, text),
		"severity": severity,
	})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, classify("chat.post", 0, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, classify("chat.post", resp.StatusCode, nil)
}

// Probe issues a HEAD request against the webhook host.
func (c *ChatWebhook) Probe(ctx context.Context) error {
	if c.URL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
