package effectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// BusinessClient is a pure HTTP JSON adapter for the business-domain
// endpoints scheduled tasks aggregate from (billing rollups, partner
// stats). Responses are treated as untrusted and parsed defensively.
type BusinessClient struct {
	BaseURL string
	Secret  string
	Client  *http.Client
}

// NewBusinessClient builds the adapter.
func NewBusinessClient(baseURL, secret string) *BusinessClient {
	return &BusinessClient{BaseURL: baseURL, Secret: secret, Client: &http.Client{Timeout: DefaultTimeout}}
}

func (b *BusinessClient) Name() string { return "business" }

// maxBody caps how much of a response is read; the endpoints return small
// JSON documents and anything larger is suspect.
const maxBody = 1 << 20

// GetJSON fetches path and decodes into out, tolerating unknown fields but
// rejecting non-JSON and oversized bodies.
func (b *BusinessClient) GetJSON(ctx context.Context, path string, out any) error {
	if b.BaseURL == "" {
		return &ExternalError{Op: "business.get", Retryable: false, Err: fmt.Errorf("no base url configured")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if b.Secret != "" {
		req.Header.Set("X-Admin-Secret", b.Secret)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return classify("business.get", 0, err)
	}
	defer resp.Body.Close()
	if err := classify("business.get", resp.StatusCode, nil); err != nil {
		return err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &ExternalError{Op: "business.get", Retryable: true, Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ExternalError{Op: "business.get", StatusCode: resp.StatusCode, Retryable: false,
			Err: fmt.Errorf("malformed response for %s: %w", path, err)}
	}
	return nil
}

// Probe checks the business API health endpoint.
func (b *BusinessClient) Probe(ctx context.Context) error {
	if b.BaseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return classify("business.probe", resp.StatusCode, nil)
}
