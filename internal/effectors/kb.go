package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// KBClient upserts pages in the knowledge base where operational reports
// land. Without a base URL it degrades to a logged no-op.
type KBClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewKBClient builds the knowledge-base adapter.
func NewKBClient(baseURL, token string) *KBClient {
	return &KBClient{BaseURL: baseURL, Token: token, Client: &http.Client{Timeout: DefaultTimeout}}
}

func (k *KBClient) Name() string { return "kb" }

// UpsertPage creates or replaces the page with the given id.
func (k *KBClient) UpsertPage(ctx context.Context, id string, properties map[string]any) error {
	if k.BaseURL == "" {
		log.Info().Str("page", id).Msg("KB dry run (no base URL)")
		return nil
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, k.BaseURL+"/pages/"+id, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+k.Token)

	resp, err := k.Client.Do(req)
	if err != nil {
		return classify("kb.upsert_page", 0, err)
	}
	defer resp.Body.Close()
	return classify("kb.upsert_page", resp.StatusCode, nil)
}

// Probe checks the KB API root.
func (k *KBClient) Probe(ctx context.Context) error {
	if k.BaseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := k.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
