package effectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// PaymentClient is the HTTP adapter for the payment processor. Calls carry
// a 10s timeout; failures classify as retryable (network, 5xx) or terminal
// (4xx) so the queue knows whether to retry.
type PaymentClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewPaymentClient builds the payment adapter.
func NewPaymentClient(baseURL, apiKey string) *PaymentClient {
	return &PaymentClient{BaseURL: baseURL, APIKey: apiKey, Client: &http.Client{Timeout: DefaultTimeout}}
}

func (p *PaymentClient) Name() string { return "payments" }

func (p *PaymentClient) post(ctx context.Context, op, path string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return classify(op, 0, err)
	}
	defer resp.Body.Close()
	if err := classify(op, resp.StatusCode, nil); err != nil {
		return err
	}
	if out != nil {
		// Responses are untrusted: decode defensively and reject trailing data.
		dec := json.NewDecoder(resp.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return &ExternalError{Op: op, StatusCode: resp.StatusCode, Retryable: false, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return nil
}

// CreateInvoice opens an invoice and returns its id.
func (p *PaymentClient) CreateInvoice(ctx context.Context, customer string, amountMinor int64, currency string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := p.post(ctx, "payment.create_invoice", "/invoices", map[string]any{
		"customer": customer, "amount_minor": amountMinor, "currency": currency,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &ExternalError{Op: "payment.create_invoice", Retryable: false, Err: fmt.Errorf("response missing invoice id")}
	}
	return out.ID, nil
}

// Charge settles an invoice.
func (p *PaymentClient) Charge(ctx context.Context, invoiceID string) error {
	return p.post(ctx, "payment.charge", "/invoices/"+invoiceID+"/charge", map[string]any{}, nil)
}

// Refund returns funds against an invoice.
func (p *PaymentClient) Refund(ctx context.Context, invoiceID string, amountMinor int64) error {
	return p.post(ctx, "payment.refund", "/invoices/"+invoiceID+"/refund", map[string]any{
		"amount_minor": amountMinor,
	}, nil)
}

// Probe hits the processor's health endpoint.
func (p *PaymentClient) Probe(ctx context.Context) error {
	if p.BaseURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return classify("payment.probe", resp.StatusCode, nil)
}
