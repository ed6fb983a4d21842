package effectors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	require.NoError(t, classify("op", 200, nil))

	err := classify("op", 503, nil)
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	err = classify("op", 404, nil)
	require.Error(t, err)
	require.False(t, IsRetryable(err))

	err = classify("op", 429, nil)
	require.True(t, IsRetryable(err), "rate limiting is retryable")

	err = classify("op", 0, errors.New("connection refused"))
	require.True(t, IsRetryable(err))

	require.True(t, IsRetryable(errors.New("plain network error")), "unclassified errors retry")
	require.False(t, IsRetryable(nil))
}

func TestChatWebhookPost(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, jsonDecode(r, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChatWebhook(srv.URL)
	status, err := c.Post(context.Background(), "DB timeout", "critical")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "critical", got["severity"])
}

func TestChatWebhookDryRun(t *testing.T) {
	c := NewChatWebhook("")
	status, err := c.Post(context.Background(), "anything", "low")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, c.Probe(context.Background()))
}

func TestEmailDryRunWithoutCredentials(t *testing.T) {
	e := NewEmailSender("", "", "", "")
	require.NoError(t, e.Send(context.Background(), "ops@example.com", "subject", "body"))
	require.NoError(t, e.Probe(context.Background()))
}

func TestPaymentCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoices", r.URL.Path)
		require.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"inv_1"}`))
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, "key")
	id, err := p.CreateInvoice(context.Background(), "cust_1", 1999, "EUR")
	require.NoError(t, err)
	require.Equal(t, "inv_1", id)
}

func TestPaymentTerminalOn4xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewPaymentClient(srv.URL, "key")
	err := p.Charge(context.Background(), "inv_1")
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}

func TestBusinessClientDefensiveParse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	b := NewBusinessClient(srv.URL, "s")
	var out map[string]any
	err := b.GetJSON(context.Background(), "/rollup", &out)
	require.Error(t, err)
	require.False(t, IsRetryable(err), "garbage responses are terminal, not retried forever")
}

func jsonDecode(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}
