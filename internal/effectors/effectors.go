// Package effectors holds the narrow adapter contracts through which the
// control plane touches the outside world. The core never depends on a
// concrete implementation: every effector is a capability with a Do-side
// and a Probe used by the self-validator.
package effectors

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds every effector call unless the caller's context is
// tighter.
const DefaultTimeout = 10 * time.Second

// Prober answers a cheap health probe. The validator calls it with a 2s
// deadline.
type Prober interface {
	Name() string
	Probe(ctx context.Context) error
}

// ExternalError classifies an effector failure. Retryable errors re-enter
// the queue; terminal ones finalize the job.
type ExternalError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ExternalError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s: %s external error (status %d): %v", e.Op, kind, e.StatusCode, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should re-enter the queue. Unclassified
// errors (network-level, timeouts) are retryable by default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ee, ok := err.(*ExternalError); ok {
		return ee.Retryable
	}
	return true
}

// classify maps an HTTP status to the retryable/terminal split: network
// errors and 5xx are retryable, 4xx is terminal.
func classify(op string, status int, err error) error {
	if err == nil && status < 400 {
		return nil
	}
	retryable := status == 0 || status >= 500 || status == 429
	if err == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	return &ExternalError{Op: op, StatusCode: status, Retryable: retryable, Err: err}
}

// ChatEffector posts operator-facing messages; the pager's first channel.
type ChatEffector interface {
	Prober
	Post(ctx context.Context, text, severity string) (int, error)
}

// EmailEffector delivers mail; the pager's second channel and the report
// tasks' delivery path.
type EmailEffector interface {
	Prober
	Send(ctx context.Context, to, subject, body string) error
}

// PaymentEffector is the billing boundary.
type PaymentEffector interface {
	Prober
	CreateInvoice(ctx context.Context, customer string, amountMinor int64, currency string) (string, error)
	Charge(ctx context.Context, invoiceID string) error
	Refund(ctx context.Context, invoiceID string, amountMinor int64) error
}

// KBEffector upserts knowledge-base pages for operational reports.
type KBEffector interface {
	Prober
	UpsertPage(ctx context.Context, id string, properties map[string]any) error
}
