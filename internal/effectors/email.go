package effectors

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EmailSender delivers through SMTP. With no credentials configured it runs
// the dry-run path: the message is logged, not sent.
type EmailSender struct {
	Addr string // host:port
	User string
	Pass string
	From string
}

// NewEmailSender builds the mail adapter.
func NewEmailSender(addr, user, pass, from string) *EmailSender {
	return &EmailSender{Addr: addr, User: user, Pass: pass, From: from}
}

func (e *EmailSender) Name() string { return "email" }

func (e *EmailSender) dryRun() bool { return e.Addr == "" || e.From == "" }

// Send delivers one message, honoring the context deadline.
func (e *EmailSender) Send(ctx context.Context, to, subject, body string) error {
	if e.dryRun() {
		log.Info().Str("to", to).Str("subject", subject).Msg("Email dry run (no SMTP credentials)")
		return nil
	}

	msg := strings.Join([]string{
		"From: " + e.From,
		"To: " + to,
		"Subject: " + subject,
		"",
		body,
	}, "\r\n")

	done := make(chan error, 1)
	go func() {
		var auth smtp.Auth
		if e.User != "" {
			host, _, _ := net.SplitHostPort(e.Addr)
			auth = smtp.PlainAuth("", e.User, e.Pass, host)
		}
		done <- smtp.SendMail(e.Addr, auth, e.From, []string{to}, []byte(msg))
	}()
	select {
	case <-ctx.Done():
		return &ExternalError{Op: "email.send", Retryable: true, Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return &ExternalError{Op: "email.send", Retryable: true, Err: err}
		}
		return nil
	}
}

// Probe dials the SMTP endpoint.
func (e *EmailSender) Probe(ctx context.Context) error {
	if e.dryRun() {
		return nil
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", e.Addr)
	if err != nil {
		return fmt.Errorf("email probe: %w", err)
	}
	return conn.Close()
}
