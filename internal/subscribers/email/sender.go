// Package email delivers confirmation emails over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/bissquit/newsletter-garden/internal/subscribers"
	"golang.org/x/time/rate"
)

// Config holds email sender configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RateLimit is the maximum number of messages per second. Zero disables throttling.
	RateLimit   float64
	DialTimeout time.Duration
}

// Sender implements subscribers.Mailer via SMTP.
type Sender struct {
	config  Config
	auth    smtp.Auth
	limiter *rate.Limiter
	now     func() time.Time
}

var _ subscribers.Mailer = (*Sender)(nil)

// NewSender creates a new email sender.
func NewSender(config Config) (*Sender, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email sender: SMTP host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("email sender: from address is required")
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	slog.Info("email sender configured",
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config:  config,
		auth:    auth,
		limiter: limiter,
		now:     time.Now,
	}, nil
}

// Send delivers msg to its single recipient. It blocks while the rate limit
// is exceeded and fails if ctx ends first.
func (s *Sender) Send(ctx context.Context, msg subscribers.Message) error {
	if msg.To == "" {
		return errors.New("no recipient")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}

	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprint(s.config.SMTPPort))
	tlsConfig := &tls.Config{
		ServerName: s.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	return s.sendWithSTARTTLS(ctx, addr, tlsConfig, msg.To, s.buildMessage(msg))
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(msg subscribers.Message) []byte {
	var b strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&b, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}

// sendWithSTARTTLS sends an email, upgrading to TLS when the server offers it.
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipient string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}
