package email

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/newsletter-garden/internal/subscribers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "without smtp host",
			config:  Config{FromAddress: "test@example.com"},
			wantErr: "SMTP host is required",
		},
		{
			name:    "without from address",
			config:  Config{SMTPHost: "smtp.example.com"},
			wantErr: "from address is required",
		},
		{
			name: "valid config",
			config: Config{
				SMTPHost:    "smtp.example.com",
				FromAddress: "test@example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, sender)
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.SMTPPort)
	assert.Equal(t, 10*time.Second, sender.config.DialTimeout)
	assert.Equal(t, rate.Inf, sender.limiter.Limit())
}

func TestNewSender_RateLimit(t *testing.T) {
	sender, err := NewSender(Config{
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
		RateLimit:   2.5,
	})
	require.NoError(t, err)

	assert.Equal(t, rate.Limit(2.5), sender.limiter.Limit())
	assert.Equal(t, 1, sender.limiter.Burst())
}

func TestNewSender_AuthSetup(t *testing.T) {
	t.Run("with credentials", func(t *testing.T) {
		sender, err := NewSender(Config{
			SMTPHost:     "smtp.example.com",
			FromAddress:  "test@example.com",
			SMTPUser:     "user",
			SMTPPassword: "pass",
		})
		require.NoError(t, err)
		assert.NotNil(t, sender.auth)
	})

	t.Run("without credentials", func(t *testing.T) {
		sender, err := NewSender(Config{
			SMTPHost:    "smtp.example.com",
			FromAddress: "test@example.com",
		})
		require.NoError(t, err)
		assert.Nil(t, sender.auth)
	})
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "user@example.com", expected: "user@example.com"},
		{input: "Test User <user@example.com>", expected: "user@example.com"},
		{input: "<user@example.com>", expected: "user@example.com"},
		{input: "Newsletter <noreply@news.example.com>", expected: "noreply@news.example.com"},
		{input: "invalid<", expected: "invalid<"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.input))
		})
	}
}

func TestSender_BuildMessage(t *testing.T) {
	sender := &Sender{
		config: Config{FromAddress: "Newsletter <noreply@example.com>"},
		now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	}

	msg := string(sender.buildMessage(subscribers.Message{
		To:      "reader@example.com",
		Subject: "Test Subject",
		Body:    "Test body content",
	}))

	assert.Contains(t, msg, "From: Newsletter <noreply@example.com>\r\n")
	assert.Contains(t, msg, "To: reader@example.com\r\n")
	assert.Contains(t, msg, "Subject: Test Subject\r\n")
	assert.Contains(t, msg, "Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n")
	assert.Contains(t, msg, "MIME-Version: 1.0\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=\"utf-8\"\r\n")
	assert.Contains(t, msg, "\r\n\r\nTest body content")
}

func TestSender_SendRequiresRecipient(t *testing.T) {
	sender, err := NewSender(Config{SMTPHost: "smtp.example.com", FromAddress: "test@example.com"})
	require.NoError(t, err)

	err = sender.Send(context.Background(), subscribers.Message{Subject: "s", Body: "b"})
	assert.EqualError(t, err, "no recipient")
}

func TestSender_SendHonoursCancelledContext(t *testing.T) {
	sender, err := NewSender(Config{
		SMTPHost:    "127.0.0.1",
		SMTPPort:    1,
		FromAddress: "test@example.com",
		RateLimit:   0.001,
	})
	require.NoError(t, err)

	// Consume the single burst token so the next Wait must block.
	require.True(t, sender.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = sender.Send(ctx, subscribers.Message{To: "reader@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
