package subscribers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bissquit/newsletter-garden/internal/queue"
	"github.com/google/uuid"
)

// IssuerConfig contains token issuer settings.
type IssuerConfig struct {
	TokenTTL     time.Duration
	StoreTimeout time.Duration
	MailTimeout  time.Duration
	FrontendURL  string
}

// DefaultIssuerConfig returns default token issuer settings.
func DefaultIssuerConfig() IssuerConfig {
	return IssuerConfig{
		TokenTTL:     24 * time.Hour,
		StoreTimeout: 5 * time.Second,
		MailTimeout:  30 * time.Second,
		FrontendURL:  "https://yourfrontend.com",
	}
}

// Issuer attaches confirmation tokens to subscribers from validation messages.
// It is safe to process the same message more than once: every delivery
// issues a fresh token that replaces the previous one.
type Issuer struct {
	config   IssuerConfig
	repo     Repository
	renderer *Renderer
	mailer   Mailer
	logger   *slog.Logger

	now      func() time.Time
	newToken func() string
}

// NewIssuer creates a new token issuer. A nil mailer logs the confirmation
// link instead of sending it.
func NewIssuer(config IssuerConfig, repo Repository, renderer *Renderer, mailer Mailer, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		config:   config,
		repo:     repo,
		renderer: renderer,
		mailer:   mailer,
		logger:   logger,
		now:      time.Now,
		newToken: uuid.NewString,
	}
}

var _ queue.Handler = (*Issuer)(nil)

// HandleMessage processes a raw queue delivery.
func (i *Issuer) HandleMessage(ctx context.Context, body []byte) error {
	msg, err := DecodeValidationMessage(body)
	if err != nil {
		recordTokenIssued("malformed")
		i.logger.Warn("dropping malformed validation message", "error", err)
		return queue.NewNonRetryableError(err)
	}

	return i.Issue(ctx, msg)
}

// Issue generates a token for the subscriber named by msg, stores it and
// hands the confirmation link to the mailer.
func (i *Issuer) Issue(ctx context.Context, msg ValidationMessage) error {
	logger := i.logger.With("subscriber_id", msg.SubscriberID)

	now := i.now().UTC()
	token := IssuedToken{
		Value:     i.newToken(),
		ExpiresAt: now.Add(i.config.TokenTTL),
	}

	updCtx, cancel := withTimeout(ctx, i.config.StoreTimeout)
	err := i.repo.ConditionalUpdate(updCtx, msg.SubscriberID, Mutation{
		Token:     &token,
		UpdatedAt: now,
	}, Condition{Validated: boolPtr(false)})
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, ErrConditionFailed):
		recordTokenIssued("already_validated")
		logger.Info("subscriber already validated, token not issued")
		return nil
	case errors.Is(err, ErrSubscriberNotFound):
		recordTokenIssued("not_found")
		logger.Warn("dropping validation message for unknown subscriber")
		return queue.NewNonRetryableError(err)
	default:
		recordTokenIssued("error")
		return queue.NewRetryableError(storageError("store validation token", err))
	}

	recordTokenIssued("issued")
	logger.Info("validation token issued", "expires_at", token.ExpiresAt)

	i.deliver(ctx, logger, msg, token)
	return nil
}

// deliver sends the confirmation email. Failures are logged and not retried.
func (i *Issuer) deliver(ctx context.Context, logger *slog.Logger, msg ValidationMessage, token IssuedToken) {
	link, err := ConfirmationLink(i.config.FrontendURL, msg.SubscriberID, token.Value)
	if err != nil {
		recordConfirmationEmail("failed")
		logger.Error("failed to build confirmation link", "error", err)
		return
	}

	if i.mailer == nil || i.renderer == nil {
		recordConfirmationEmail("skipped")
		logger.Info("mailer not configured, confirmation link generated", "validation_url", link)
		return
	}

	email, err := i.renderer.RenderConfirmation(msg.Email, link, token.ExpiresAt)
	if err != nil {
		recordConfirmationEmail("failed")
		logger.Error("failed to render confirmation email", "error", err)
		return
	}

	mailCtx, cancel := withTimeout(ctx, i.config.MailTimeout)
	defer cancel()

	if err := i.mailer.Send(mailCtx, email); err != nil {
		recordConfirmationEmail("failed")
		logger.Error("failed to send confirmation email", "error", err)
		return
	}

	recordConfirmationEmail("sent")
	logger.Info("confirmation email sent")
}
