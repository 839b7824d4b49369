package subscribers

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
	"github.com/bissquit/newsletter-garden/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
)

// Config contains subscriber lifecycle settings.
type Config struct {
	TokenTTL       time.Duration
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		TokenTTL:       24 * time.Hour,
		StoreTimeout:   5 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// SubscribeResult describes the outcome of a successful Subscribe call.
type SubscribeResult struct {
	Subscriber *domain.Subscriber
	// Created is false when the email was already subscribed.
	Created bool
}

// Service provides subscription, confirmation and deactivation.
type Service struct {
	repo      Repository
	publisher Publisher
	validate  *validator.Validate
	config    Config
	now       func() time.Time
}

// NewService creates a new subscribers service.
func NewService(repo Repository, publisher Publisher, config Config) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		validate:  validator.New(),
		config:    config,
		now:       time.Now,
	}
}

// Subscribe registers email as a pending subscriber and enqueues token issuance.
// Subscribing an address that already exists succeeds without creating a record.
func (s *Service) Subscribe(ctx context.Context, email string) (*SubscribeResult, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email,max=254"); err != nil {
		recordSubscription("invalid")
		return nil, ErrInvalidInput
	}

	existing, err := s.findByEmail(ctx, email)
	if err != nil {
		recordSubscription("error")
		return nil, err
	}

	if len(existing) > 0 {
		recordSubscription("duplicate")
		ctxlog.FromContext(ctx).Info("email already subscribed", "subscriber_id", existing[0].ID)
		return &SubscribeResult{Subscriber: &existing[0], Created: false}, nil
	}

	subscriber := domain.NewSubscriber(email, s.now())

	putCtx, cancel := s.storeContext(ctx)
	err = s.repo.Put(putCtx, subscriber)
	cancel()
	if err != nil {
		recordSubscription("error")
		return nil, storageError("put subscriber", err)
	}

	s.publishValidation(ctx, subscriber)

	recordSubscription("created")
	ctxlog.FromContext(ctx).Info("subscriber created", "subscriber_id", subscriber.ID)
	return &SubscribeResult{Subscriber: subscriber, Created: true}, nil
}

// publishValidation enqueues token issuance. Failures are logged, the
// subscriber stays without a token until the message is resent.
func (s *Service) publishValidation(ctx context.Context, subscriber *domain.Subscriber) {
	logger := ctxlog.FromContext(ctx)

	if s.publisher == nil {
		queuePublishFailures.Inc()
		logger.Warn("publisher not configured, validation message not sent", "subscriber_id", subscriber.ID)
		return
	}

	body, err := NewValidationMessage(subscriber.Email, subscriber.ID).Encode()
	if err != nil {
		queuePublishFailures.Inc()
		logger.Error("failed to encode validation message", "subscriber_id", subscriber.ID, "error", err)
		return
	}

	pubCtx, cancel := withTimeout(ctx, s.config.PublishTimeout)
	defer cancel()

	if err := s.publisher.Publish(pubCtx, body); err != nil {
		queuePublishFailures.Inc()
		logger.Error("failed to send validation message to queue", "subscriber_id", subscriber.ID, "error", err)
		return
	}

	logger.Debug("sent validation message to queue", "subscriber_id", subscriber.ID)
}

// Confirm validates the subscriber identified by id with the presented token.
func (s *Service) Confirm(ctx context.Context, id, token string) error {
	if id == "" || token == "" {
		recordConfirmation("invalid_input")
		return ErrInvalidInput
	}
	ctx = ctxlog.With(ctx, "subscriber_id", id)

	getCtx, cancel := s.storeContext(ctx)
	subscriber, err := s.repo.Get(getCtx, id)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			recordConfirmation("not_found")
			return ErrSubscriberNotFound
		}
		recordConfirmation("error")
		return storageError("get subscriber", err)
	}

	if !subscriber.HasToken() ||
		subtle.ConstantTimeCompare([]byte(token), []byte(*subscriber.ValidationToken)) != 1 {
		recordConfirmation("invalid_token")
		return ErrInvalidToken
	}

	now := s.now()
	if subscriber.TokenExpired(now) {
		recordConfirmation("expired")
		return ErrExpiredToken
	}

	updCtx, cancel := s.storeContext(ctx)
	err = s.repo.ConditionalUpdate(updCtx, id, Mutation{
		Validated:  boolPtr(true),
		ClearToken: true,
		UpdatedAt:  now,
	}, Condition{TokenEquals: &token})
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, ErrConditionFailed):
		// Consumed by a concurrent confirmation or replaced by a reissue.
		recordConfirmation("invalid_token")
		return ErrInvalidToken
	case errors.Is(err, ErrSubscriberNotFound):
		recordConfirmation("not_found")
		return ErrSubscriberNotFound
	default:
		recordConfirmation("error")
		return storageError("validate subscriber", err)
	}

	recordConfirmation("validated")
	ctxlog.FromContext(ctx).Info("subscriber validated")
	return nil
}

// Unsubscribe deactivates the first subscriber found for email.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		recordUnsubscription("invalid_input")
		return ErrInvalidInput
	}

	matches, err := s.findByEmail(ctx, email)
	if err != nil {
		recordUnsubscription("error")
		return err
	}

	if len(matches) == 0 {
		recordUnsubscription("not_found")
		return ErrSubscriberNotFound
	}

	target := matches[0]
	ctx = ctxlog.With(ctx, "subscriber_id", target.ID)
	if len(matches) > 1 {
		ctxlog.FromContext(ctx).Warn("duplicate subscribers for email, deactivating first only",
			"duplicates", len(matches)-1,
		)
	}

	updCtx, cancel := s.storeContext(ctx)
	err = s.repo.ConditionalUpdate(updCtx, target.ID, Mutation{
		Active:    boolPtr(false),
		UpdatedAt: s.now(),
	}, Condition{})
	cancel()
	if err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			recordUnsubscription("not_found")
			return ErrSubscriberNotFound
		}
		recordUnsubscription("error")
		return storageError("deactivate subscriber", err)
	}

	recordUnsubscription("deactivated")
	ctxlog.FromContext(ctx).Info("subscriber deactivated")
	return nil
}

// findByEmail queries the email index and falls back to a full scan when the
// index lookup fails.
func (s *Service) findByEmail(ctx context.Context, email string) ([]domain.Subscriber, error) {
	indexCtx, cancel := s.storeContext(ctx)
	matches, err := s.repo.FindByEmail(indexCtx, email)
	cancel()
	if err == nil {
		return matches, nil
	}

	ctxlog.FromContext(ctx).Warn("email index lookup failed, falling back to scan", "error", err)

	scanCtx, cancel := s.storeContext(ctx)
	defer cancel()

	matches, err = s.repo.ScanByEmail(scanCtx, email)
	if err != nil {
		return nil, storageError("scan subscribers by email", err)
	}
	return matches, nil
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.config.StoreTimeout)
}

// withTimeout bounds ctx by d. A non-positive d leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
