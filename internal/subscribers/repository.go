// Package subscribers implements the subscriber lifecycle: subscription,
// token issuance, email confirmation and deactivation.
package subscribers

import (
	"context"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
)

// Repository defines the subscriber store.
//
// Implementations must apply ConditionalUpdate atomically for a single record.
// FindByEmail may lag behind writes; ScanByEmail must not depend on the index.
type Repository interface {
	Put(ctx context.Context, subscriber *domain.Subscriber) error
	Get(ctx context.Context, id string) (*domain.Subscriber, error)

	// FindByEmail looks subscribers up through the email index.
	FindByEmail(ctx context.Context, email string) ([]domain.Subscriber, error)
	// ScanByEmail filters the whole table by email.
	ScanByEmail(ctx context.Context, email string) ([]domain.Subscriber, error)

	// ConditionalUpdate applies m to the record if cond holds.
	// Returns ErrSubscriberNotFound or ErrConditionFailed.
	ConditionalUpdate(ctx context.Context, id string, m Mutation, cond Condition) error

	Ping(ctx context.Context) error
}

// Mutation describes a single-record update. UpdatedAt is always written.
type Mutation struct {
	Active     *bool
	Validated  *bool
	Token      *IssuedToken
	ClearToken bool
	UpdatedAt  time.Time
}

// IssuedToken is a confirmation token with its expiry.
type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Condition lists preconditions checked against the stored record.
type Condition struct {
	TokenEquals *string
	Validated   *bool
}

// Apply applies the mutation to s in place.
func (m Mutation) Apply(s *domain.Subscriber) {
	if m.Active != nil {
		s.Active = *m.Active
	}
	if m.Validated != nil {
		s.Validated = *m.Validated
	}
	if m.ClearToken {
		s.ValidationToken = nil
		s.TokenExpiration = nil
	}
	if m.Token != nil {
		value := m.Token.Value
		expires := m.Token.ExpiresAt.UTC()
		s.ValidationToken = &value
		s.TokenExpiration = &expires
	}
	s.UpdatedAt = m.UpdatedAt.UTC()
}

// Matches reports whether s satisfies the condition.
func (c Condition) Matches(s *domain.Subscriber) bool {
	if c.TokenEquals != nil {
		if s.ValidationToken == nil || *s.ValidationToken != *c.TokenEquals {
			return false
		}
	}
	if c.Validated != nil && s.Validated != *c.Validated {
		return false
	}
	return true
}

func boolPtr(b bool) *bool { return &b }
