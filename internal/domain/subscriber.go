// Package domain contains the core business entities.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscriber is a mailing-list registrant.
type Subscriber struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Active          bool       `json:"active"`
	Validated       bool       `json:"validated"`
	ValidationToken *string    `json:"-"`
	TokenExpiration *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewSubscriber creates a pending subscriber: active, not validated, no token.
func NewSubscriber(email string, now time.Time) *Subscriber {
	now = now.UTC()
	return &Subscriber{
		ID:        uuid.NewString(),
		Email:     email,
		Active:    true,
		Validated: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasToken reports whether a confirmation is outstanding.
func (s *Subscriber) HasToken() bool {
	return s.ValidationToken != nil && s.TokenExpiration != nil
}

// TokenExpired reports whether the outstanding token is no longer valid at now.
// A subscriber without a token is treated as expired.
func (s *Subscriber) TokenExpired(now time.Time) bool {
	if !s.HasToken() {
		return true
	}
	return !now.Before(*s.TokenExpiration)
}

// Pending reports whether the subscriber still has to confirm the address.
func (s *Subscriber) Pending() bool {
	return !s.Validated
}
