package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
)

const (
	fieldID              = "id"
	fieldEmail           = "email"
	fieldActive          = "active"
	fieldValidated       = "validated"
	fieldValidationToken = "validation_token"
	fieldTokenExpiration = "token_expiration"
	fieldCreatedAt       = "created_at"
	fieldUpdatedAt       = "updated_at"
)

const (
	subscriberKeyPrefix = "subscriber:"
	emailIndexPrefix    = "subscriber_email:"
)

func subscriberKey(id string) string {
	return subscriberKeyPrefix + id
}

func emailIndexKey(email string) string {
	return emailIndexPrefix + email
}

// encodeSubscriber returns the hash fields for s. Token fields are omitted
// when unset and must be removed with HDEL by the caller.
func encodeSubscriber(s *domain.Subscriber) map[string]any {
	fields := map[string]any{
		fieldID:        s.ID,
		fieldEmail:     s.Email,
		fieldActive:    strconv.FormatBool(s.Active),
		fieldValidated: strconv.FormatBool(s.Validated),
		fieldCreatedAt: formatTime(s.CreatedAt),
		fieldUpdatedAt: formatTime(s.UpdatedAt),
	}
	if s.HasToken() {
		fields[fieldValidationToken] = *s.ValidationToken
		fields[fieldTokenExpiration] = formatTime(*s.TokenExpiration)
	}
	return fields
}

func decodeSubscriber(fields map[string]string) (*domain.Subscriber, error) {
	s := &domain.Subscriber{
		ID:    fields[fieldID],
		Email: fields[fieldEmail],
	}
	if s.ID == "" {
		return nil, fmt.Errorf("decode subscriber: missing %s", fieldID)
	}

	var err error
	if s.Active, err = strconv.ParseBool(fields[fieldActive]); err != nil {
		return nil, fmt.Errorf("decode subscriber %s: %s: %w", s.ID, fieldActive, err)
	}
	if s.Validated, err = strconv.ParseBool(fields[fieldValidated]); err != nil {
		return nil, fmt.Errorf("decode subscriber %s: %s: %w", s.ID, fieldValidated, err)
	}
	if s.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decode subscriber %s: %s: %w", s.ID, fieldCreatedAt, err)
	}
	if s.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decode subscriber %s: %s: %w", s.ID, fieldUpdatedAt, err)
	}

	token, hasToken := fields[fieldValidationToken]
	expiration, hasExpiration := fields[fieldTokenExpiration]
	if hasToken && hasExpiration {
		expires, err := parseTime(expiration)
		if err != nil {
			return nil, fmt.Errorf("decode subscriber %s: %s: %w", s.ID, fieldTokenExpiration, err)
		}
		s.ValidationToken = &token
		s.TokenExpiration = &expires
	}

	return s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
