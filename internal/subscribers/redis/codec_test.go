package redis

import (
	"testing"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toStringMap(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.(string)
	}
	return out
}

func TestCodec_WithoutToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	s := domain.NewSubscriber("user@example.com", now)

	fields := encodeSubscriber(s)
	assert.NotContains(t, fields, fieldValidationToken)
	assert.NotContains(t, fields, fieldTokenExpiration)
	assert.Equal(t, "true", fields[fieldActive])
	assert.Equal(t, "false", fields[fieldValidated])

	got, err := decodeSubscriber(toStringMap(fields))
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Email, got.Email)
	assert.True(t, got.Active)
	assert.False(t, got.Validated)
	assert.False(t, got.HasToken())
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, s.UpdatedAt.Equal(got.UpdatedAt))
}

func TestCodec_WithToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := domain.NewSubscriber("user@example.com", now)
	token := "abc"
	expires := now.Add(24 * time.Hour)
	s.ValidationToken = &token
	s.TokenExpiration = &expires

	got, err := decodeSubscriber(toStringMap(encodeSubscriber(s)))
	require.NoError(t, err)
	require.True(t, got.HasToken())
	assert.Equal(t, token, *got.ValidationToken)
	assert.True(t, expires.Equal(*got.TokenExpiration))
}

func TestDecodeSubscriber_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{name: "missing id", fields: map[string]string{fieldEmail: "a@b.c"}},
		{name: "bad bool", fields: map[string]string{fieldID: "1", fieldActive: "yes"}},
		{name: "bad time", fields: map[string]string{
			fieldID: "1", fieldActive: "true", fieldValidated: "false", fieldCreatedAt: "yesterday",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSubscriber(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "subscriber:42", subscriberKey("42"))
	assert.Equal(t, "subscriber_email:a@b.c", emailIndexKey("a@b.c"))
}
