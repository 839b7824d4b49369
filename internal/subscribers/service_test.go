package subscribers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	repo      *mockRepository
	publisher *mockPublisher
	mailer    *mockMailer
	clock     *fakeClock
	service   *Service
	issuer    *Issuer
	tokens    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:      newMockRepository(),
		publisher: &mockPublisher{},
		mailer:    &mockMailer{},
		clock:     newFakeClock(testStart),
	}

	env.service = NewService(env.repo, env.publisher, DefaultConfig())
	env.service.now = env.clock.Now

	renderer, err := NewRenderer("newsletter")
	require.NoError(t, err)

	env.issuer = NewIssuer(DefaultIssuerConfig(), env.repo, renderer, env.mailer, nil)
	env.issuer.now = env.clock.Now
	env.issuer.newToken = func() string {
		env.tokens++
		return fmt.Sprintf("token-%d", env.tokens)
	}

	return env
}

// subscribeAndIssue creates a subscriber and runs the issuer on the queued message.
func (e *testEnv) subscribeAndIssue(t *testing.T, email string) (*domain.Subscriber, string) {
	t.Helper()
	ctx := context.Background()

	result, err := e.service.Subscribe(ctx, email)
	require.NoError(t, err)
	require.True(t, result.Created)

	msgs := e.publisher.messages()
	require.NotEmpty(t, msgs)
	require.NoError(t, e.issuer.Issue(ctx, msgs[len(msgs)-1]))

	stored := e.repo.get(result.Subscriber.ID)
	require.NotNil(t, stored)
	require.True(t, stored.HasToken())
	return stored, *stored.ValidationToken
}

func TestService_Subscribe(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.Subscribe(context.Background(), "user@example.com")
	require.NoError(t, err)
	require.True(t, result.Created)

	s := result.Subscriber
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "user@example.com", s.Email)
	assert.True(t, s.Active)
	assert.False(t, s.Validated)
	assert.False(t, s.HasToken())
	assert.True(t, testStart.Equal(s.CreatedAt))
	assert.True(t, testStart.Equal(s.UpdatedAt))

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	assert.Equal(t, s.Email, stored.Email)

	msgs := env.publisher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionValidateEmail, msgs[0].Action)
	assert.Equal(t, "user@example.com", msgs[0].Email)
	assert.Equal(t, s.ID, msgs[0].SubscriberID)
}

func TestService_SubscribeTrimsWhitespace(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.Subscribe(context.Background(), "  user@example.com \n")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", result.Subscriber.Email)
}

func TestService_SubscribeInvalidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
	}{
		{name: "empty", email: ""},
		{name: "whitespace only", email: "   "},
		{name: "no at sign", email: "not-an-email"},
		{name: "missing domain", email: "user@"},
		{name: "missing local part", email: "@example.com"},
		{name: "too long", email: strings.Repeat("a", 250) + "@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.service.Subscribe(context.Background(), tt.email)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, 0, env.repo.count())
			assert.Empty(t, env.publisher.messages())
		})
	}
}

func TestService_SubscribeDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	second, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Subscriber.ID, second.Subscriber.ID)

	assert.Equal(t, 1, env.repo.count())
	assert.Len(t, env.publisher.messages(), 1)
}

func TestService_SubscribeEmailIsCaseSensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	result, err := env.service.Subscribe(ctx, "User@example.com")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 2, env.repo.count())
}

func TestService_SubscribeFallsBackToScan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	env.repo.findErr = errors.New("index unavailable")

	result, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, 1, env.repo.count())
	assert.Equal(t, 1, env.repo.scanCalls)
}

func TestService_SubscribeStorageErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *mockRepository)
	}{
		{
			name: "index and scan fail",
			setup: func(r *mockRepository) {
				r.findErr = errors.New("index unavailable")
				r.scanErr = errors.New("scan failed")
			},
		},
		{
			name: "put fails",
			setup: func(r *mockRepository) {
				r.putErr = errors.New("write failed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env.repo)

			_, err := env.service.Subscribe(context.Background(), "user@example.com")
			assert.ErrorIs(t, err, ErrStorage)

			var storageErr *StorageError
			assert.ErrorAs(t, err, &storageErr)
			assert.Empty(t, env.publisher.messages())
		})
	}
}

func TestService_SubscribePublishFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("broker down")

	result, err := env.service.Subscribe(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.True(t, result.Created)

	stored := env.repo.get(result.Subscriber.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.HasToken())
}

func TestService_SubscribeWithoutPublisher(t *testing.T) {
	repo := newMockRepository()
	service := NewService(repo, nil, DefaultConfig())

	result, err := service.Subscribe(context.Background(), "user@example.com")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 1, repo.count())
}

func TestService_Confirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, token := env.subscribeAndIssue(t, "user@example.com")

	env.clock.Advance(time.Hour)
	require.NoError(t, env.service.Confirm(ctx, s.ID, token))

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Validated)
	assert.True(t, stored.Active)
	assert.False(t, stored.HasToken())
	assert.True(t, testStart.Add(time.Hour).Equal(stored.UpdatedAt))
}

func TestService_ConfirmErrors(t *testing.T) {
	tests := []struct {
		name    string
		advance time.Duration
		id      func(s *domain.Subscriber) string
		token   func(token string) string
		wantErr error
	}{
		{
			name:    "expired token",
			advance: 25 * time.Hour,
			id:      func(s *domain.Subscriber) string { return s.ID },
			token:   func(token string) string { return token },
			wantErr: ErrExpiredToken,
		},
		{
			name:    "token at exact expiry",
			advance: 24 * time.Hour,
			id:      func(s *domain.Subscriber) string { return s.ID },
			token:   func(token string) string { return token },
			wantErr: ErrExpiredToken,
		},
		{
			name:    "wrong token",
			id:      func(s *domain.Subscriber) string { return s.ID },
			token:   func(string) string { return "wrong-token" },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "unknown subscriber",
			id:      func(*domain.Subscriber) string { return "00000000-0000-0000-0000-000000000000" },
			token:   func(token string) string { return token },
			wantErr: ErrSubscriberNotFound,
		},
		{
			name:    "missing id",
			id:      func(*domain.Subscriber) string { return "" },
			token:   func(token string) string { return token },
			wantErr: ErrInvalidInput,
		},
		{
			name:    "missing token",
			id:      func(s *domain.Subscriber) string { return s.ID },
			token:   func(string) string { return "" },
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s, token := env.subscribeAndIssue(t, "user@example.com")

			env.clock.Advance(tt.advance)
			err := env.service.Confirm(context.Background(), tt.id(s), tt.token(token))
			assert.ErrorIs(t, err, tt.wantErr)

			stored := env.repo.get(s.ID)
			require.NotNil(t, stored)
			assert.False(t, stored.Validated)
			assert.True(t, stored.HasToken())
		})
	}
}

func TestService_ConfirmWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.Subscribe(context.Background(), "user@example.com")
	require.NoError(t, err)

	err = env.service.Confirm(context.Background(), result.Subscriber.ID, "anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_ConfirmTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, token := env.subscribeAndIssue(t, "user@example.com")
	require.NoError(t, env.service.Confirm(ctx, s.ID, token))

	err := env.service.Confirm(ctx, s.ID, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Validated)
}

func TestService_ConfirmAfterReissue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, oldToken := env.subscribeAndIssue(t, "user@example.com")

	// Redelivery of the same validation message issues a replacement token.
	msgs := env.publisher.messages()
	require.NoError(t, env.issuer.Issue(ctx, msgs[0]))

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	newToken := *stored.ValidationToken
	require.NotEqual(t, oldToken, newToken)

	assert.ErrorIs(t, env.service.Confirm(ctx, s.ID, oldToken), ErrInvalidToken)
	assert.NoError(t, env.service.Confirm(ctx, s.ID, newToken))
}

func TestService_ConfirmTokenReplacedConcurrently(t *testing.T) {
	env := newTestEnv(t)
	s, token := env.subscribeAndIssue(t, "user@example.com")

	env.repo.beforeUpdate = func(stored *domain.Subscriber) {
		replaced := "replaced-token"
		stored.ValidationToken = &replaced
	}

	err := env.service.Confirm(context.Background(), s.ID, token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Validated)
}

func TestService_ConcurrentConfirmSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	s, token := env.subscribeAndIssue(t, "user@example.com")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- env.service.Confirm(context.Background(), s.ID, token)
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, 1, succeeded)
}

func TestService_ConfirmStorageErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *mockRepository)
	}{
		{
			name:  "get fails",
			setup: func(r *mockRepository) { r.getErr = errors.New("read failed") },
		},
		{
			name:  "update fails",
			setup: func(r *mockRepository) { r.updateErr = errors.New("write failed") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s, token := env.subscribeAndIssue(t, "user@example.com")
			tt.setup(env.repo)

			err := env.service.Confirm(context.Background(), s.ID, token)
			assert.ErrorIs(t, err, ErrStorage)
		})
	}
}

func TestService_Unsubscribe(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))

	stored := env.repo.get(result.Subscriber.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
	assert.False(t, stored.Validated)
	assert.True(t, testStart.Add(time.Minute).Equal(stored.UpdatedAt))
}

func TestService_UnsubscribeTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))
	env.clock.Advance(time.Minute)
	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))

	stored := env.repo.get(result.Subscriber.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)
	assert.True(t, testStart.Add(time.Minute).Equal(stored.UpdatedAt))
}

func TestService_UnsubscribeErrors(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		setup   func(r *mockRepository)
		wantErr error
	}{
		{name: "empty email", email: "", wantErr: ErrInvalidInput},
		{name: "whitespace email", email: "  ", wantErr: ErrInvalidInput},
		{name: "unknown email", email: "nobody@example.com", wantErr: ErrSubscriberNotFound},
		{
			name:  "lookup fails",
			email: "user@example.com",
			setup: func(r *mockRepository) {
				r.findErr = errors.New("index unavailable")
				r.scanErr = errors.New("scan failed")
			},
			wantErr: ErrStorage,
		},
		{
			name:    "update fails",
			email:   "user@example.com",
			setup:   func(r *mockRepository) { r.updateErr = errors.New("write failed") },
			wantErr: ErrStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.service.Subscribe(context.Background(), "user@example.com")
			require.NoError(t, err)

			if tt.setup != nil {
				tt.setup(env.repo)
			}

			err = env.service.Unsubscribe(context.Background(), tt.email)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_UnsubscribeDeactivatesFirstDuplicateOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := domain.NewSubscriber("user@example.com", testStart)
	second := domain.NewSubscriber("user@example.com", testStart.Add(time.Second))
	require.NoError(t, env.repo.Put(ctx, second))
	require.NoError(t, env.repo.Put(ctx, first))

	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))

	assert.False(t, env.repo.get(first.ID).Active)
	assert.True(t, env.repo.get(second.ID).Active)
}

func TestService_UnsubscribeFallsBackToScan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)

	env.repo.findErr = errors.New("index unavailable")
	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))

	assert.False(t, env.repo.get(result.Subscriber.ID).Active)
}

func TestService_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	s, token := env.subscribeAndIssue(t, "user@example.com")
	require.Len(t, env.mailer.messages(), 1)

	env.clock.Advance(time.Hour)
	require.NoError(t, env.service.Confirm(ctx, s.ID, token))
	require.NoError(t, env.service.Unsubscribe(ctx, "user@example.com"))

	stored := env.repo.get(s.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Validated)
	assert.False(t, stored.Active)
	assert.False(t, stored.HasToken())

	// An unsubscribed address is still known and is not recreated.
	result, err := env.service.Subscribe(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, 1, env.repo.count())
}
