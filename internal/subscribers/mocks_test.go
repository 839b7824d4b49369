package subscribers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
)

type mockRepository struct {
	mu      sync.Mutex
	records map[string]*domain.Subscriber

	putErr    error
	getErr    error
	findErr   error
	scanErr   error
	updateErr error

	findCalls int
	scanCalls int

	// beforeUpdate runs under the lock before the condition is checked.
	beforeUpdate func(s *domain.Subscriber)
}

func newMockRepository() *mockRepository {
	return &mockRepository{records: make(map[string]*domain.Subscriber)}
}

func (m *mockRepository) Put(_ context.Context, s *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putErr != nil {
		return m.putErr
	}
	m.records[s.ID] = cloneSubscriber(s)
	return nil
}

func (m *mockRepository) Get(_ context.Context, id string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.records[id]
	if !ok {
		return nil, ErrSubscriberNotFound
	}
	return cloneSubscriber(s), nil
}

func (m *mockRepository) FindByEmail(_ context.Context, email string) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.findCalls++
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.matching(email), nil
}

func (m *mockRepository) ScanByEmail(_ context.Context, email string) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scanCalls++
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	return m.matching(email), nil
}

func (m *mockRepository) ConditionalUpdate(_ context.Context, id string, mut Mutation, cond Condition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	s, ok := m.records[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(s)
	}
	if !cond.Matches(s) {
		return ErrConditionFailed
	}
	mut.Apply(s)
	return nil
}

func (m *mockRepository) Ping(context.Context) error {
	return nil
}

func (m *mockRepository) get(id string) *domain.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[id]
	if !ok {
		return nil
	}
	return cloneSubscriber(s)
}

func (m *mockRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *mockRepository) matching(email string) []domain.Subscriber {
	result := []domain.Subscriber{}
	for _, s := range m.records {
		if s.Email == email {
			result = append(result, *cloneSubscriber(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func cloneSubscriber(s *domain.Subscriber) *domain.Subscriber {
	c := *s
	if s.ValidationToken != nil {
		token := *s.ValidationToken
		c.ValidationToken = &token
	}
	if s.TokenExpiration != nil {
		expires := *s.TokenExpiration
		c.TokenExpiration = &expires
	}
	return &c
}

type mockPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *mockPublisher) messages() []ValidationMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]ValidationMessage, 0, len(p.bodies))
	for _, body := range p.bodies {
		msg, err := DecodeValidationMessage(body)
		if err != nil {
			continue
		}
		result = append(result, msg)
	}
	return result
}

type mockMailer struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (m *mockMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMailer) messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
