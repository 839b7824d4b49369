// Package postgres provides PostgreSQL implementation of subscribers repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
	"github.com/bissquit/newsletter-garden/internal/pkg/metrics"
	"github.com/bissquit/newsletter-garden/internal/subscribers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const driverName = "postgres"

const subscriberColumns = `id, email, active, validated, validation_token, token_expiration, created_at, updated_at`

// Repository implements subscribers.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ subscribers.Repository = (*Repository)(nil)

// Put inserts the subscriber or replaces every field of an existing one.
func (r *Repository) Put(ctx context.Context, s *domain.Subscriber) (err error) {
	defer observe("put", time.Now(), &err)

	query := `
		INSERT INTO subscribers (` + subscriberColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			active = EXCLUDED.active,
			validated = EXCLUDED.validated,
			validation_token = EXCLUDED.validation_token,
			token_expiration = EXCLUDED.token_expiration,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.Exec(ctx, query,
		s.ID,
		s.Email,
		s.Active,
		s.Validated,
		s.ValidationToken,
		s.TokenExpiration,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put subscriber: %w", err)
	}
	return nil
}

// Get retrieves a subscriber by ID.
func (r *Repository) Get(ctx context.Context, id string) (_ *domain.Subscriber, err error) {
	defer observe("get", time.Now(), &err)

	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`

	s, err := scanSubscriber(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscribers.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return s, nil
}

// FindByEmail uses subscribers_email_idx.
func (r *Repository) FindByEmail(ctx context.Context, email string) (_ []domain.Subscriber, err error) {
	defer observe("find_by_email", time.Now(), &err)

	query := `
		SELECT ` + subscriberColumns + `
		FROM subscribers
		WHERE email = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("find subscribers by email: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Subscriber, 0, 1)
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}

	return result, nil
}

// ScanByEmail reads the whole table and filters rows in the application so
// the lookup does not depend on the email index.
func (r *Repository) ScanByEmail(ctx context.Context, email string) (_ []domain.Subscriber, err error) {
	defer observe("scan_by_email", time.Now(), &err)

	query := `SELECT ` + subscriberColumns + ` FROM subscribers ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Subscriber, 0)
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		if s.Email == email {
			result = append(result, *s)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}

	return result, nil
}

// ConditionalUpdate applies the mutation in a single UPDATE statement whose
// WHERE clause carries the preconditions.
func (r *Repository) ConditionalUpdate(ctx context.Context, id string, m subscribers.Mutation, cond subscribers.Condition) (err error) {
	defer observe("conditional_update", time.Now(), &err)

	query, args := buildConditionalUpdate(id, m, cond)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update subscriber: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM subscribers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check subscriber exists: %w", err)
	}
	if !exists {
		return subscribers.ErrSubscriberNotFound
	}
	return subscribers.ErrConditionFailed
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func buildConditionalUpdate(id string, m subscribers.Mutation, cond subscribers.Condition) (string, []any) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var sets []string
	if m.Active != nil {
		sets = append(sets, "active = "+arg(*m.Active))
	}
	if m.Validated != nil {
		sets = append(sets, "validated = "+arg(*m.Validated))
	}
	switch {
	case m.Token != nil:
		sets = append(sets,
			"validation_token = "+arg(m.Token.Value),
			"token_expiration = "+arg(m.Token.ExpiresAt.UTC()),
		)
	case m.ClearToken:
		sets = append(sets, "validation_token = NULL", "token_expiration = NULL")
	}
	sets = append(sets, "updated_at = "+arg(m.UpdatedAt.UTC()))

	where := []string{"id = $1"}
	if cond.TokenEquals != nil {
		where = append(where, "validation_token = "+arg(*cond.TokenEquals))
	}
	if cond.Validated != nil {
		where = append(where, "validated = "+arg(*cond.Validated))
	}

	query := "UPDATE subscribers SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ")

	return query, args
}

func scanSubscriber(row pgx.Row) (*domain.Subscriber, error) {
	var s domain.Subscriber
	err := row.Scan(
		&s.ID,
		&s.Email,
		&s.Active,
		&s.Validated,
		&s.ValidationToken,
		&s.TokenExpiration,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if s.TokenExpiration != nil {
		expires := s.TokenExpiration.UTC()
		s.TokenExpiration = &expires
	}
	return &s, nil
}

func observe(operation string, start time.Time, err *error) {
	var opErr error
	if err != nil && *err != nil && !isDomainError(*err) {
		opErr = *err
	}
	metrics.ObserveStoreOperation(driverName, operation, start, opErr)
}

func isDomainError(err error) bool {
	return errors.Is(err, subscribers.ErrSubscriberNotFound) || errors.Is(err, subscribers.ErrConditionFailed)
}
