// Package redis provides Redis implementation of subscribers repository.
//
// Each subscriber is a hash at subscriber:<id>. The set
// subscriber_email:<email> holds the ids registered with that address and
// serves as the email index.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/newsletter-garden/internal/domain"
	"github.com/bissquit/newsletter-garden/internal/pkg/metrics"
	"github.com/bissquit/newsletter-garden/internal/subscribers"
	goredis "github.com/redis/go-redis/v9"
)

const (
	driverName = "redis"

	// maxTxAttempts bounds optimistic transaction retries under contention.
	maxTxAttempts = 10
	scanCount     = 200
)

// Repository implements subscribers.Repository using Redis.
type Repository struct {
	client goredis.UniversalClient
}

// NewRepository creates a new Redis repository.
func NewRepository(client goredis.UniversalClient) *Repository {
	return &Repository{client: client}
}

var _ subscribers.Repository = (*Repository)(nil)

// Put writes the record and its index entry in one transaction.
func (r *Repository) Put(ctx context.Context, s *domain.Subscriber) (err error) {
	defer observe("put", time.Now(), &err)

	key := subscriberKey(s.ID)
	for range maxTxAttempts {
		err = r.client.Watch(ctx, func(tx *goredis.Tx) error {
			previous, err := tx.HGet(ctx, key, fieldEmail).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				writeSubscriber(ctx, pipe, s)
				if previous != "" && previous != s.Email {
					pipe.SRem(ctx, emailIndexKey(previous), s.ID)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("put subscriber: %w", err)
		}
		return nil
	}
	return fmt.Errorf("put subscriber: %w", err)
}

// Get retrieves a subscriber by ID.
func (r *Repository) Get(ctx context.Context, id string) (_ *domain.Subscriber, err error) {
	defer observe("get", time.Now(), &err)

	fields, err := r.client.HGetAll(ctx, subscriberKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	if len(fields) == 0 {
		return nil, subscribers.ErrSubscriberNotFound
	}

	return decodeSubscriber(fields)
}

// FindByEmail reads ids from the email index and loads the records.
// Index entries whose record is gone or now carries another email are skipped.
func (r *Repository) FindByEmail(ctx context.Context, email string) (_ []domain.Subscriber, err error) {
	defer observe("find_by_email", time.Now(), &err)

	ids, err := r.client.SMembers(ctx, emailIndexKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("read email index: %w", err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, subscriberKey(id))
	}

	return r.loadMatching(ctx, keys, email)
}

// ScanByEmail walks every subscriber hash without touching the index.
func (r *Repository) ScanByEmail(ctx context.Context, email string) (_ []domain.Subscriber, err error) {
	defer observe("scan_by_email", time.Now(), &err)

	var keys []string
	iter := r.client.Scan(ctx, 0, subscriberKeyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}

	return r.loadMatching(ctx, keys, email)
}

// ConditionalUpdate applies the mutation under WATCH. A transaction aborted
// by a concurrent writer is retried with a fresh read of the record.
func (r *Repository) ConditionalUpdate(ctx context.Context, id string, m subscribers.Mutation, cond subscribers.Condition) (err error) {
	defer observe("conditional_update", time.Now(), &err)

	key := subscriberKey(id)
	for range maxTxAttempts {
		err = r.client.Watch(ctx, func(tx *goredis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return subscribers.ErrSubscriberNotFound
			}

			s, err := decodeSubscriber(fields)
			if err != nil {
				return err
			}
			if !cond.Matches(s) {
				return subscribers.ErrConditionFailed
			}
			m.Apply(s)

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				writeSubscriber(ctx, pipe, s)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, subscribers.ErrSubscriberNotFound), errors.Is(err, subscribers.ErrConditionFailed):
			return err
		default:
			return fmt.Errorf("update subscriber: %w", err)
		}
	}

	return subscribers.ErrConditionFailed
}

// Ping checks Redis connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Repository) loadMatching(ctx context.Context, keys []string, email string) ([]domain.Subscriber, error) {
	result := make([]domain.Subscriber, 0, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, 0, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, key := range keys {
			cmds = append(cmds, pipe.HGetAll(ctx, key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 || fields[fieldEmail] != email {
			continue
		}
		s, err := decodeSubscriber(fields)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	sortByCreation(result)
	return result, nil
}

func writeSubscriber(ctx context.Context, pipe goredis.Pipeliner, s *domain.Subscriber) {
	key := subscriberKey(s.ID)
	pipe.HSet(ctx, key, encodeSubscriber(s))
	if !s.HasToken() {
		pipe.HDel(ctx, key, fieldValidationToken, fieldTokenExpiration)
	}
	pipe.SAdd(ctx, emailIndexKey(s.Email), s.ID)
}

func sortByCreation(list []domain.Subscriber) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func observe(operation string, start time.Time, err *error) {
	var opErr error
	if err != nil && *err != nil &&
		!errors.Is(*err, subscribers.ErrSubscriberNotFound) &&
		!errors.Is(*err, subscribers.ErrConditionFailed) {
		opErr = *err
	}
	metrics.ObserveStoreOperation(driverName, operation, start, opErr)
}
