package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/models"
)

const keyPrefix = "verba:context:"

// RedisStore keeps session contexts in Redis, one JSON value per
// conversation id, expiring after the configured idle TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(conversationID string) string {
	return keyPrefix + conversationID
}

// Get loads and decodes the context for a conversation id.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (*models.SessionContext, error) {
	data, err := s.client.Get(ctx, s.key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session context: %w", err)
	}

	var sc models.SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		// A corrupt entry is unrecoverable; drop it so the conversation
		// can start fresh instead of failing every turn.
		s.logger.Warn("Dropping corrupt session context",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		s.client.Del(ctx, s.key(conversationID))
		return nil, ErrNotFound
	}
	return &sc, nil
}

// Put saves the context and refreshes the idle TTL.
func (s *RedisStore) Put(ctx context.Context, sc *models.SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sc.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session context: %w", err)
	}
	return nil
}

// Delete removes the context.
func (s *RedisStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session context: %w", err)
	}
	return nil
}
