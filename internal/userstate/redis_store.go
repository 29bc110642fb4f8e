// Package userstate provides storage backends for per-user dialogue state.
package userstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bandbeat/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a user has no persisted dialogue state yet.
var ErrNotFound = errors.New("dialogue state not found")

// RedisStore keeps each user's dialogue document as a JSON value keyed by
// LINE user id. State survives process restarts; there is no TTL because a
// half-finished draft must outlive arbitrarily long pauses.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed dialogue state store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: "dialogue:",
	}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "dialogue:",
	}
}

func (s *RedisStore) key(lineUserID string) string {
	return s.prefix + lineUserID
}

// GetDialogueState loads a user's dialogue document.
func (s *RedisStore) GetDialogueState(ctx context.Context, lineUserID string) (store.DialogueState, error) {
	raw, err := s.client.Get(ctx, s.key(lineUserID)).Result()
	if err == redis.Nil {
		return store.DialogueState{}, ErrNotFound
	}
	if err != nil {
		return store.DialogueState{}, fmt.Errorf("lookup dialogue state: %w", err)
	}

	var state store.DialogueState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return store.DialogueState{}, fmt.Errorf("unmarshal dialogue state: %w", err)
	}
	state.LineUserID = lineUserID
	return state, nil
}

// SaveDialogueState writes the full dialogue document.
func (s *RedisStore) SaveDialogueState(ctx context.Context, state store.DialogueState) error {
	state.StateUpdatedAt = time.Now()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal dialogue state: %w", err)
	}
	if err := s.client.Set(ctx, s.key(state.LineUserID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save dialogue state: %w", err)
	}
	return nil
}

// ResetDialogueState puts the user back to the initial state with empty drafts.
func (s *RedisStore) ResetDialogueState(ctx context.Context, lineUserID string) error {
	return s.SaveDialogueState(ctx, store.DialogueState{LineUserID: lineUserID, State: "IDLE"})
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
