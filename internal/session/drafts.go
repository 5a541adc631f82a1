package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fieldshare/internal/selection"
	"github.com/redis/go-redis/v9"
)

// DraftKey scopes a draft to one user editing one institution of one schema.
type DraftKey struct {
	UserID      string
	SchemaKey   string
	Institution string
}

func (k DraftKey) redisKey() string {
	return fmt.Sprintf("draft:%s:%s:%s", k.UserID, k.SchemaKey, k.Institution)
}

// LoadDraft returns the stored selection state, or a fresh one for the
// institution when nothing is stored or the draft expired.
func (s *RedisStore) LoadDraft(ctx context.Context, key DraftKey) (selection.State, error) {
	raw, err := s.client.Get(ctx, key.redisKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return selection.NewState(key.Institution), nil
	}
	if err != nil {
		return selection.State{}, fmt.Errorf("load draft: %w", err)
	}
	var state selection.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return selection.State{}, fmt.Errorf("decode draft: %w", err)
	}
	return state, nil
}

// SaveDraft stores state and refreshes its TTL. A pristine state deletes the
// key instead of storing an empty draft.
func (s *RedisStore) SaveDraft(ctx context.Context, key DraftKey, state selection.State) error {
	if state.IsPristine() {
		return s.DeleteDraft(ctx, key)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	if err := s.client.Set(ctx, key.redisKey(), raw, s.draftTTL).Err(); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteDraft(ctx context.Context, key DraftKey) error {
	if err := s.client.Del(ctx, key.redisKey()).Err(); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}
