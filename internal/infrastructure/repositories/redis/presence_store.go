package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tilecast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL outlives a few missed heartbeats; Refresh extends it.
const DefaultPresenceTTL = 30 * time.Second

// RedisPresenceStore keeps one expiring JSON record per presenter plus an
// index set used for listing.
// It implements ports.PresenceStore.
type RedisPresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceStore(client *redis.Client, ttl time.Duration) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceStore{client: client, ttl: ttl}
}

func (s *RedisPresenceStore) Register(ctx context.Context, record *domain.PresenceRecord) error {
	stored := *record
	if stored.LastSeen.IsZero() {
		stored.LastSeen = time.Now()
	}
	return s.write(ctx, &stored)
}

func (s *RedisPresenceStore) write(ctx context.Context, record *domain.PresenceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(record.ID), data, s.ttl)
		pipe.SAdd(ctx, presenceIndexKey, string(record.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store presence for %s: %w", record.ID, err)
	}
	return nil
}

func (s *RedisPresenceStore) get(ctx context.Context, id domain.ClientID) (*domain.PresenceRecord, error) {
	data, err := s.client.Get(ctx, presenceKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence from Redis: %w", err)
	}

	var record domain.PresenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return &record, nil
}

func (s *RedisPresenceStore) Refresh(ctx context.Context, id domain.ClientID) error {
	record, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	record.LastSeen = time.Now()
	return s.write(ctx, record)
}

func (s *RedisPresenceStore) Update(ctx context.Context, record *domain.PresenceRecord) error {
	existing, err := s.get(ctx, record.ID)
	if err != nil {
		return err
	}
	stored := *record
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = existing.JoinedAt
	}
	stored.LastSeen = time.Now()
	return s.write(ctx, &stored)
}

func (s *RedisPresenceStore) Unregister(ctx context.Context, id domain.ClientID) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, presenceKey(id))
		pipe.SRem(ctx, presenceIndexKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete presence for %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// List returns live records ordered by join time. Index entries whose record
// expired are pruned on the way.
func (s *RedisPresenceStore) List(ctx context.Context) ([]*domain.PresenceRecord, error) {
	ids, err := s.client.SMembers(ctx, presenceIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presenters: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.PresenceRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(domain.ClientID(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load presence records: %w", err)
	}

	records := make([]*domain.PresenceRecord, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var record domain.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	if len(stale) > 0 {
		// best effort
		_ = s.client.SRem(ctx, presenceIndexKey, stale...).Err()
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].JoinedAt.Equal(records[j].JoinedAt) {
			return records[i].JoinedAt.Before(records[j].JoinedAt)
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}
