package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/pkg/batch"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type refreshOp struct {
	id domain.ClientID
	at time.Time
}

func (op refreshOp) Key() string { return string(op.id) }

// BatchedPresenceStore coalesces Refresh calls and applies them with two
// pipelined round trips per batch. Every other operation goes straight to
// the underlying store. A batched Refresh of an unknown presenter is
// silently skipped instead of returning ErrSessionNotFound.
type BatchedPresenceStore struct {
	*RedisPresenceStore
	batcher *batch.Batcher
}

func NewBatchedPresenceStore(
	base *RedisPresenceStore,
	batchSize int,
	batchInterval time.Duration,
	logger *zap.SugaredLogger,
) *BatchedPresenceStore {
	s := &BatchedPresenceStore{RedisPresenceStore: base}
	s.batcher = batch.NewBatcher(batchSize, batchInterval, batch.ProcessorFunc(s.processRefreshes), func(err error, n int) {
		logger.Warnw("Batched presence refresh failed", "operations", n, "error", err)
	})
	return s
}

func (s *BatchedPresenceStore) Refresh(ctx context.Context, id domain.ClientID) error {
	return s.batcher.Add(refreshOp{id: id, at: time.Now()})
}

// Close flushes pending refreshes.
func (s *BatchedPresenceStore) Close() {
	s.batcher.Stop()
}

func (s *BatchedPresenceStore) Pending() int {
	return s.batcher.PendingCount()
}

func (s *BatchedPresenceStore) processRefreshes(ctx context.Context, ops []batch.Operation) error {
	refreshes := make([]refreshOp, 0, len(ops))
	reads := make([]*redis.StringCmd, 0, len(ops))

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			r, ok := op.(refreshOp)
			if !ok {
				continue
			}
			refreshes = append(refreshes, r)
			reads = append(reads, pipe.Get(ctx, presenceKey(r.id)))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read presence records: %w", err)
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, cmd := range reads {
			data, err := cmd.Bytes()
			if err != nil {
				// expired or unregistered meanwhile
				continue
			}
			var record domain.PresenceRecord
			if err := json.Unmarshal(data, &record); err != nil {
				continue
			}
			record.LastSeen = refreshes[i].at
			updated, err := json.Marshal(&record)
			if err != nil {
				continue
			}
			pipe.Set(ctx, presenceKey(record.ID), updated, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence records: %w", err)
	}
	return nil
}
