package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
)

type MemoryPresenceStore struct {
	records map[domain.ClientID]*domain.PresenceRecord
	mu      sync.RWMutex
	now     func() time.Time
}

func NewMemoryPresenceStore() ports.PresenceStore {
	return &MemoryPresenceStore{
		records: make(map[domain.ClientID]*domain.PresenceRecord),
		now:     time.Now,
	}
}

func (s *MemoryPresenceStore) Register(ctx context.Context, record *domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *record
	if stored.LastSeen.IsZero() {
		stored.LastSeen = s.now()
	}
	s.records[record.ID] = &stored
	return nil
}

func (s *MemoryPresenceStore) Refresh(ctx context.Context, id domain.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	record.LastSeen = s.now()
	return nil
}

func (s *MemoryPresenceStore) Update(ctx context.Context, record *domain.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[record.ID]
	if !exists {
		return domain.ErrSessionNotFound
	}
	stored := *record
	if stored.JoinedAt.IsZero() {
		stored.JoinedAt = existing.JoinedAt
	}
	stored.LastSeen = s.now()
	s.records[record.ID] = &stored
	return nil
}

func (s *MemoryPresenceStore) Unregister(ctx context.Context, id domain.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(s.records, id)
	return nil
}

// List returns copies ordered by join time.
func (s *MemoryPresenceStore) List(ctx context.Context) ([]*domain.PresenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*domain.PresenceRecord, 0, len(s.records))
	for _, record := range s.records {
		copied := *record
		records = append(records, &copied)
	}
	sortRecords(records)
	return records, nil
}

func sortRecords(records []*domain.PresenceRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].JoinedAt.Equal(records[j].JoinedAt) {
			return records[i].JoinedAt.Before(records[j].JoinedAt)
		}
		return records[i].ID < records[j].ID
	})
}
