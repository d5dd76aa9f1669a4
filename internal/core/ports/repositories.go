package ports

import (
	"context"

	"tilecast/internal/core/domain"
)

// PresenceStore mirrors the registered presenters so dashboards and other
// instances can observe them.
type PresenceStore interface {
	Register(ctx context.Context, record *domain.PresenceRecord) error
	Refresh(ctx context.Context, id domain.ClientID) error
	Update(ctx context.Context, record *domain.PresenceRecord) error
	Unregister(ctx context.Context, id domain.ClientID) error
	List(ctx context.Context) ([]*domain.PresenceRecord, error)
}
