package reliability

import (
	"context"
	"errors"

	"tilecast/internal/core/domain"
	"tilecast/internal/core/ports"
	"tilecast/pkg/circuitbreaker"
	"tilecast/pkg/retry"
	"tilecast/pkg/tracing"

	"go.uber.org/zap"
)

// PresenceStoreWrapper wraps a PresenceStore with retry logic and a circuit
// breaker. ErrSessionNotFound is an answer, not a failure: it is neither
// retried nor counted against the breaker.
type PresenceStoreWrapper struct {
	store          ports.PresenceStore
	name           string
	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.SugaredLogger
}

// NewPresenceStoreWrapper creates a new wrapper with retry and circuit breaker
func NewPresenceStoreWrapper(
	store ports.PresenceStore,
	name string,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *PresenceStoreWrapper {
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, domain.ErrSessionNotFound)
	if cbConfig.Name == "" {
		cbConfig.Name = "presence-" + name
	}

	w := &PresenceStoreWrapper{
		store:          store,
		name:           name,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
		logger:         logger,
	}
	w.circuitBreaker.OnStateChange(func(breaker string, from, to circuitbreaker.State) {
		logger.Infow("Circuit breaker state changed",
			"breaker", breaker,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func (w *PresenceStoreWrapper) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceStoreOperation(ctx, op, w.name)
	defer span.End()

	var answer error
	err := w.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		err := retry.Do(ctx, w.retryConfig, fn)
		if errors.Is(err, domain.ErrSessionNotFound) {
			answer = domain.ErrSessionNotFound
			return nil
		}
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		w.logger.Debugw("Presence store operation failed", "op", op, "store", w.name, "error", err)
		return err
	}
	return answer
}

func (w *PresenceStoreWrapper) Register(ctx context.Context, record *domain.PresenceRecord) error {
	return w.call(ctx, "register", func(ctx context.Context) error {
		return w.store.Register(ctx, record)
	})
}

func (w *PresenceStoreWrapper) Refresh(ctx context.Context, id domain.ClientID) error {
	return w.call(ctx, "refresh", func(ctx context.Context) error {
		return w.store.Refresh(ctx, id)
	})
}

func (w *PresenceStoreWrapper) Update(ctx context.Context, record *domain.PresenceRecord) error {
	return w.call(ctx, "update", func(ctx context.Context) error {
		return w.store.Update(ctx, record)
	})
}

func (w *PresenceStoreWrapper) Unregister(ctx context.Context, id domain.ClientID) error {
	return w.call(ctx, "unregister", func(ctx context.Context) error {
		return w.store.Unregister(ctx, id)
	})
}

func (w *PresenceStoreWrapper) List(ctx context.Context) ([]*domain.PresenceRecord, error) {
	var records []*domain.PresenceRecord
	err := w.call(ctx, "list", func(ctx context.Context) error {
		var err error
		records, err = w.store.List(ctx)
		return err
	})
	return records, err
}

// BreakerState exposes the breaker for health reporting.
func (w *PresenceStoreWrapper) BreakerState() circuitbreaker.State {
	return w.circuitBreaker.State()
}
