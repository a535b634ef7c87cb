package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/ratewindow"
	"github.com/dukex/orion/pkg/ratewindow/redis"
)

// NewCounter returns the deployment counter for the gate's rate limit. A Redis
// URL selects the shared sorted-set window; otherwise deployed audit records
// are counted. The returned close func is never nil.
func NewCounter(ctx context.Context, logger *slog.Logger, redisURL string, store persistence.Persistence) (ratewindow.Counter, func() error, error) {
	if redisURL == "" {
		return ratewindow.NewAuditCounter(store.AuditRepository()), func() error { return nil }, nil
	}

	counter, client, err := redis.NewFromURL(redisURL)
	if err != nil {
		return nil, nil, err
	}

	if err := counter.Ping(ctx); err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	logger.InfoContext(ctx, "Counting deployments in redis")

	return counter, client.Close, nil
}
