// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/orion/pkg/persistence"
	"github.com/dukex/orion/pkg/persistence/file"
	"github.com/dukex/orion/pkg/persistence/memory"
	"github.com/dukex/orion/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"file", "memory", "postgres", "postgresql"}

// NewPersistence opens the store named by databaseURL's scheme. URLs without a
// known scheme are treated as a file store root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}

		return store, nil
	case "memory":
		return memory.NewPersistence(), nil
	default:
		store, err := file.NewPersistence(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open file persistence: %w", err)
		}

		return store, nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")
	if len(parts) < 2 {
		return "file"
	}

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
