package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/orion/pkg/transport"
	"github.com/dukex/orion/pkg/transport/engine"
	"github.com/dukex/orion/pkg/transport/memory"
)

// NewTransport connects to the workflow engine at engineURL. Without a URL an
// in-memory engine is used, which only suits local development.
func NewTransport(logger *slog.Logger, engineURL, apiKey string, timeout time.Duration) (transport.Engine, error) {
	if engineURL == "" {
		logger.Warn("No engine URL configured, deploying to an in-memory engine")

		return memory.NewEngine(), nil
	}

	client, err := engine.NewClient(logger, engineURL, apiKey, engine.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return client, nil
}
