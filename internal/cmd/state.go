package cmd

import (
	"fmt"

	"github.com/Iron-Ham/sluice/internal/config"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/store"
	"github.com/Iron-Ham/sluice/internal/store/memory"
	"github.com/Iron-Ham/sluice/internal/store/sqlite"
)

// loadConfig reads and validates the global settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured state backend, wrapped so that writes
// are retried per runtime.store_retry.
func openStore(cfg *config.Config, logger *logging.Logger) (store.Store, error) {
	var inner store.Store
	switch cfg.Runtime.StateBackend {
	case config.BackendMemory:
		inner = memory.New()
	default:
		s, err := sqlite.Open(cfg.Runtime.StateDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		inner = s
	}
	return store.NewRetrying(inner, cfg.Runtime.StoreRetryPolicy(), logger), nil
}
