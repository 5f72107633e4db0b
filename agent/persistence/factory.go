package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewStore creates a session store based on the configuration.
func NewStore(config StoreConfig, logger *zap.Logger) (*Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(logger), nil
	case StoreTypeRedis:
		return NewRedisStoreFromConfig(config, logger)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", config.Type)
	}
}
