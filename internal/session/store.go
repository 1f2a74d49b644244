package session

import (
	"context"
	"errors"
	"fmt"
)

var ErrStoreClosed = errors.New("client store closed")

// Store is the persistence collaborator: it lets session state survive a
// process restart. Saves follow an async save-on-change contract; failures
// are logged by the manager, never fatal to in-memory operation.
type Store interface {
	LoadKnownClients(ctx context.Context) ([]ClientSession, error)
	SaveClientStatus(ctx context.Context, session ClientSession) error
	Close() error
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	Type  StoreType   `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
}

// NewStore creates a Store from configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown client store type: %s", cfg.Type)
	}
}
