package store

import (
	"errors"
	"fmt"
	"io"

	"rolechat/internal/domain"
	"rolechat/internal/infra/config"
)

// Store is a MessageStore that owns resources.
type Store interface {
	domain.MessageStore
	io.Closer
}

// New builds the store selected by cfg.Backend.
func New(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", domain.ErrConfigLoad, cfg.Backend)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
