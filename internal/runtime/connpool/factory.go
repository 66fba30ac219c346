package connpool

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/backplane/backend"
	"github.com/drblury/backplane/internal/runtime/config"

	// Import all backend packages to register them.
	_ "github.com/drblury/backplane/backend/backends"
)

// Factory abstracts how backplane opens backend connections.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (backend.Conn, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (backend.Conn, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in factory that uses the backend registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (backend.Conn, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	return backend.Build(ctx, conf, logger)
}
