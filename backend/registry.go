package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrUnknownBackend is returned by Build when no backend has the configured name.
var ErrUnknownBackend = errors.New("unknown backend")

type registration struct {
	build Builder
	caps  Capabilities
}

// Registry resolves a config's Backend value to the builder that opens it.
// Names are matched case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry holds the backends that registered themselves in init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register installs builder under name with no capabilities beyond the name.
func (r *Registry) Register(name string, builder Builder) {
	r.RegisterWithCapabilities(name, builder, Capabilities{Name: name})
}

// RegisterWithCapabilities installs builder and caps under name, replacing
// an earlier registration. Aliases are registered by calling it again with
// the same builder.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = registration{build: builder, caps: caps}
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[normalize(name)]
	return reg, ok
}

// GetCapabilities reports what the backend registered under name supports.
// Unknown names yield capabilities with only Name set.
func (r *Registry) GetCapabilities(name string) Capabilities {
	if reg, ok := r.lookup(name); ok {
		return reg.caps
	}
	return Capabilities{Name: name}
}

// Build opens a connection with the builder registered for cfg.GetBackend().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := cfg.GetBackend()
	reg, ok := r.lookup(name)
	if !ok || reg.build == nil {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownBackend, name, strings.Join(r.Names(), ", "))
	}

	conn, err := reg.build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", name, err)
	}
	return conn, nil
}

// Names lists the registered names, aliases included, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Register installs builder in DefaultRegistry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities installs builder and caps in DefaultRegistry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build opens a connection through DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Conn, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
