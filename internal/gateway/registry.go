// ABOUTME: Registry for named gateway instances with explicit lifecycle
// ABOUTME: Create, look up, and dispose gateways; nothing is process-global

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tasklink/tasklink/internal/config"
	"github.com/tasklink/tasklink/internal/executor"
	"github.com/tasklink/tasklink/internal/tunnel"
)

// ErrDuplicateName indicates a Create with a name already in use.
var ErrDuplicateName = errors.New("gateway name already registered")

// ErrUnknownName indicates a lookup or dispose for a name never created.
var ErrUnknownName = errors.New("unknown gateway name")

// Registry tracks live gateway instances by name. Callers own creation and
// disposal; a dropped registry does not leak goroutines because every
// instance must be disposed through it.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*Gateway
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "registry"),
		instances: make(map[string]*Gateway),
	}
}

// Create wires a new gateway under the given name. The name must be unused.
func (r *Registry) Create(name string, cfg *config.Config, exec executor.Executor, tun tunnel.Provider) (*Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}

	g, err := New(cfg, exec, tun, r.logger)
	if err != nil {
		return nil, err
	}
	r.instances[name] = g
	r.logger.Debug("gateway registered", "name", name)
	return g, nil
}

// Get returns the named gateway.
func (r *Registry) Get(name string) (*Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	return g, nil
}

// Dispose stops and closes the named gateway and removes it.
func (r *Registry) Dispose(name string) error {
	r.mu.Lock()
	g, ok := r.instances[name]
	delete(r.instances, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	g.Close()
	r.logger.Debug("gateway disposed", "name", name)
	return nil
}

// DisposeAll closes every registered gateway. Used on process shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*Gateway)
	r.mu.Unlock()

	for name, g := range instances {
		g.Close()
		r.logger.Debug("gateway disposed", "name", name)
	}
}

// Names lists the registered gateway names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	return names
}
