// Package registry maintains the set of tools available to the execution pipeline.
package registry

import (
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/tool"
)

// Registry maps tool names to tool descriptors
type Registry struct {
	tools  map[string]tool.Tool
	mu     sync.RWMutex
	logger *logger.Logger
}

// NewRegistry creates a new empty tool registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]tool.Tool),
		logger: log.WithFields(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool to the registry.
// Registering a name twice is a conflict.
func (r *Registry) Register(t tool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return apperrors.Conflict("tool '" + t.Name() + "' is already registered")
	}
	r.tools[t.Name()] = t

	r.logger.Debug("registered tool",
		zap.String("tool", t.Name()),
		zap.String("category", string(t.Category())))
	return nil
}

// Get returns the tool with the given name
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools
func (r *Registry) List() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]tool.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	return result
}

// Remove deletes a tool by name, returning whether it existed
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return false
	}
	delete(r.tools, name)
	return true
}

// LoadDefaults registers the built-in tool set
func (r *Registry) LoadDefaults() {
	for _, t := range DefaultTools() {
		if err := r.Register(t); err != nil {
			r.logger.Warn("skipping default tool", zap.String("tool", t.Name()), zap.Error(err))
		}
	}
	r.logger.Info("loaded default tools", zap.Int("count", len(r.List())))
}
