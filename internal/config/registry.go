package config

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/model"
)

// Registry serves role definitions to the group. It is safe for concurrent
// use; Update swaps the definitions while a group runs.
type Registry struct {
	logger *zap.Logger
	mu     sync.RWMutex
	roles  map[string]model.Role
	home   model.RetryPolicy
}

// NewRegistry creates a registry from a loaded configuration
func NewRegistry(cfg *Config, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger.Named("registry")}
	r.Update(cfg)
	return r
}

// Role implements group.Registry. Names are matched case-insensitively.
func (r *Registry) Role(name string) (model.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[strings.ToLower(name)]
	if ok {
		role.Name = name
	}
	return role, ok
}

// DefaultRetry implements group.Registry
func (r *Registry) DefaultRetry() model.RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.home
}

// Names returns the defined role names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Update replaces the role definitions
func (r *Registry) Update(cfg *Config) {
	roles := make(map[string]model.Role, len(cfg.Roles))
	for name, role := range cfg.Roles {
		roles[strings.ToLower(name)] = role
	}

	r.mu.Lock()
	var removed []string
	for name := range r.roles {
		if _, ok := roles[name]; !ok {
			removed = append(removed, name)
		}
	}
	r.roles = roles
	r.home = cfg.Home.Retry
	r.mu.Unlock()

	sort.Strings(removed)
	r.logger.Info("Role definitions updated",
		zap.Int("roles", len(roles)),
		zap.Strings("removed", removed))
}

// Watch keeps the registry in sync with the configuration file
func (r *Registry) Watch(loader *Loader) {
	loader.Watch(r.Update)
}
