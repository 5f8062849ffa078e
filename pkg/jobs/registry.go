// Package jobs maps invokable names to factories so workers can instantiate
// the computation named in a deployment.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nemanja-m/gorun/pkg/core"
)

var (
	ErrAlreadyRegistered = errors.New("invokable already registered")
	ErrNotFound          = errors.New("invokable not found")
)

// Factory returns a fresh invokable for every task attempt.
type Factory func() core.Invokable

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("%w: invokable needs a name and a factory", core.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for package init functions.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) New(name string) (core.Invokable, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return factory(), nil
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Default is the process-wide registry the bundled examples register with.
func Default() *Registry {
	return defaultRegistry
}

func Register(name string, factory Factory) error {
	return defaultRegistry.Register(name, factory)
}

func New(name string) (core.Invokable, error) {
	return defaultRegistry.New(name)
}

func List() []string {
	return defaultRegistry.List()
}
