package service

import (
	"errors"
	"fmt"

	"github.com/nemanja-m/gorun/internal/worker/core"
	"github.com/nemanja-m/gorun/pkg/jobs"
	pkgcore "github.com/nemanja-m/gorun/pkg/core"
)

type registryLoader struct {
	registry *jobs.Registry
}

// NewRegistryLoader resolves invokable names against registry. A nil registry
// means the process-wide default.
func NewRegistryLoader(registry *jobs.Registry) core.InvokableLoader {
	if registry == nil {
		registry = jobs.Default()
	}
	return &registryLoader{registry: registry}
}

func (l *registryLoader) Load(name string) (pkgcore.Invokable, error) {
	invokable, err := l.registry.New(name)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrInvokableNotFound, name)
	}
	return invokable, err
}
