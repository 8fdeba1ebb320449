// Package registry maps node types onto their execution capability: a local
// runner factory or an external provider adapter factory.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

type Registry struct {
	logger           *slog.Logger
	runnerFactories  map[string]protocol.LocalRunnerFactory
	adapterFactories map[string]protocol.ProviderAdapterFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:           logger,
		runnerFactories:  make(map[string]protocol.LocalRunnerFactory),
		adapterFactories: make(map[string]protocol.ProviderAdapterFactory),
	}
}

func (r *Registry) RegisterLocalRunner(factory protocol.LocalRunnerFactory) {
	r.runnerFactories[factory.ID()] = factory
}

func (r *Registry) RegisterProviderAdapter(factory protocol.ProviderAdapterFactory) {
	r.adapterFactories[factory.ID()] = factory
}

// Mode reports whether a node type executes locally or via an external
// provider. Unknown node types return an error so that a workflow referencing
// an unregistered type fails fast at dispatch.
func (r *Registry) Mode(nodeType string) (protocol.ExecutionMode, error) {
	if _, ok := r.runnerFactories[nodeType]; ok {
		return protocol.ExecutionModeLocal, nil
	}

	if _, ok := r.adapterFactories[nodeType]; ok {
		return protocol.ExecutionModeExternal, nil
	}

	return "", fmt.Errorf("node type '%s' not registered", nodeType)
}

func (r *Registry) CreateLocalRunner(nodeType string, config map[string]any) (protocol.LocalRunner, error) {
	factory, ok := r.runnerFactories[nodeType]
	if !ok {
		return nil, fmt.Errorf("local node type '%s' not registered", nodeType)
	}

	return factory.Create(config)
}

func (r *Registry) CreateProviderAdapter(nodeType string, config map[string]any) (protocol.ProviderAdapter, error) {
	factory, ok := r.adapterFactories[nodeType]
	if !ok {
		return nil, fmt.Errorf("external node type '%s' not registered", nodeType)
	}

	return factory.Create(config)
}

// AdapterFactory exposes the raw factory so callers can read provider
// metadata (source name, callback schema) without creating an adapter.
func (r *Registry) AdapterFactory(nodeType string) (protocol.ProviderAdapterFactory, bool) {
	factory, ok := r.adapterFactories[nodeType]

	return factory, ok
}

// AdapterFactoryBySource resolves a factory by its provider source name.
// Webhook ingress uses this to validate payloads for a given provider.
func (r *Registry) AdapterFactoryBySource(source string) (protocol.ProviderAdapterFactory, bool) {
	for _, factory := range r.adapterFactories {
		if factory.Source() == source {
			return factory, true
		}
	}

	return nil, false
}

// NodeTypes returns every registered node type, local and external.
func (r *Registry) NodeTypes() []string {
	types := make([]string, 0, len(r.runnerFactories)+len(r.adapterFactories))

	for nodeType := range r.runnerFactories {
		types = append(types, nodeType)
	}

	for nodeType := range r.adapterFactories {
		types = append(types, nodeType)
	}

	return types
}
