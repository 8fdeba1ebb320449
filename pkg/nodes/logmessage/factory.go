// Package logmessage provides the log local node factory.
package logmessage

import (
	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

// Factory creates LogNode instances.
type Factory struct{}

// Create creates a new LogNode instance.
func (f *Factory) Create(config map[string]any) (protocol.LocalRunner, error) {
	return NewLogNode(config)
}

// ID returns the node type this factory serves.
func (f *Factory) ID() string {
	return "log"
}

// NewFactory creates a new factory instance.
func NewFactory() protocol.LocalRunnerFactory {
	return &Factory{}
}
