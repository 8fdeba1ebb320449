// Package texttemplate provides the text.template local node factory.
package texttemplate

import (
	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

// Factory creates TemplateNode instances.
type Factory struct{}

// Create creates a new TemplateNode instance.
func (f *Factory) Create(config map[string]any) (protocol.LocalRunner, error) {
	return NewTemplateNode(config)
}

// ID returns the node type this factory serves.
func (f *Factory) ID() string {
	return "text.template"
}

// NewFactory creates a new factory instance.
func NewFactory() protocol.LocalRunnerFactory {
	return &Factory{}
}
