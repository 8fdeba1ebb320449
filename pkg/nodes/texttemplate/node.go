package texttemplate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/template"
)

// TemplateNode renders a configured template against the node's input data
// and emits the rendered value.
type TemplateNode struct {
	templateStr string
	outputKey   string
}

// NewTemplateNode creates a template node from its configuration.
func NewTemplateNode(config map[string]any) (*TemplateNode, error) {
	templateStr, ok := config["template"].(string)
	if !ok {
		return nil, errors.New("missing required field 'template'")
	}

	outputKey := "text"
	if key, ok := config["output_key"].(string); ok && key != "" {
		outputKey = key
	}

	return &TemplateNode{
		templateStr: templateStr,
		outputKey:   outputKey,
	}, nil
}

// Run renders the template. Render errors are permanent: retrying the same
// template against the same input cannot succeed.
func (n *TemplateNode) Run(ctx context.Context, input map[string]any, logger *slog.Logger) (map[string]any, error) {
	rendered, err := template.Render(n.templateStr, input)
	if err != nil {
		return nil, fmt.Errorf("template rendering failed: %w", err)
	}

	logger.DebugContext(ctx, "Rendered template", "output_key", n.outputKey)

	return map[string]any{n.outputKey: rendered}, nil
}
