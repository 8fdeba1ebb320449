package logmessage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fabriq-ai/fabriq/pkg/template"
)

// LogNode logs a templated message at a configured level.
type LogNode struct {
	message string
	level   string
}

// NewLogNode creates a logging node.
func NewLogNode(config map[string]any) (*LogNode, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := "info"
	if lvl, ok := config["level"].(string); ok {
		switch lvl {
		case "debug", "info", "warn", "error":
			level = lvl
		default:
			return nil, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", lvl)
		}
	}

	return &LogNode{message: message, level: level}, nil
}

// Run renders and logs the message.
func (n *LogNode) Run(ctx context.Context, input map[string]any, logger *slog.Logger) (map[string]any, error) {
	message, err := template.RenderString(n.message, input)
	if err != nil {
		return nil, fmt.Errorf("failed to render log message template: %w", err)
	}

	switch n.level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}

	return map[string]any{
		"message": message,
		"level":   n.level,
		"logged":  true,
	}, nil
}
