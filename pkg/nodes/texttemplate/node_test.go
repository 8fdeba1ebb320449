package texttemplate

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateNodeRun(t *testing.T) {
	node, err := NewTemplateNode(map[string]any{
		"template":   "a portrait of {{.subject}}",
		"output_key": "prompt",
	})
	require.NoError(t, err)

	output, err := node.Run(context.Background(), map[string]any{"subject": "a red fox"}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "a portrait of a red fox", output["prompt"])
}

func TestTemplateNodeMissingTemplate(t *testing.T) {
	_, err := NewTemplateNode(map[string]any{})
	assert.Error(t, err)
}

func TestTemplateNodeDefaultOutputKey(t *testing.T) {
	node, err := NewTemplateNode(map[string]any{"template": "static"})
	require.NoError(t, err)

	output, err := node.Run(context.Background(), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "static", output["text"])
}
