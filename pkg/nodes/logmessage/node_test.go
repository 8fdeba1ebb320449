package logmessage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNodeRun(t *testing.T) {
	node, err := NewLogNode(map[string]any{
		"message": "processing {{.item}}",
		"level":   "warn",
	})
	require.NoError(t, err)

	output, err := node.Run(context.Background(), map[string]any{"item": "frame-12"}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "processing frame-12", output["message"])
	assert.Equal(t, "warn", output["level"])
	assert.Equal(t, true, output["logged"])
}

func TestLogNodeInvalidLevel(t *testing.T) {
	_, err := NewLogNode(map[string]any{"message": "x", "level": "loud"})
	assert.Error(t, err)
}

func TestLogNodeMissingMessage(t *testing.T) {
	_, err := NewLogNode(map[string]any{})
	assert.Error(t, err)
}
