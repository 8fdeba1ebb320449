package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPlainString(t *testing.T) {
	result, err := Render("hello {{.name}}", map[string]any{"name": "fabriq"})
	require.NoError(t, err)
	assert.Equal(t, "hello fabriq", result)
}

func TestRenderDecodesJSON(t *testing.T) {
	result, err := Render(`{"prompt": "{{.prompt}}", "count": 2}`, map[string]any{"prompt": "a cat"})
	require.NoError(t, err)

	decoded, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a cat", decoded["prompt"])
	assert.Equal(t, float64(2), decoded["count"])
}

func TestRenderInvalidTemplate(t *testing.T) {
	_, err := Render("{{.broken", nil)
	assert.Error(t, err)
}

func TestRenderString(t *testing.T) {
	result, err := RenderString("{{.a}}-{{.b}}", map[string]any{"a": "x", "b": "y"})
	require.NoError(t, err)
	assert.Equal(t, "x-y", result)
}
