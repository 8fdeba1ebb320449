package httpprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

func newTestFactory(t *testing.T, handler http.Handler) *Factory {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	factory := NewFactory(FactoryConfig{
		NodeType: "image.generate",
		Source:   "pixelforge",
		BaseURL:  server.URL,
		APIKey:   "test-key",
	})

	concrete, ok := factory.(*Factory)
	require.True(t, ok)

	return concrete
}

func TestAdapterSubmit(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "a red fox", payload["prompt"])
		assert.Equal(t, "1024x1024", payload["size"], "extra params should be merged")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "ext-42", "status": "queued"}`))
	}))

	adapter, err := factory.Create(map[string]any{
		"params": map[string]any{"size": "1024x1024"},
	})
	require.NoError(t, err)

	taskID, err := adapter.Submit(context.Background(), map[string]any{"prompt": "a red fox"})
	require.NoError(t, err)
	assert.Equal(t, "ext-42", taskID)
}

func TestAdapterPollMapsStatuses(t *testing.T) {
	responses := map[string]string{
		"/tasks/ext-1": `{"status": "rendering"}`,
		"/tasks/ext-2": `{"status": "succeeded", "output": {"url": "https://cdn/img.png"}}`,
		"/tasks/ext-3": `{"status": "failed", "error": "nsfw content"}`,
	}

	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		require.True(t, ok, "unexpected path %s", r.URL.Path)
		_, _ = w.Write([]byte(body))
	}))

	adapter, err := factory.Create(nil)
	require.NoError(t, err)

	pending, err := adapter.Poll(context.Background(), "ext-1")
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePending, pending.Status)

	success, err := adapter.Poll(context.Background(), "ext-2")
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeSuccess, success.Status)
	assert.Equal(t, "https://cdn/img.png", success.Output["url"])

	failure, err := adapter.Poll(context.Background(), "ext-3")
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeFailure, failure.Status)
	assert.Equal(t, "nsfw content", failure.ErrorMessage)
}

func TestAdapterErrorKinds(t *testing.T) {
	status := http.StatusInternalServerError

	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	adapter, err := factory.Create(nil)
	require.NoError(t, err)

	_, err = adapter.Submit(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, protocol.IsPermanent(err), "5xx should be transient")

	status = http.StatusUnprocessableEntity

	_, err = adapter.Submit(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, protocol.IsPermanent(err), "4xx should be permanent")
}

func TestAdapterCustomFields(t *testing.T) {
	factory := newTestFactory(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/jobs", r.URL.Path)
		_, _ = w.Write([]byte(`{"job_id": "j-1"}`))
	}))

	adapter, err := factory.Create(map[string]any{
		"submit_path": "v2/jobs",
		"id_field":    "job_id",
	})
	require.NoError(t, err)

	taskID, err := adapter.Submit(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "j-1", taskID)
}
