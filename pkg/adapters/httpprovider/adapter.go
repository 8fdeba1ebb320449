package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

// Adapter talks to a submit/poll HTTP provider. Submit POSTs the node input
// to {baseURL}/{submitPath} and expects a JSON body carrying the provider's
// task id; Poll GETs {baseURL}/{pollPath}/{taskID} and maps the response to
// a normalized result.
type Adapter struct {
	factory    *Factory
	submitPath string
	pollPath   string
	// idField names the response key holding the provider task id.
	idField string
	// statusField and outputField name the poll response keys.
	statusField string
	outputField string
	errorField  string
	extraParams map[string]any
}

// NewAdapter creates an adapter from node-level configuration, falling back
// to conventional field names when the node config does not override them.
func NewAdapter(factory *Factory, config map[string]any) (*Adapter, error) {
	if factory.baseURL == "" {
		return nil, errors.New("provider base URL is not configured")
	}

	adapter := &Adapter{
		factory:     factory,
		submitPath:  "tasks",
		pollPath:    "tasks",
		idField:     "id",
		statusField: "status",
		outputField: "output",
		errorField:  "error",
	}

	if path, ok := config["submit_path"].(string); ok && path != "" {
		adapter.submitPath = path
	}

	if path, ok := config["poll_path"].(string); ok && path != "" {
		adapter.pollPath = path
	}

	if field, ok := config["id_field"].(string); ok && field != "" {
		adapter.idField = field
	}

	if field, ok := config["status_field"].(string); ok && field != "" {
		adapter.statusField = field
	}

	if field, ok := config["output_field"].(string); ok && field != "" {
		adapter.outputField = field
	}

	if field, ok := config["error_field"].(string); ok && field != "" {
		adapter.errorField = field
	}

	if params, ok := config["params"].(map[string]any); ok {
		adapter.extraParams = params
	}

	return adapter, nil
}

// Submit sends the node input to the provider and returns its task id.
// Transport failures and provider 5xx responses come back transient; 4xx
// responses come back permanent.
func (a *Adapter) Submit(ctx context.Context, input map[string]any) (string, error) {
	payload := make(map[string]any, len(input)+len(a.extraParams))

	for k, v := range a.extraParams {
		payload[k] = v
	}

	for k, v := range input {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", protocol.Permanent(fmt.Errorf("failed to marshal submit payload: %w", err))
	}

	endpoint, err := url.JoinPath(a.factory.baseURL, a.submitPath)
	if err != nil {
		return "", protocol.Permanent(fmt.Errorf("invalid submit URL: %w", err))
	}

	respBody, err := a.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	taskID, ok := respBody[a.idField].(string)
	if !ok || taskID == "" {
		return "", protocol.Permanent(fmt.Errorf("submit response missing task id field '%s'", a.idField))
	}

	return taskID, nil
}

// Poll fetches the current provider-side state of a task.
func (a *Adapter) Poll(ctx context.Context, externalTaskID string) (*protocol.ProviderResult, error) {
	endpoint, err := url.JoinPath(a.factory.baseURL, a.pollPath, externalTaskID)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("invalid poll URL: %w", err))
	}

	respBody, err := a.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	return a.mapResult(externalTaskID, respBody), nil
}

func (a *Adapter) mapResult(externalTaskID string, body map[string]any) *protocol.ProviderResult {
	result := &protocol.ProviderResult{
		ExternalTaskID: externalTaskID,
		Status:         protocol.OutcomePending,
	}

	if raw, ok := body[a.statusField].(string); ok {
		result.Status = protocol.NormalizeStatus(raw)
	}

	if output, ok := body[a.outputField].(map[string]any); ok {
		result.Output = output
	}

	if message, ok := body[a.errorField].(string); ok {
		result.ErrorMessage = message
	}

	return result
}

func (a *Adapter) do(ctx context.Context, method, endpoint string, body io.Reader) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, protocol.Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")

	if a.factory.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.factory.apiKey)
	}

	resp, err := a.factory.client.Do(req)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("provider request failed: %w", err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to read provider response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, protocol.Transient(fmt.Errorf("provider returned %d: %s", resp.StatusCode, respBytes))
	case resp.StatusCode >= 400:
		return nil, protocol.Permanent(fmt.Errorf("provider rejected request with %d: %s", resp.StatusCode, respBytes))
	}

	var decoded map[string]any

	err = json.Unmarshal(respBytes, &decoded)
	if err != nil {
		return nil, protocol.Transient(fmt.Errorf("failed to decode provider response: %w", err))
	}

	return decoded, nil
}
