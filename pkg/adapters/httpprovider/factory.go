// Package httpprovider provides a configuration-driven provider adapter for
// third-party services exposing a submit/poll HTTP API.
package httpprovider

import (
	"net/http"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/protocol"
)

// Factory creates Adapter instances for a single node type backed by an
// HTTP submit/poll provider. One factory is registered per node type
// ("image.generate", "video.compose", ...), all sharing this adapter code.
type Factory struct {
	nodeType       string
	source         string
	baseURL        string
	apiKey         string
	callbackSchema map[string]any
	client         *http.Client
}

// FactoryConfig carries the provider-level settings for one node type.
type FactoryConfig struct {
	// NodeType is the workflow node type this factory serves.
	NodeType string
	// Source names the provider, matching the webhook ingress path segment.
	Source string
	// BaseURL is the provider API root, e.g. "https://api.pixelforge.dev/v1".
	BaseURL string
	// APIKey is sent as a bearer token on submit and poll calls.
	APIKey string
	// CallbackSchema optionally validates inbound webhook payloads.
	CallbackSchema map[string]any
	// Timeout bounds individual HTTP calls. Zero means 30 seconds.
	Timeout time.Duration
}

// NewFactory creates a provider adapter factory.
func NewFactory(cfg FactoryConfig) protocol.ProviderAdapterFactory {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Factory{
		nodeType:       cfg.NodeType,
		source:         cfg.Source,
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		callbackSchema: cfg.CallbackSchema,
		client:         &http.Client{Timeout: timeout},
	}
}

// Create creates an adapter for one node, merging node-level config over the
// provider defaults.
func (f *Factory) Create(config map[string]any) (protocol.ProviderAdapter, error) {
	return NewAdapter(f, config)
}

// ID returns the node type this factory serves.
func (f *Factory) ID() string {
	return f.nodeType
}

// Source returns the provider name for webhook correlation.
func (f *Factory) Source() string {
	return f.source
}

// CallbackSchema returns the JSON schema for inbound webhook payloads, or
// nil when the provider's callbacks are not validated.
func (f *Factory) CallbackSchema() map[string]any {
	return f.callbackSchema
}
