package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fabriq-ai/fabriq/pkg/adapters/httpprovider"
	"github.com/fabriq-ai/fabriq/pkg/nodes/logmessage"
	"github.com/fabriq-ai/fabriq/pkg/nodes/texttemplate"
	"github.com/fabriq-ai/fabriq/pkg/registry"
)

// providerSpec is one entry of the providers config file. API keys are
// referenced by environment variable name so the file itself stays free of
// secrets.
type providerSpec struct {
	NodeType       string         `json:"node_type"`
	Source         string         `json:"source"`
	BaseURL        string         `json:"base_url"`
	APIKeyEnv      string         `json:"api_key_env"`
	CallbackSchema map[string]any `json:"callback_schema"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// NewRegistry builds the node registry with the built-in local runners and
// one HTTP provider adapter per entry of the providers config file. An empty
// path registers local runners only.
func NewRegistry(logger *slog.Logger, providersPath string) *registry.Registry {
	reg := registry.NewRegistry(logger)
	reg.RegisterLocalRunner(texttemplate.NewFactory())
	reg.RegisterLocalRunner(logmessage.NewFactory())

	if providersPath == "" {
		return reg
	}

	specs, err := loadProviderSpecs(providersPath)
	if err != nil {
		panic(fmt.Errorf("failed to load providers config: %w", err))
	}

	for _, spec := range specs {
		reg.RegisterProviderAdapter(httpprovider.NewFactory(httpprovider.FactoryConfig{
			NodeType:       spec.NodeType,
			Source:         spec.Source,
			BaseURL:        spec.BaseURL,
			APIKey:         os.Getenv(spec.APIKeyEnv),
			CallbackSchema: spec.CallbackSchema,
			Timeout:        time.Duration(spec.TimeoutSeconds) * time.Second,
		}))

		logger.Info("Registered provider adapter",
			"node_type", spec.NodeType,
			"source", spec.Source,
		)
	}

	return reg
}

func loadProviderSpecs(path string) ([]providerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var specs []providerSpec

	err = json.Unmarshal(data, &specs)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for _, spec := range specs {
		if spec.NodeType == "" || spec.Source == "" || spec.BaseURL == "" {
			return nil, fmt.Errorf("provider entry for %q: node_type, source and base_url are required", spec.NodeType)
		}
	}

	return specs, nil
}
