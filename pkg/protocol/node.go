// Package protocol defines the interfaces and contracts for pluggable node
// execution: local runners, external provider adapters and the normalized
// results that cross the adapter boundary.
package protocol

import (
	"context"
	"log/slog"
)

// ExecutionMode distinguishes nodes that run inside the worker from nodes
// that delegate to a third-party provider.
type ExecutionMode string

const (
	ExecutionModeLocal    ExecutionMode = "local"
	ExecutionModeExternal ExecutionMode = "external"
)

// LocalRunner executes a node synchronously inside the worker process.
type LocalRunner interface {
	Run(ctx context.Context, input map[string]any, logger *slog.Logger) (map[string]any, error)
}

// ProviderAdapter delegates a node to an asynchronous provider. Submit
// returns the provider-assigned task identifier; the result arrives later
// via Poll or a webhook callback. Both calls must honor ctx deadlines and
// may fail with a transient or permanent error kind.
type ProviderAdapter interface {
	Submit(ctx context.Context, input map[string]any) (string, error)
	Poll(ctx context.Context, externalTaskID string) (*ProviderResult, error)
}

// LocalRunnerFactory creates local runner instances for a node type.
type LocalRunnerFactory interface {
	Create(config map[string]any) (LocalRunner, error)
	ID() string
}

// ProviderAdapterFactory creates provider adapter instances for a node type.
type ProviderAdapterFactory interface {
	Create(config map[string]any) (ProviderAdapter, error)
	ID() string
	// Source names the provider for webhook correlation and audit records.
	Source() string
	// CallbackSchema optionally returns a JSON schema that inbound webhook
	// payloads for this provider must satisfy. Nil means no validation.
	CallbackSchema() map[string]any
}
