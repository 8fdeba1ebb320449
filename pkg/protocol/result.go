package protocol

import "strings"

// OutcomeStatus is the normalized verdict for an asynchronous provider task.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomePending OutcomeStatus = "pending"
)

// ProviderResult is the normalized shape of a provider callback or poll
// response. Raw provider payloads are mapped into this before any state
// transition happens.
type ProviderResult struct {
	ExternalTaskID string
	Status         OutcomeStatus
	Output         map[string]any
	ErrorMessage   string
}

// Settled reports whether the provider reached a terminal verdict.
func (r *ProviderResult) Settled() bool {
	return r.Status == OutcomeSuccess || r.Status == OutcomeFailure
}

var (
	successAliases = map[string]struct{}{
		"success": {}, "done": {}, "completed": {}, "succeeded": {},
	}
	failureAliases = map[string]struct{}{
		"error": {}, "failed": {}, "failure": {},
	}
)

// NormalizeStatus maps a raw provider status string onto the normalized
// outcome. Unrecognized values are treated as still pending so that an
// unknown intermediate state ("rendering", "uploading") never finalizes a
// task by accident.
func NormalizeStatus(raw string) OutcomeStatus {
	lowered := strings.ToLower(strings.TrimSpace(raw))

	if _, ok := successAliases[lowered]; ok {
		return OutcomeSuccess
	}

	if _, ok := failureAliases[lowered]; ok {
		return OutcomeFailure
	}

	return OutcomePending
}
