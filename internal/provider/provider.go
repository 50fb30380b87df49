// Package provider abstracts LLM-CLI invocation behind ProviderInvoker, the
// collaborator interface spec.md names out-of-core-scope: prompt template
// generation and the actual provider command wrappers live outside this
// module's responsibility, but every call the Orchestration Loop makes
// passes through this shape. Grounded on internal/ai/interface.go's
// AIProvider, adapted from HTTP request/response pairs to subprocess
// invocation (stdout/stderr/exitCode/duration) per spec.md §6's provider
// contract.
package provider

import "context"

// FailureClass is the error classification every invoker must produce, per
// spec.md §6 "Provider contract".
type FailureClass string

const (
	FailureRateLimit        FailureClass = "rate_limit"
	FailureAuthError        FailureClass = "auth_error"
	FailureNetworkError     FailureClass = "network_error"
	FailureModelNotFound    FailureClass = "model_not_found"
	FailureContextExceeded  FailureClass = "context_exceeded"
	FailureCreditExhaustion FailureClass = "credit_exhaustion"
	FailureSubprocessHung   FailureClass = "subprocess_hung"
	FailureUnknown          FailureClass = "unknown"
)

// InvokeRequest is everything an invocation needs to run one provider call.
type InvokeRequest struct {
	Prompt          string
	Model           string
	Cwd             string
	Role            string // coder | reviewer | orchestrator
	Timeout         int64  // seconds
	StreamOutput    bool
	OnActivity      func()
	ResumeSessionID string
}

// InvokeResult is the outcome of one provider call.
type InvokeResult struct {
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMs int64
	TimedOut   bool
	SessionID  string
	TokenUsage string // JSON-encoded, opaque to the orchestration loop
}

// ProviderInvoker is the capability the Orchestration Loop calls into for
// every coder/reviewer/orchestrator invocation. Implementations live
// outside this module (this package only defines the contract and a
// reference subprocess-based implementation); the Credit-Pause Controller
// and Stuck-Task Detector both consume ClassifyResult/IsAvailable.
type ProviderInvoker interface {
	// Name identifies the provider (e.g. "claude-code", "codex").
	Name() string

	// Invoke runs one provider call and blocks until it completes, times
	// out, or ctx is cancelled.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)

	// IsAvailable probes whether the provider's CLI is reachable and
	// configured, without making a full invocation.
	IsAvailable(ctx context.Context) bool

	// ClassifyResult maps a failed invocation (result and/or err) to one of
	// the FailureClass values, consulting stdout/stderr/exitCode as needed.
	ClassifyResult(result InvokeResult, err error) FailureClass

	// ListModels enumerates models this provider exposes, where known.
	ListModels(ctx context.Context) ([]string, error)

	// GetDefaultModel returns the provider's default model identifier.
	GetDefaultModel() string
}

// Registry is process-wide state initialized once at startup: a map of
// named invokers, read concurrently by every runner but never mutated
// after New returns, per spec.md §9's "singleton accessor" resolution.
type Registry struct {
	invokers map[string]ProviderInvoker
}

// NewRegistry builds a Registry from a fixed set of invokers.
func NewRegistry(invokers ...ProviderInvoker) *Registry {
	r := &Registry{invokers: make(map[string]ProviderInvoker, len(invokers))}
	for _, inv := range invokers {
		r.invokers[inv.Name()] = inv
	}
	return r
}

// Get returns the named invoker, or nil if unregistered.
func (r *Registry) Get(name string) ProviderInvoker {
	return r.invokers[name]
}
