package types

import "time"

// NodeStatus represents the state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSucceeded NodeStatus = "succeeded"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status is an end state for the run.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSucceeded || s == NodeStatusFailed || s == NodeStatusSkipped
}

// RunStatus is the aggregate state of one flow run.
type RunStatus string

const (
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

// NodeErrorKind classifies a node failure for retry and propagation.
type NodeErrorKind string

const (
	// ErrKindTransient failures (connector unreachable, send timeout)
	// are retried up to the node's retry policy.
	ErrKindTransient NodeErrorKind = "transient"

	// ErrKindPermanent failures (rejected sends, protocol errors) are
	// never retried.
	ErrKindPermanent NodeErrorKind = "permanent"

	// ErrKindScriptFailure covers sandbox faults: runtime errors, time
	// or step budget exhaustion. Never retried.
	ErrKindScriptFailure NodeErrorKind = "script_failure"

	// ErrKindBindingError means a declared input could not be resolved
	// before the node body ran. Never retried.
	ErrKindBindingError NodeErrorKind = "binding_error"
)

// Retryable reports whether failures of this kind are retry candidates.
func (k NodeErrorKind) Retryable() bool {
	return k == ErrKindTransient
}

// NodeResult is the terminal outcome of one node execution.
type NodeResult struct {
	NodeID     string        `json:"node_id"`
	Status     NodeStatus    `json:"status"`
	Value      any           `json:"value,omitempty"`
	ErrorKind  NodeErrorKind `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// RoutedOutput is a value a run explicitly hands back to the ingestion
// boundary, such as a device status update derived from the flow.
type RoutedOutput struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// FlowOutcome is the aggregate result of one flow run over one event.
// It is the only thing the executor ever yields; failure is represented
// here, never raised out of band.
type FlowOutcome struct {
	RunID      string                 `json:"run_id"`
	FlowID     string                 `json:"flow_id"`
	Version    string                 `json:"flow_version,omitempty"`
	DeviceID   string                 `json:"device_id"`
	Status     RunStatus              `json:"status"`
	Nodes      map[string]*NodeResult `json:"nodes"`
	Routed     []RoutedOutput         `json:"routed,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Counts tallies terminal node states, used when deriving RunStatus.
func (o *FlowOutcome) Counts() (succeeded, failed, skipped int) {
	for _, r := range o.Nodes {
		switch r.Status {
		case NodeStatusSucceeded:
			succeeded++
		case NodeStatusFailed:
			failed++
		case NodeStatusSkipped:
			skipped++
		}
	}
	return
}
