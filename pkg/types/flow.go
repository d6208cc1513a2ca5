// Package types provides shared types for the flow processing engine.
package types

import (
	"encoding/json"
	"time"
)

// NodeKind identifies what a node does when it runs.
type NodeKind string

const (
	NodeKindFunction    NodeKind = "function"
	NodeKindIntegration NodeKind = "integration"
)

// BindingSource identifies where a node input value comes from.
type BindingSource string

const (
	// BindingSourceEvent reads a field of the triggering event payload.
	BindingSourceEvent BindingSource = "event"
	// BindingSourceNode reads the recorded output of an upstream node.
	BindingSourceNode BindingSource = "node"
)

// Binding declares a single named input of a node.
type Binding struct {
	// Name is the identifier the value is exposed under inside the node.
	Name   string        `json:"name"`
	Source BindingSource `json:"source"`

	// Field selects a top-level field of the event payload when
	// Source is "event". Empty means the whole payload.
	Field string `json:"field,omitempty"`

	// NodeID names the upstream node whose output is consumed when
	// Source is "node".
	NodeID string `json:"node_id,omitempty"`
}

// ConnectorType identifies the protocol an integration node speaks.
type ConnectorType string

const (
	ConnectorTypeHTTP ConnectorType = "http"
	ConnectorTypeMQTT ConnectorType = "mqtt"
)

// HTTPConfig holds the destination settings for an HTTP integration.
// Credentials are already resolved by the caller.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // defaults to POST
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// MQTTConfig holds the destination settings for an MQTT integration.
type MQTTConfig struct {
	Broker   string `json:"broker"` // host:port
	Topic    string `json:"topic"`
	QoS      byte   `json:"qos,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	UseTLS   bool   `json:"use_tls,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// IntegrationConfig is the resolved configuration for one connector
// instance, referenced from integration nodes by ID.
type IntegrationConfig struct {
	ID   string        `json:"id"`
	Type ConnectorType `json:"type"`
	HTTP *HTTPConfig   `json:"http,omitempty"`
	MQTT *MQTTConfig   `json:"mqtt,omitempty"`
}

// RetryPolicy bounds retries of transient node failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int `json:"max_attempts"`

	// InitialBackoff is the delay before the first retry; each
	// subsequent delay doubles, capped at BackoffCap.
	InitialBackoff time.Duration `json:"initial_backoff"`
	BackoffCap     time.Duration `json:"backoff_cap"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		BackoffCap:     30 * time.Second,
	}
}

// NodeSpec describes a single step in a flow definition.
type NodeSpec struct {
	ID       string    `json:"id"`
	Kind     NodeKind  `json:"kind"`
	Bindings []Binding `json:"bindings,omitempty"`

	// Script is the transform body for function nodes.
	Script string `json:"script,omitempty"`

	// IntegrationID references an IntegrationConfig for integration nodes.
	IntegrationID string `json:"integration_id,omitempty"`

	// Retry overrides the engine default when set.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Trigger is the predicate deciding which devices a flow applies to.
// A flow matches when the device ID is listed or the device carries
// one of the listed labels; an empty trigger matches every device.
type Trigger struct {
	DeviceIDs []string `json:"device_ids,omitempty"`
	Labels    []string `json:"labels,omitempty"`
}

// Matches reports whether the trigger applies to the given device.
func (t *Trigger) Matches(deviceID string, labels []string) bool {
	if t == nil || (len(t.DeviceIDs) == 0 && len(t.Labels) == 0) {
		return true
	}
	for _, id := range t.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	for _, want := range t.Labels {
		for _, have := range labels {
			if want == have {
				return true
			}
		}
	}
	return false
}

// EdgeSpec is a producer -> consumer data dependency.
type EdgeSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Flow is a stored flow definition. It is loaded read-only by the
// engine; a compiled graph never observes mutation mid-run.
type Flow struct {
	ID      string     `json:"id"`
	Version string     `json:"version"`
	Name    string     `json:"name,omitempty"`
	Nodes   []NodeSpec `json:"nodes"`
	Edges   []EdgeSpec `json:"edges,omitempty"`
	Trigger *Trigger   `json:"trigger,omitempty"`
}

// IngestEvent is the validated tuple handed to the dispatcher by the
// ingestion boundary.
type IngestEvent struct {
	DeviceID string          `json:"device_id"`
	Labels   []string        `json:"labels,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}
