// Package connector provides protocol clients used by integration
// nodes. A connector instance owns its connection lifecycle, is shared
// across flow runs, and is safe for concurrent use.
package connector

import (
	"context"
	"fmt"

	"github.com/devicehub/flowengine/pkg/types"
)

// Connector sends a payload to one external destination. Connection
// pooling, retry-relevant classification, and timeouts live behind
// this interface; callers only see a Result.
type Connector interface {
	Type() types.ConnectorType
	Send(ctx context.Context, payload any) Result
	Close()
}

// ResultKind classifies the outcome of a send.
type ResultKind string

const (
	ResultOK            ResultKind = "ok"
	ResultUnreachable   ResultKind = "unreachable"
	ResultTimeout       ResultKind = "timeout"
	ResultRejected      ResultKind = "rejected"
	ResultProtocolError ResultKind = "protocol_error"
)

// Result is the outcome of one send. Failures are values; a connector
// never panics across the package boundary.
type Result struct {
	Kind ResultKind

	// StatusCode carries the HTTP status for Rejected results.
	StatusCode int

	// Response is the parsed response payload on success, when the
	// destination returned one.
	Response any

	// Detail describes the failure.
	Detail string
}

// OK reports whether the send succeeded.
func (r Result) OK() bool { return r.Kind == ResultOK }

// ErrorKind maps a failed Result onto the node error taxonomy:
// unreachable and timeout are transient, rejected and protocol errors
// are permanent.
func (r Result) ErrorKind() types.NodeErrorKind {
	switch r.Kind {
	case ResultUnreachable, ResultTimeout:
		return types.ErrKindTransient
	default:
		return types.ErrKindPermanent
	}
}

func (r Result) Error() string {
	if r.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", r.Kind, r.StatusCode, r.Detail)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}
