package backend

import (
	"errors"
	"fmt"

	"github.com/oasisprotocol/chainhead/follow"
)

var (
	// ErrSubscriptionDropped means the follow subscription ended before the
	// awaited result arrived. Callers may retry once a new subscription is up.
	ErrSubscriptionDropped = follow.ErrSubscriptionDropped

	// ErrRequestRejected means the node refused to start an operation because
	// too many are in flight. Back off and retry.
	ErrRequestRejected = errors.New("request rejected: operation limit reached")

	// ErrOperationInaccessible means the node could not complete an operation,
	// e.g. because no peer served the data. Retrying may succeed.
	ErrOperationInaccessible = errors.New("operation inaccessible")

	// ErrInvalidRuntime is wrapped by the errors reporting a runtime the node
	// could not load.
	ErrInvalidRuntime = errors.New("invalid runtime")
)

// OperationError is a failure reported by the node for one operation.
type OperationError struct {
	OperationID string
	Message     string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s failed: %s", e.OperationID, e.Message)
}

// ProtocolViolationError means the node's streams contradicted each other,
// e.g. a transaction was reported finalized in a block the follow
// subscription never finalized.
type ProtocolViolationError struct {
	Reason string
	Cause  error
}

func (e *ProtocolViolationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Cause)
	}
	return "protocol violation: " + e.Reason
}

func (e *ProtocolViolationError) Unwrap() error {
	return e.Cause
}
