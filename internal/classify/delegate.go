package classify

import (
	"context"

	"github.com/graphdriver/core/internal/channel"
)

// DelegateConnection wraps an acquired connection so every wire error
// observed on it is routed through a ConnectionErrorHandler before
// reaching the caller (spec §4.7). It implements channel.Connection by
// delegating every read-only/lifecycle method unchanged and adds
// NotifyError for the session layer (out of scope here) to report a
// protocol error code. Sticky connections (spec §4.3) must be handed back
// to the caller directly instead, bypassing this wrapper.
type DelegateConnection struct {
	channel.Connection
	handler *ConnectionErrorHandler
}

// NewDelegateConnection builds a DelegateConnection around conn using
// handler for error classification.
func NewDelegateConnection(conn channel.Connection, handler *ConnectionErrorHandler) *DelegateConnection {
	return &DelegateConnection{Connection: conn, handler: handler}
}

// NotifyError classifies a wire-protocol error observed while conn was in
// use and returns the terminal error the caller should see (spec §4.7).
func (d *DelegateConnection) NotifyError(ctx context.Context, code Code, message string, cause error) error {
	return d.handler.HandleWireError(ctx, d.Connection, code, message, cause)
}

// Unwrap exposes the underlying connection, e.g. for tests that need to
// reach through the wrapper.
func (d *DelegateConnection) Unwrap() channel.Connection { return d.Connection }

var _ channel.Connection = (*DelegateConnection)(nil)
