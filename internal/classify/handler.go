package classify

import (
	"context"
	"fmt"

	"github.com/graphdriver/core/internal/address"
	"github.com/graphdriver/core/internal/channel"
)

// Mode selects which action column of the spec §4.7 table a handler
// applies: a Direct provider has only one address and no routing table to
// update, a Routing provider does.
type Mode int

const (
	Direct Mode = iota
	Routing
)

// Hooks are the side effects a ConnectionErrorHandler triggers, injected
// by the connection provider composing pool + registry + auth (spec §4.7:
// "feeds back into C (forget a server) and F (mark token stale)"). Keeping
// these as closures instead of importing internal/pool/internal/routing/
// internal/auth directly keeps this package a leaf in the dependency
// graph.
type Hooks struct {
	// ForgetServer removes addr from the routing table's readers and
	// writers (Registry.Apply + Table.Forget).
	ForgetServer func(addr address.Address)
	// ForgetWriter removes addr from the routing table's writers only.
	ForgetWriter func(addr address.Address)
	// NullifyAuthToken clears the cached token on every pooled connection
	// to addr without closing them (Pool.Apply).
	NullifyAuthToken func(addr address.Address)
	// HandleSecurityException asks the authentication provider to react
	// to a Security.* code, returning whether it is now retriable
	// (auth.Provider.HandleError).
	HandleSecurityException func(ctx context.Context, conn channel.Connection, code Code) bool
	// RoutingTableRendering returns a diagnostic rendering of the current
	// routing table for database, used to annotate SessionExpired errors.
	RoutingTableRendering func(database string) string
}

// ConnectionErrorHandler implements spec §4.7's per-wire-error-class
// action table.
type ConnectionErrorHandler struct {
	Mode     Mode
	Database string
	Hooks    Hooks
}

// NewConnectionErrorHandler creates a handler for one acquired connection.
func NewConnectionErrorHandler(mode Mode, database string, hooks Hooks) *ConnectionErrorHandler {
	return &ConnectionErrorHandler{Mode: mode, Database: database, Hooks: hooks}
}

// HandleWireError classifies a protocol error observed on conn and returns
// the (possibly wrapped) terminal error; it never swallows an error (spec
// §4.7 "The classifier always returns the error").
func (h *ConnectionErrorHandler) HandleWireError(ctx context.Context, conn channel.Connection, code Code, message string, cause error) error {
	addr := conn.Address()

	switch {
	case code == "": // generic I/O / connection-lost
		if h.Mode == Direct {
			return Wrap(CodeServiceUnavailable, message, cause)
		}
		if h.Hooks.ForgetServer != nil {
			h.Hooks.ForgetServer(addr)
		}
		return h.sessionExpired(fmt.Sprintf("lost connection to server at %s", addr), cause)

	case code == CodeClusterNotALeader || code == CodeForbiddenOnReadOnlyDatabase:
		if h.Mode == Direct {
			return Wrap(code, message, cause)
		}
		if h.Hooks.ForgetWriter != nil {
			h.Hooks.ForgetWriter(addr)
		}
		return h.sessionExpired(fmt.Sprintf("no longer possible to write to server at %s", addr), cause)

	case code == CodeAuthorizationExpired:
		conn.Close()
		if h.Hooks.NullifyAuthToken != nil {
			h.Hooks.NullifyAuthToken(addr)
		}
		retriable := true
		if h.Mode == Routing && h.Hooks.HandleSecurityException != nil {
			retriable = h.Hooks.HandleSecurityException(ctx, conn, code)
		}
		return Wrap(code, message, cause).WithRetriable(retriable)

	case code == CodeTokenExpired:
		conn.Close()
		retriable := false
		if h.Hooks.HandleSecurityException != nil {
			retriable = h.Hooks.HandleSecurityException(ctx, conn, code)
		}
		return Wrap(code, message, cause).WithRetriable(retriable)

	case code.IsSecurity():
		conn.Close()
		return Wrap(code, message, cause).WithRetriable(false)

	default:
		return Wrap(code, message, cause)
	}
}

func (h *ConnectionErrorHandler) sessionExpired(message string, cause error) error {
	err := Wrap(CodeSessionExpired, message, cause)
	if h.Hooks.RoutingTableRendering != nil {
		return err.WithRoutingTable(h.Hooks.RoutingTableRendering(h.Database))
	}
	return err
}
