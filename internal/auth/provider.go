package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/graphdriver/core/internal/channel"
)

// ErrUserSwitchNotSupported is returned when a caller requests session-level
// auth that differs from a connection's current token and the negotiated
// protocol cannot re-authenticate an already-open connection (spec §4.2
// step 3, §4.3).
var ErrUserSwitchNotSupported = fmt.Errorf("connection does not support switching users without reconnecting")

// Request bundles the parameters of an authenticate call (spec §4.2).
type Request struct {
	Connection  channel.Connection
	Auth        *channel.AuthToken // session-supplied token, nil for driver-level auth
	SkipReAuth  bool
	ForceReAuth bool
	WaitReAuth  bool
	UserAgent   string
	BoltAgent   string
}

// Provider implements the authenticate/handleError contract (spec §4.2,
// component F), composing a TokenManager for the driver-level path.
type Provider struct {
	Tokens TokenManager
}

// NewProvider creates a Provider backed by the given token manager.
func NewProvider(tokens TokenManager) *Provider {
	return &Provider{Tokens: tokens}
}

// Authenticate runs the session-auth path when req.Auth is set, else the
// driver-level path, per spec §4.2. It returns the connection (possibly
// freshly connected) and whether the connection must now be treated as
// sticky (spec §4.3) — the caller still owns returning an error for the
// sticky-and-failed case.
func (p *Provider) Authenticate(ctx context.Context, req Request) (sticky bool, err error) {
	if req.Auth != nil {
		return p.authenticateSession(ctx, req)
	}
	return false, p.authenticateDriverLevel(ctx, req)
}

func (p *Provider) authenticateSession(ctx context.Context, req Request) (bool, error) {
	conn := req.Connection
	current, hasToken := conn.AuthToken()

	if !hasToken {
		waitReAuth := req.WaitReAuth
		return false, conn.Connect(ctx, req.UserAgent, req.BoltAgent, *req.Auth, waitReAuth)
	}

	differs := !current.Equal(*req.Auth)
	needsReAuth := (differs && !req.SkipReAuth) || req.ForceReAuth

	if conn.SupportsReAuth() {
		if needsReAuth {
			return false, conn.Connect(ctx, req.UserAgent, req.BoltAgent, *req.Auth, req.WaitReAuth)
		}
		return false, nil
	}

	if differs {
		return true, ErrUserSwitchNotSupported
	}
	return false, nil
}

func (p *Provider) authenticateDriverLevel(ctx context.Context, req Request) error {
	conn := req.Connection
	token, err := p.Tokens.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("fetching auth token: %w", err)
	}

	current, hasToken := conn.AuthToken()
	if !hasToken || !current.Equal(token) {
		return conn.Connect(ctx, req.UserAgent, req.BoltAgent, token, false)
	}
	return nil
}

// HandleError implements spec §4.2's handleError(connection, code): it only
// reacts to Security.* codes, deferring to the token manager, and returns
// whether the error should be treated as retriable.
func (p *Provider) HandleError(ctx context.Context, conn channel.Connection, code string) bool {
	if !strings.HasPrefix(code, "Neo.ClientError.Security.") {
		return false
	}
	token, hasToken := conn.AuthToken()
	if !hasToken {
		return false
	}
	return p.Tokens.HandleSecurityException(ctx, token, code)
}
