// Package classify maps wire-protocol error codes to driver actions
// (forget a server, re-authenticate, retry) and wraps connections so
// every protocol error passes through that mapping exactly once.
package classify

import "strings"

// Code is a wire or driver-local error code string, e.g.
// "Neo.ClientError.Security.TokenExpired" or "ServiceUnavailable".
type Code string

// Wire error codes consumed at the boundary (spec §6).
const (
	CodeUnauthorized               Code = "Neo.ClientError.Security.Unauthorized"
	CodeTokenExpired                Code = "Neo.ClientError.Security.TokenExpired"
	CodeAuthorizationExpired        Code = "Neo.ClientError.Security.AuthorizationExpired"
	CodeForbidden                   Code = "Neo.ClientError.Security.Forbidden"
	CodeProcedureNotFound           Code = "Neo.ClientError.Procedure.ProcedureNotFound"
	CodeDatabaseNotFound            Code = "Neo.ClientError.Database.DatabaseNotFound"
	CodeInvalidBookmark             Code = "Neo.ClientError.Transaction.InvalidBookmark"
	CodeInvalidBookmarkMixture       Code = "Neo.ClientError.Transaction.InvalidBookmarkMixture"
	CodeInvalidRequest              Code = "Neo.ClientError.Request.Invalid"
	CodeArgumentError               Code = "Neo.ClientError.Statement.ArgumentError"
	CodeTypeError                   Code = "Neo.ClientError.Statement.TypeError"
	CodeClusterNotALeader           Code = "Neo.ClientError.Cluster.NotALeader"
	CodeForbiddenOnReadOnlyDatabase Code = "Neo.ClientError.Request.ForbiddenOnReadOnlyDatabase"
)

// Driver-local codes surfaced to callers (spec §7).
const (
	CodeServiceUnavailable      Code = "ServiceUnavailable"
	CodeSessionExpired          Code = "SessionExpired"
	CodePoolAcquisitionTimeout  Code = "PoolAcquisitionTimeout"
	CodePoolClosed              Code = "PoolClosed"
	CodeUserSwitchNotSupported  Code = "UserSwitchNotSupported"
	CodeIllegalAccessMode       Code = "IllegalAccessMode"
)

// IsSecurity reports whether a code is one of the "Neo.ClientError.Security.*"
// family (spec §4.2's handleError dispatch).
func (c Code) IsSecurity() bool {
	return strings.HasPrefix(string(c), "Neo.ClientError.Security.")
}

// IsFailFast reports whether rediscovery should stop trying further
// routers on this error instead of moving to the next candidate
// (spec §4.4).
func (c Code) IsFailFast() bool {
	switch c {
	case CodeDatabaseNotFound, CodeInvalidBookmark, CodeInvalidBookmarkMixture,
		CodeInvalidRequest, CodeArgumentError, CodeTypeError:
		return true
	}
	if c.IsSecurity() && c != CodeAuthorizationExpired {
		return true
	}
	return false
}
