package classify

import "fmt"

// DriverError is the terminal error type surfaced to callers (spec §7
// "Every terminal error includes: code, message, and cause").
type DriverError struct {
	Code      Code
	Message   string
	Cause     error
	Retriable bool
	// RoutingTable is a rendering of the last-known routing table,
	// populated only for routing-refresh terminal errors (spec §7).
	RoutingTable string
}

func (e *DriverError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes Cause to errors.Is/errors.As.
func (e *DriverError) Unwrap() error { return e.Cause }

// New builds a DriverError with no cause.
func New(code Code, message string) *DriverError {
	return &DriverError{Code: code, Message: message}
}

// Wrap builds a DriverError carrying cause as its Unwrap target.
func Wrap(code Code, message string, cause error) *DriverError {
	return &DriverError{Code: code, Message: message, Cause: cause}
}

// WithRoutingTable returns a copy of e annotated with a routing-table
// rendering (spec §4.4 "Failure surface", §7).
func (e *DriverError) WithRoutingTable(rendering string) *DriverError {
	out := *e
	out.RoutingTable = rendering
	return &out
}

// WithRetriable returns a copy of e with Retriable set.
func (e *DriverError) WithRetriable(retriable bool) *DriverError {
	out := *e
	out.Retriable = retriable
	return &out
}
