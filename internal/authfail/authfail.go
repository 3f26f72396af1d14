// Package authfail defines the error taxonomy shared by every component of
// the authorization subsystem, so callers can branch on a stable Kind
// instead of matching error strings.
package authfail

import "fmt"

// Kind classifies an authorization failure.
type Kind string

const (
	// IllegalArgument marks configuration rejected at construction time:
	// conflicting flags, a bad OCID, a missing required field, an invalid
	// URL or PEM, a file required by configuration that does not exist.
	IllegalArgument Kind = "ILLEGAL_ARGUMENT"

	// CredentialsError marks a credentials-provider callback that threw,
	// returned a malformed record, or a credentials file that could not
	// be read or parsed.
	CredentialsError Kind = "CREDENTIALS_ERROR"

	// IllegalState marks a peer-supplied invariant that failed: a tenant
	// id mismatch across refreshes, a token missing exp, a missing
	// subject RDN prefix, an unknown region literal from IMDS.
	IllegalState Kind = "ILLEGAL_STATE"

	// BadProtocolMessage marks a peer response that was not well-formed:
	// non-JSON body, missing token field, base64 decode failure.
	BadProtocolMessage Kind = "BAD_PROTOCOL_MESSAGE"

	// RequestTimeout marks an HTTP call that exceeded its deadline after
	// built-in retries.
	RequestTimeout Kind = "REQUEST_TIMEOUT"

	// ServiceError marks a peer response status that was unsuccessful
	// after retries. Only 500/503 are retryable.
	ServiceError Kind = "SERVICE_ERROR"

	// NetworkError marks a transport-level failure after retries.
	NetworkError Kind = "NETWORK_ERROR"

	// Unauthorized marks a 401 from an auth peer.
	Unauthorized Kind = "UNAUTHORIZED"

	// InvalidAuthorization is the hint the data peer returns on a request
	// and that authorization consumes to invalidate and retry once.
	InvalidAuthorization Kind = "INVALID_AUTHORIZATION"
)

// Error is the error type returned by every exported operation in this
// module. Operation names the request or call that produced it, for
// observability; Cause is the chained lower-level error, if any.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Operation string
}

func (e *Error) Error() string {
	if e.Operation != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Operation, e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that chains cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithOperation returns a copy of err annotated with the originating
// operation name. Safe to call on nil.
func (e *Error) WithOperation(operation string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Operation = operation
	return &cp
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var afErr *Error
	if ok := asError(err, &afErr); ok {
		return afErr.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
