// Package authorizer defines the single contract the data-plane driver
// depends on: turn a Request into the HTTP headers it must carry,
// regardless of whether the underlying chain signs with an OCI IAM
// Signature header (cloudauth) or hands out an on-prem bearer token
// (kvstoreauth). Everything else in this module is plumbing behind this
// interface.
package authorizer

import "context"

// Operation classifies the outgoing data-plane call so the cloud chain
// knows whether it must include x-content-sha256. Table DDL, tag/limits
// changes, and replica changes are signed over their body digest; plain
// data requests are not. On-prem authorization ignores this field
// entirely.
type Operation int

const (
	// OperationData covers ordinary read/write data requests, which never
	// require a body digest.
	OperationData Operation = iota
	// OperationTableDDL covers table create/drop/alter (DDL) calls.
	OperationTableDDL
	// OperationTagOrLimitsChange covers tagging and table-limits updates.
	OperationTagOrLimitsChange
	// OperationReplicaChange covers add/drop-replica calls.
	OperationReplicaChange
)

// RequiresContentSHA256 reports whether op's signing content must
// include the content-length/content-type/x-content-sha256 triple.
func (op Operation) RequiresContentSHA256() bool {
	switch op {
	case OperationTableDDL, OperationTagOrLimitsChange, OperationReplicaChange:
		return true
	default:
		return false
	}
}

// Error codes a data-plane retry handler may report back via
// Request.LastError.
const (
	// CodeInvalidAuthorization is returned by the cloud data peer and
	// tells the signature cache to invalidate and re-sign.
	CodeInvalidAuthorization = "INVALID_AUTHORIZATION"
	// CodeRetryAuthentication is returned by the on-prem store and tells
	// the kvstore authorizer to re-login.
	CodeRetryAuthentication = "RETRY_AUTHENTICATION"
)

// LastError is the hint a data-plane retry handler attaches to a retried
// Request so authorization knows why the previous attempt failed.
// SeenOnce must be set by the caller once a given Code has already
// triggered one forced re-authorization for this logical request; a
// recurring failure is then served from cache instead of forcing another
// round trip, so a persistently broken credential cannot loop.
type LastError struct {
	Code     string
	SeenOnce bool
}

// Request is the only surface authorization consumes from the data
// plane: a per-call compartment override, the operation kind (to decide
// content signing), the serialized body when content signing applies,
// and the last-error hint.
type Request struct {
	Operation   Operation
	Body        []byte
	ContentType string
	Compartment string
	LastError   *LastError
}

// Authorizer is the single entry point a NoSQL driver client holds,
// regardless of which of the two service families (cloud IAM or on-prem
// kvstore) it was built against.
type Authorizer interface {
	// GetAuthorization turns req into the exact headers the outgoing
	// request must carry. The returned map may be reused freely by the
	// caller but must not be mutated after return.
	GetAuthorization(ctx context.Context, req Request) (map[string]string, error)

	// PrecacheAuth prefetches a profile and signature so the first data
	// request does no synchronous work.
	PrecacheAuth(ctx context.Context) error

	// Close cancels pending refresh timers, logs out of on-prem stores,
	// and releases HTTP resources. Idempotent. Close zeroes no secrets:
	// the cloud providers zero key material once it has been parsed, and
	// the on-prem authorizer keeps its configured password for re-login.
	Close() error
}
