// Package ca defines the pluggable Certificate Authority backend contract.
// A backend turns a PKCS#10 CSR into a signed certificate, distributes its
// CA chain, resolves pending enrollments via polling, and revokes issued
// certificates. Three implementations exist: localca (file-based issuing
// key with CSR policy enforcement), restca (external REST CA with
// asynchronous polling) and boltca (embedded bbolt certificate database
// with binary issuance templates).
package ca

import (
	"context"
	"errors"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrConfiguration is returned when a mandatory backend setting is
	// missing or unreadable. It is raised before any key material is
	// touched and is never retried.
	ErrConfiguration = errors.New("backend configuration error")

	// ErrPolicy is returned when a CSR is rejected by the subject/SAN
	// whitelist or blacklist, distinct from a signing failure.
	ErrPolicy = errors.New("csr rejected by policy")

	// ErrCAIntegration is returned when an external CA reports an error
	// or produces a response that cannot be parsed.
	ErrCAIntegration = errors.New("external CA integration error")

	// ErrAlreadyRevoked is returned when revoking a certificate whose
	// serial is already present in the revocation data.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrTemplateParse is returned when a binary issuance template cannot
	// be decoded and the caller explicitly required the template.
	ErrTemplateParse = errors.New("malformed issuance template")

	// ErrNotImplemented is returned by backends for capabilities they do
	// not support (for example polling on a synchronous backend).
	ErrNotImplemented = errors.New("operation not supported by this backend")
)

// ---------------------------------------------------------------------------
// Operation results
// ---------------------------------------------------------------------------

// EnrollResult is the outcome of a certificate enrollment. Exactly one of
// CertPEM or PollHandle is set on success: an immediate certificate, or an
// opaque handle correlating a pending request with its later resolution.
type EnrollResult struct {
	CertPEM    []byte
	PollHandle string
}

// PollResult is the outcome of polling a pending enrollment.
//
// On success ChainPEM carries the leaf-first certificate chain and RawCert
// the base64 DER of the leaf. Rejected marks a terminal refusal by the CA
// operator. A non-empty Handle means the request is still pending and the
// caller should retry with it; an empty Handle on a terminal outcome means
// the handle has been cleared.
type PollResult struct {
	ChainPEM []byte
	RawCert  string
	Handle   string
	Rejected bool
}

// TriggerResult is the outcome of an out-of-band CA-initiated delivery.
type TriggerResult struct {
	ChainPEM []byte
	RawCert  string
}

// RevokeResult carries the revocation status the protocol layer reports to
// the client. Code is an HTTP-style status; Message and Detail are only set
// on failure.
type RevokeResult struct {
	Code    int
	Message string
	Detail  string
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler is the capability set every CA backend implements. Configuration
// and any backend connection are established at construction time and are
// immutable afterwards; reconfiguration requires a new Handler.
type Handler interface {
	// CACerts returns the CA certificate chain as concatenated PEM,
	// issuing certificate first. The chain is never empty on success.
	CACerts(ctx context.Context) ([]byte, error)

	// Enroll submits a CSR (raw PKCS#10 DER or PEM) for signing.
	Enroll(ctx context.Context, csr []byte) (*EnrollResult, error)

	// Poll checks a pending enrollment identified by handle. name is the
	// client-facing request name, used only for logging.
	Poll(ctx context.Context, name, handle string, csr []byte) (*PollResult, error)

	// Revoke revokes the presented PEM certificate with an RFC 5280
	// reason code. Revocation never succeeds silently when the
	// certificate cannot be verified against the configured CA.
	Revoke(ctx context.Context, certPEM []byte, reason int) *RevokeResult

	// Trigger processes a CA-initiated delivery notification whose
	// payload is a base64-encoded certificate, returning the full chain.
	Trigger(ctx context.Context, payload []byte) (*TriggerResult, error)
}
