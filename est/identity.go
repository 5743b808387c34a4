package est

import (
	"context"
	"crypto/x509"
	"net/http"

	"github.com/jmcleod/estgate/internal/util"
)

// Identity is the per-request client identity supplied by the transport
// layer. Username is set for password-authenticated clients,
// Certificate for TLS client-certificate authenticated ones. Both may
// be set at once.
type Identity struct {
	Username    string
	Certificate *x509.Certificate
}

// HasPassword reports a password-based identity.
func (id Identity) HasPassword() bool {
	return id.Username != ""
}

// HasCertificate reports a certificate-based identity.
func (id Identity) HasCertificate() bool {
	return id.Certificate != nil
}

// PasswordVerifier checks password credentials. Implementations decide
// where the credential store lives.
type PasswordVerifier interface {
	Verify(ctx context.Context, username, password string) bool
}

// PasswordVerifierFunc adapts a function to the PasswordVerifier
// interface.
type PasswordVerifierFunc func(ctx context.Context, username, password string) bool

func (f PasswordVerifierFunc) Verify(ctx context.Context, username, password string) bool {
	return f(ctx, username, password)
}

type contextKey string

const identityKey contextKey = "est-identity"

// WithIdentity returns a context carrying the client identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the client identity from the context.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// identityMiddleware derives the request identity from the transport:
// a verified TLS client certificate, HTTP basic auth checked against
// the password verifier, or both.
func (d *Driver) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id Identity

		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			id.Certificate = r.TLS.PeerCertificates[0]
		}
		if username, password, ok := r.BasicAuth(); ok {
			if d.verifier != nil && d.verifier.Verify(r.Context(), username, password) {
				id.Username = util.Normalize(username)
			} else {
				d.logger.Warn("password verification failed", "username", username)
			}
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// requireAny admits password or certificate identities.
func (d *Driver) requireAny(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if !id.HasPassword() && !id.HasCertificate() {
			unauthorized(w)
			return
		}
		next(w, r)
	}
}

// requirePassword admits password identities only; a client certificate
// is not an accepted substitute here.
func (d *Driver) requirePassword(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if !id.HasPassword() {
			unauthorized(w)
			return
		}
		next(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="estgate"`)
	http.Error(w, "The server was unable to authorize the request.", http.StatusUnauthorized)
}
