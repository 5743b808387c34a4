// Package est implements the enrollment-over-secure-transport protocol
// driver: the fixed well-known route table, the per-endpoint
// authentication gate, request body decoding and certs-only PKCS#7
// response packaging. All certificate decisions are delegated to the
// configured ca.Handler backend.
package est

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/estgate/ca"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Driver holds the dependencies needed by the protocol handlers.
type Driver struct {
	ca       ca.Handler
	verifier PasswordVerifier
	logger   *slog.Logger

	// rawDER emits PKCS#7 responses as unwrapped DER for gateway peers;
	// the default is RFC 7030 base64 text. Selected by configuration,
	// never per request.
	rawDER bool
}

// Option configures the Driver.
type Option func(*Driver)

// WithLogger sets the structured logger.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithRawDER switches PKCS#7 responses to unwrapped DER encoding.
func WithRawDER() Option {
	return func(d *Driver) {
		d.rawDER = true
	}
}

// New creates a protocol driver over the given CA backend. The verifier
// may be nil, which disables password identities entirely.
func New(handler ca.Handler, verifier PasswordVerifier, opts ...Option) *Driver {
	d := &Driver{ca: handler, verifier: verifier}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return d
}

// Router returns a chi.Router with the protocol routes mounted.
func (d *Driver) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(d.identityMiddleware)

	r.Get("/healthz", d.health)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Route("/.well-known/est", func(r chi.Router) {
		r.Get("/cacerts", d.caCerts)
		r.Get("/csrattrs", d.csrAttrs)
		r.Get("/bootstrap", d.bootstrapPage)
		r.Post("/bootstrap", d.requirePassword(d.bootstrapLogin))
		r.Post("/simpleenroll", d.requireAny(d.enroll))
		r.Post("/simplereenroll", d.requireAny(d.enroll))
	})

	// Convenience aliases used by browser-driven bootstrap flows.
	r.Get("/bootstrap", d.bootstrapPage)
	r.Post("/bootstrap/login", d.requirePassword(d.bootstrapLogin))

	return r
}
