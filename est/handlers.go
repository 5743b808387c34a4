package est

import (
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/internal/util"
)

const (
	mimePKCS7          = "application/pkcs7-mime"
	mimePKCS7CertsOnly = "application/pkcs7-mime; smime-type=certs-only"
)

// caCerts distributes the CA chain. No authentication, per protocol.
func (d *Driver) caCerts(w http.ResponseWriter, r *http.Request) {
	chain, err := d.ca.CACerts(r.Context())
	if err != nil {
		d.writeCAError(w, "cacerts", err)
		return
	}
	der, err := certsOnlyPKCS7(chain)
	if err != nil {
		d.writeCAError(w, "cacerts", err)
		return
	}
	d.writePKCS7(w, mimePKCS7, der)
}

// csrAttrs advertises no mandatory CSR attributes.
func (d *Driver) csrAttrs(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// enroll handles simpleenroll and simplereenroll: decode the CSR,
// delegate to the backend, package the result.
func (d *Driver) enroll(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "no CSR submitted", http.StatusBadRequest)
		return
	}
	csr, err := decodeBody(body, r.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := d.ca.Enroll(r.Context(), csr)
	if err != nil {
		d.writeCAError(w, "enroll", err)
		return
	}
	if len(res.CertPEM) == 0 {
		if res.PollHandle != "" {
			d.logger.Info("enrollment pending", "handle", res.PollHandle)
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		d.logger.Error("backend returned neither certificate nor handle")
		http.Error(w, "enrollment failed", http.StatusInternalServerError)
		return
	}

	der, err := certsOnlyPKCS7(res.CertPEM)
	if err != nil {
		d.writeCAError(w, "enroll", err)
		return
	}
	d.writePKCS7(w, mimePKCS7CertsOnly, der)
}

func (d *Driver) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// writePKCS7 emits the structure in the statically configured encoding:
// base64 text with a transfer-encoding header, or raw DER.
func (d *Driver) writePKCS7(w http.ResponseWriter, contentType string, der []byte) {
	w.Header().Set("Content-Type", contentType)
	if d.rawDER {
		w.Write(der)
		return
	}
	w.Header().Set("Content-Transfer-Encoding", "base64")
	w.Write([]byte(util.WrapBase64(util.B64Encode(der)) + "\n"))
}

// writeCAError maps backend failures onto protocol status codes. The
// client sees a generic message; detail goes to the log.
func (d *Driver) writeCAError(w http.ResponseWriter, op string, err error) {
	d.logger.Error("backend operation failed", "op", op, "err", err)
	switch {
	case errors.Is(err, ca.ErrPolicy):
		http.Error(w, "request rejected by policy", http.StatusForbidden)
	case errors.Is(err, ca.ErrCAIntegration):
		http.Error(w, "upstream CA error", http.StatusBadGateway)
	case errors.Is(err, ca.ErrNotImplemented):
		http.Error(w, "operation not supported by this backend", http.StatusNotImplemented)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
