package est

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/internal/util"
)

// fakeCA is a scriptable backend.
type fakeCA struct {
	chain     []byte
	enrollRes *ca.EnrollResult
	enrollErr error
	lastCSR   []byte
}

func (f *fakeCA) CACerts(context.Context) ([]byte, error) { return f.chain, nil }

func (f *fakeCA) Enroll(_ context.Context, csr []byte) (*ca.EnrollResult, error) {
	f.lastCSR = csr
	return f.enrollRes, f.enrollErr
}

func (f *fakeCA) Poll(_ context.Context, _, handle string, _ []byte) (*ca.PollResult, error) {
	return &ca.PollResult{Handle: handle}, ca.ErrNotImplemented
}

func (f *fakeCA) Revoke(context.Context, []byte, int) *ca.RevokeResult {
	return &ca.RevokeResult{Code: 200}
}

func (f *fakeCA) Trigger(context.Context, []byte) (*ca.TriggerResult, error) {
	return nil, ca.ErrNotImplemented
}

func testVerifier() PasswordVerifier {
	return PasswordVerifierFunc(func(_ context.Context, username, password string) bool {
		return username == "estuser" && password == "estpass"
	})
}

func newDriver(t *testing.T, backend *fakeCA, opts ...Option) *Driver {
	t.Helper()
	opts = append(opts, WithLogger(slog.New(slog.DiscardHandler)))
	return New(backend, testVerifier(), opts...)
}

func doRequest(d *Driver, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.Router().ServeHTTP(rec, req)
	return rec
}

func parsePKCS7Response(t *testing.T, rec *httptest.ResponseRecorder) *pkcs7.PKCS7 {
	t.Helper()
	assert.Equal(t, "base64", rec.Header().Get("Content-Transfer-Encoding"))
	der, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(rec.Body.String(), "\n", ""))
	require.NoError(t, err)
	parsed, err := pkcs7.Parse(der)
	require.NoError(t, err)
	return parsed
}

func TestCACertsUnauthenticated(t *testing.T) {
	backend := &fakeCA{chain: util.CertPEMFromDER(selfSignedDER(t, "Test CA"))}
	d := newDriver(t, backend)

	rec := doRequest(d, httptest.NewRequest(http.MethodGet, "/.well-known/est/cacerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/pkcs7-mime")

	parsed := parsePKCS7Response(t, rec)
	require.Len(t, parsed.Certificates, 1)
	assert.Equal(t, "Test CA", parsed.Certificates[0].Subject.CommonName)
}

func TestCSRAttrsEmpty(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	rec := doRequest(d, httptest.NewRequest(http.MethodGet, "/.well-known/est/csrattrs", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEnrollRequiresIdentity(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("csr")))
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollWithPasswordIdentity(t *testing.T) {
	leafPEM := util.CertPEMFromDER(selfSignedDER(t, "device.example.com"))
	backend := &fakeCA{enrollRes: &ca.EnrollResult{CertPEM: leafPEM}}
	d := newDriver(t, backend)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("raw-csr-bytes")))
	req.SetBasicAuth("estuser", "estpass")
	rec := doRequest(d, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "smime-type=certs-only")
	parsed := parsePKCS7Response(t, rec)
	require.Len(t, parsed.Certificates, 1)
	assert.Equal(t, "device.example.com", parsed.Certificates[0].Subject.CommonName)
	assert.Equal(t, []byte("raw-csr-bytes"), backend.lastCSR)
}

func TestEnrollWrongPasswordRejected(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("csr")))
	req.SetBasicAuth("estuser", "wrong")
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnrollWithCertificateIdentity(t *testing.T) {
	leafPEM := util.CertPEMFromDER(selfSignedDER(t, "device.example.com"))
	backend := &fakeCA{enrollRes: &ca.EnrollResult{CertPEM: leafPEM}}
	d := newDriver(t, backend)

	clientCert, err := x509.ParseCertificate(selfSignedDER(t, "client"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simplereenroll", bytes.NewReader([]byte("csr")))
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{clientCert}}
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnrollBase64Body(t *testing.T) {
	leafPEM := util.CertPEMFromDER(selfSignedDER(t, "device.example.com"))
	backend := &fakeCA{enrollRes: &ca.EnrollResult{CertPEM: leafPEM}}
	d := newDriver(t, backend)

	raw := []byte{0x30, 0x82, 0x00, 0x10}
	body := base64.StdEncoding.EncodeToString(raw)
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", strings.NewReader(body))
	req.Header.Set("Content-Transfer-Encoding", "base64")
	req.SetBasicAuth("estuser", "estpass")

	rec := doRequest(d, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, raw, backend.lastCSR)
}

func TestEnrollEmptyBody(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", nil)
	req.SetBasicAuth("estuser", "estpass")
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollPolicyRejection(t *testing.T) {
	d := newDriver(t, &fakeCA{enrollErr: ca.ErrPolicy})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("csr")))
	req.SetBasicAuth("estuser", "estpass")
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEnrollPendingReturnsAccepted(t *testing.T) {
	d := newDriver(t, &fakeCA{enrollRes: &ca.EnrollResult{PollHandle: "https://ca.example.com/v1/requests/7"}})
	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("csr")))
	req.SetBasicAuth("estuser", "estpass")
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestEnrollRawDERMode(t *testing.T) {
	leafPEM := util.CertPEMFromDER(selfSignedDER(t, "device.example.com"))
	backend := &fakeCA{enrollRes: &ca.EnrollResult{CertPEM: leafPEM}}
	d := newDriver(t, backend, WithRawDER())

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/simpleenroll", bytes.NewReader([]byte("csr")))
	req.SetBasicAuth("estuser", "estpass")
	rec := doRequest(d, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Transfer-Encoding"))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	_, err = pkcs7.Parse(body)
	assert.NoError(t, err)
}

func TestBootstrapPageServed(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	rec := doRequest(d, httptest.NewRequest(http.MethodGet, "/.well-known/est/bootstrap", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EST Bootstrap Login")
}

func bootstrapForm(username, password string) *strings.Reader {
	form := url.Values{"username": {username}, "password": {password}}
	return strings.NewReader(form.Encode())
}

func TestBootstrapCertificateIsNotASubstitute(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	clientCert, err := x509.ParseCertificate(selfSignedDER(t, "client"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/est/bootstrap", bootstrapForm("estuser", "estpass"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{clientCert}}
	rec := doRequest(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBootstrapLoginSuccess(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	req := httptest.NewRequest(http.MethodPost, "/bootstrap/login", bootstrapForm("estuser", "estpass"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("estuser", "estpass")

	rec := doRequest(d, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bootstrap Authentication Successful")
	assert.Contains(t, rec.Body.String(), "estuser")
}

func TestBootstrapEnrollPendingReturnsAccepted(t *testing.T) {
	d := newDriver(t, &fakeCA{enrollRes: &ca.EnrollResult{PollHandle: "https://ca.example.com/v1/requests/7"}})
	form := url.Values{
		"username": {"estuser"},
		"password": {"estpass"},
		"csr":      {base64.StdEncoding.EncodeToString([]byte("csr"))},
	}
	req := httptest.NewRequest(http.MethodPost, "/bootstrap/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("estuser", "estpass")

	rec := doRequest(d, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestBootstrapUsernameMismatch(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	// Transport identity is estuser, the form claims someone else.
	req := httptest.NewRequest(http.MethodPost, "/bootstrap/login", bootstrapForm("other", "estpass"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("estuser", "estpass")

	rec := doRequest(d, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	d := newDriver(t, &fakeCA{})
	rec := doRequest(d, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
