package restca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/ca/restca"
	"github.com/jmcleod/estgate/internal/util"
)

func testCertB64(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(4711),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func testCSRPEM(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return util.CSRPEMFromDER(der)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// newServer builds a fake REST CA exposing the CA list plus any extra
// routes the test registers on mux.
func newServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/v1/cas", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"cas": []map[string]any{{
				"name": "test-ca",
				"href": srv.URL + "/v1/cas/42",
				"certificates": map[string]string{
					"active": srv.URL + "/v1/cas/42/active",
				},
			}},
		})
	})
	return srv
}

func newHandler(t *testing.T, srv *httptest.Server) *restca.Handler {
	t.Helper()
	h, err := restca.New(restca.Config{
		APIHost:        srv.URL,
		APIUser:        "est-user",
		APIPassword:    "est-pass",
		CAName:         "test-ca",
		PollingTimeout: 10, // 2 attempts
		PollInterval:   time.Millisecond,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return h
}

func countCerts(chain []byte) int {
	return strings.Count(string(chain), "BEGIN CERTIFICATE")
}

func TestNewMissingConfig(t *testing.T) {
	_, err := restca.New(restca.Config{
		APIUser:     "u",
		APIPassword: "p",
		CAName:      "ca",
	}, nil)
	assert.ErrorIs(t, err, ca.ErrConfiguration)
}

func TestCACerts(t *testing.T) {
	rootB64 := testCertB64(t, "Test Root CA")
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cas/42/active", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "est-user", user)
		assert.Equal(t, "est-pass", pass)
		writeJSON(t, w, map[string]any{"certificateBase64": rootB64})
	})
	srv := newServer(t, mux)
	h := newHandler(t, srv)

	chain, err := h.CACerts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, countCerts(chain))
}

func TestCACertsUnknownName(t *testing.T) {
	srv := newServer(t, http.NewServeMux())
	h, err := restca.New(restca.Config{
		APIHost:     srv.URL,
		APIUser:     "u",
		APIPassword: "p",
		CAName:      "no-such-ca",
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = h.CACerts(t.Context())
	require.ErrorIs(t, err, ca.ErrCAIntegration)
	assert.Contains(t, err.Error(), "could not be found")
}

func TestEnrollImmediate(t *testing.T) {
	leafB64 := testCertB64(t, "device.example.com")
	mux := http.NewServeMux()
	var got map[string]string
	srv := newServer(t, mux)
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, map[string]any{"certificateBase64": leafB64})
	})
	h := newHandler(t, srv)

	res, err := h.Enroll(t.Context(), testCSRPEM(t, "device.example.com"))
	require.NoError(t, err)
	assert.Empty(t, res.PollHandle)
	assert.Equal(t, 1, countCerts(res.CertPEM))

	// The CSR travels as base64 DER bound to the resolved CA href.
	assert.Equal(t, srv.URL+"/v1/cas/42", got["ca"])
	_, err = base64.StdEncoding.DecodeString(got["pkcs10"])
	assert.NoError(t, err)
}

func TestEnrollErrorSurfacedVerbatim(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"status": 400, "message": "request malformed"})
	})
	srv := newServer(t, mux)
	h := newHandler(t, srv)

	_, err := h.Enroll(t.Context(), testCSRPEM(t, "device.example.com"))
	require.ErrorIs(t, err, ca.ErrCAIntegration)
	assert.Contains(t, err.Error(), "request malformed")
}

func TestEnrollPendingThenAccepted(t *testing.T) {
	leafB64 := testCertB64(t, "device.example.com")
	rootB64 := testCertB64(t, "Test Root CA")

	var polls atomic.Int32
	mux := http.NewServeMux()
	srv := newServer(t, mux)
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"href": srv.URL + "/v1/requests/7"})
	})
	mux.HandleFunc("/v1/requests/7", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			writeJSON(t, w, map[string]any{"status": "new"})
			return
		}
		writeJSON(t, w, map[string]any{"status": "accepted", "certificate": srv.URL + "/v1/certificates/7"})
	})
	mux.HandleFunc("/v1/certificates/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificateBase64": leafB64, "issuer": srv.URL + "/v1/cas/42/detail"})
	})
	mux.HandleFunc("/v1/cas/42/detail", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificates": map[string]string{"active": srv.URL + "/v1/cas/42/active"}})
	})
	mux.HandleFunc("/v1/cas/42/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificateBase64": rootB64})
	})
	h := newHandler(t, srv)

	res, err := h.Enroll(t.Context(), testCSRPEM(t, "device.example.com"))
	require.NoError(t, err)
	assert.Empty(t, res.PollHandle)
	assert.Equal(t, 2, countCerts(res.CertPEM))

	// Leaf first, then the issuing CA.
	leaf, err := ca.ParseCertificatePEM(res.CertPEM)
	require.NoError(t, err)
	assert.Equal(t, "device.example.com", leaf.Subject.CommonName)
}

func TestEnrollRejectedIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	srv := newServer(t, mux)
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"href": srv.URL + "/v1/requests/8"})
	})
	mux.HandleFunc("/v1/requests/8", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"status": "rejected"})
	})
	h := newHandler(t, srv)

	res, err := h.Enroll(t.Context(), testCSRPEM(t, "device.example.com"))
	require.ErrorIs(t, err, ca.ErrCAIntegration)
	assert.Contains(t, err.Error(), "rejected")
	assert.Nil(t, res)
}

func TestEnrollBudgetExhaustedReturnsHandle(t *testing.T) {
	mux := http.NewServeMux()
	srv := newServer(t, mux)
	mux.HandleFunc("/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"href": srv.URL + "/v1/requests/9"})
	})
	var polls atomic.Int32
	mux.HandleFunc("/v1/requests/9", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		writeJSON(t, w, map[string]any{"status": "new"})
	})
	h := newHandler(t, srv)

	res, err := h.Enroll(t.Context(), testCSRPEM(t, "device.example.com"))
	require.NoError(t, err)
	assert.Nil(t, res.CertPEM)
	assert.Equal(t, srv.URL+"/v1/requests/9", res.PollHandle)
	// ceil(10/5) attempts.
	assert.Equal(t, int32(2), polls.Load())
}

func TestPollOutcomes(t *testing.T) {
	leafB64 := testCertB64(t, "device.example.com")

	mux := http.NewServeMux()
	srv := newServer(t, mux)
	routes := map[string]map[string]any{
		"/r/accepted":      {"status": "accepted", "certificate": srv.URL + "/c/leaf"},
		"/r/accepted-bare": {"status": "accepted"},
		"/r/rejected":      {"status": "rejected"},
		"/r/unknown":       {"status": "suspended"},
		"/r/no-status":     {"message": "whatever"},
	}
	for path, body := range routes {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, body)
		})
	}
	mux.HandleFunc("/c/leaf", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificateBase64": leafB64})
	})
	h := newHandler(t, srv)

	t.Run("accepted with certificate clears the handle", func(t *testing.T) {
		res, err := h.Poll(t.Context(), "device", srv.URL+"/r/accepted", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Handle)
		assert.Equal(t, 1, countCerts(res.ChainPEM))
		assert.Equal(t, leafB64, res.RawCert)
	})

	t.Run("accepted without certificate keeps the handle", func(t *testing.T) {
		handle := srv.URL + "/r/accepted-bare"
		res, err := h.Poll(t.Context(), "device", handle, nil)
		require.Error(t, err)
		assert.Equal(t, handle, res.Handle)
		assert.False(t, res.Rejected)
	})

	t.Run("rejected is terminal", func(t *testing.T) {
		res, err := h.Poll(t.Context(), "device", srv.URL+"/r/rejected", nil)
		require.Error(t, err)
		assert.True(t, res.Rejected)
		assert.Empty(t, res.Handle)
	})

	t.Run("unknown status keeps the handle", func(t *testing.T) {
		handle := srv.URL + "/r/unknown"
		res, err := h.Poll(t.Context(), "device", handle, nil)
		require.ErrorIs(t, err, ca.ErrCAIntegration)
		assert.Contains(t, err.Error(), "unknown request status")
		assert.Equal(t, handle, res.Handle)
	})

	t.Run("missing status field keeps the handle", func(t *testing.T) {
		handle := srv.URL + "/r/no-status"
		res, err := h.Poll(t.Context(), "device", handle, nil)
		require.ErrorIs(t, err, ca.ErrCAIntegration)
		assert.Equal(t, handle, res.Handle)
	})

	t.Run("empty handle is a no-op", func(t *testing.T) {
		res, err := h.Poll(t.Context(), "device", "", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Handle)
		assert.Nil(t, res.ChainPEM)
	})
}

func TestPollChainStopsAtIssuerWithoutCertificate(t *testing.T) {
	leafB64 := testCertB64(t, "device.example.com")

	mux := http.NewServeMux()
	srv := newServer(t, mux)
	mux.HandleFunc("/r/accepted", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"status": "accepted", "certificate": srv.URL + "/c/leaf"})
	})
	mux.HandleFunc("/c/leaf", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificateBase64": leafB64, "issuer": srv.URL + "/cas/parent"})
	})
	mux.HandleFunc("/cas/parent", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"certificates": map[string]string{"active": srv.URL + "/cas/parent/active"}})
	})
	// The parent's active record carries no certificate bytes; the walk
	// ends there and the certificates collected so far are returned.
	mux.HandleFunc("/cas/parent/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{})
	})
	h := newHandler(t, srv)

	res, err := h.Poll(t.Context(), "device", srv.URL+"/r/accepted", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Handle)
	assert.Equal(t, 1, countCerts(res.ChainPEM))
	assert.Equal(t, leafB64, res.RawCert)
}

func TestCACertsLeafWithoutCertificateFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cas/42/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{})
	})
	srv := newServer(t, mux)
	h := newHandler(t, srv)

	_, err := h.CACerts(t.Context())
	require.ErrorIs(t, err, ca.ErrCAIntegration)
	assert.Contains(t, err.Error(), "certificateBase64")
}

func TestRevokeNotSupported(t *testing.T) {
	srv := newServer(t, http.NewServeMux())
	h := newHandler(t, srv)

	res := h.Revoke(t.Context(), []byte("irrelevant"), 0)
	assert.Equal(t, 500, res.Code)
	assert.Equal(t, "urn:ietf:params:acme:error:serverInternal", res.Message)
}

func TestTrigger(t *testing.T) {
	leafB64 := testCertB64(t, "device.example.com")
	der, err := base64.StdEncoding.DecodeString(leafB64)
	require.NoError(t, err)
	payload := []byte(base64.StdEncoding.EncodeToString([]byte(util.CertPEMFromDER(der))))

	mux := http.NewServeMux()
	srv := newServer(t, mux)
	mux.HandleFunc("/v1/certificates", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, "issuer-id:"+srv.URL+"/v1/cas/42")
		assert.Contains(t, q, "serial-number:4711")
		writeJSON(t, w, map[string]any{
			"certificates": []map[string]any{{"certificateBase64": leafB64}},
		})
	})
	h := newHandler(t, srv)

	res, err := h.Trigger(t.Context(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, countCerts(res.ChainPEM))
	assert.Equal(t, leafB64, res.RawCert)
}

func TestTriggerBadPayload(t *testing.T) {
	srv := newServer(t, http.NewServeMux())
	h := newHandler(t, srv)

	_, err := h.Trigger(t.Context(), nil)
	require.ErrorIs(t, err, ca.ErrCAIntegration)

	_, err = h.Trigger(t.Context(), []byte("!!not-base64!!"))
	assert.ErrorIs(t, err, ca.ErrCAIntegration)
}
