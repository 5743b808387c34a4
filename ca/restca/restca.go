// Package restca implements the CA backend that fronts an external REST
// certificate authority. Enrollment submits the CSR to the CA's request
// endpoint and either returns the certificate immediately, enters a
// bounded fixed-interval poll loop, or surfaces the CA's error verbatim.
// Pending requests are correlated by their request URL, which doubles as
// the poll handle handed back to the caller.
package restca

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/internal/util"
)

var (
	errPending  = errors.New("enrollment still pending")
	errRejected = errors.New("request rejected by operator")
)

// Config holds the immutable settings for an external REST CA backend.
// APIHost, APIUser, APIPassword and CAName are mandatory.
type Config struct {
	APIHost     string
	APIUser     string
	APIPassword string

	// CAName selects the issuing CA by name from the remote CA list.
	CAName string

	// PollingTimeout bounds the enroll-time wait for a pending request,
	// in seconds. The loop runs ceil(PollingTimeout/5) attempts at
	// PollInterval spacing. Default 60.
	PollingTimeout int

	// PollInterval is the spacing between poll attempts. Default 5s.
	PollInterval time.Duration

	// CABundle is an optional PEM file with the roots used to verify the
	// CA's TLS endpoint. TLSVerify false disables verification entirely.
	CABundle  string
	TLSVerify bool
}

// Handler is the external polling backend.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
}

var _ ca.Handler = (*Handler)(nil)

// New validates the configuration and builds the HTTP client. No request
// is made until the first operation.
func New(cfg Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, f := range []struct{ name, value string }{
		{"api_host", cfg.APIHost},
		{"api_user", cfg.APIUser},
		{"api_password", cfg.APIPassword},
		{"ca_name", cfg.CAName},
	} {
		if f.value == "" {
			return nil, fmt.Errorf("%w: %s is not configured", ca.ErrConfiguration, f.name)
		}
	}
	if cfg.PollingTimeout <= 0 {
		cfg.PollingTimeout = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.TLSVerify {
		tlsConfig.InsecureSkipVerify = true
	} else if cfg.CABundle != "" {
		pemData, err := os.ReadFile(cfg.CABundle)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA bundle %s: %v", ca.ErrConfiguration, cfg.CABundle, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("%w: CA bundle %s contains no certificates", ca.ErrConfiguration, cfg.CABundle)
		}
		tlsConfig.RootCAs = pool
	}

	return &Handler{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type caRecord struct {
	Name         string            `json:"name"`
	Href         string            `json:"href"`
	Certificates map[string]string `json:"certificates"`
	Status       int               `json:"status"`
	Message      string            `json:"message"`
}

type caList struct {
	CAs     []caRecord `json:"cas"`
	Status  int        `json:"status"`
	Message string     `json:"message"`
}

type requestRecord struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	Href              string `json:"href"`
	CertificateBase64 string `json:"certificateBase64"`
	Certificate       string `json:"certificate"` // URL of the issued cert record
}

type certRecord struct {
	CertificateBase64 string            `json:"certificateBase64"`
	Issuer            string            `json:"issuer"`
	IssuerCA          string            `json:"issuerCa"`
	Certificates      []json.RawMessage `json:"certificates"`
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

func (h *Handler) getJSON(ctx context.Context, rawURL string, params url.Values, out any) error {
	u := rawURL
	if len(params) > 0 {
		u = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(h.cfg.APIUser, h.cfg.APIPassword)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ca.ErrCAIntegration, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ca.ErrCAIntegration, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", ca.ErrCAIntegration, rawURL, err)
	}
	return nil
}

func (h *Handler) postJSON(ctx context.Context, rawURL string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(h.cfg.APIUser, h.cfg.APIPassword)
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ca.ErrCAIntegration, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ca.ErrCAIntegration, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", ca.ErrCAIntegration, rawURL, err)
	}
	return nil
}

// caProperties resolves the configured CA name to its REST record.
func (h *Handler) caProperties(ctx context.Context) (*caRecord, error) {
	var list caList
	params := url.Values{"q": []string{"name:" + h.cfg.CAName}}
	if err := h.getJSON(ctx, h.cfg.APIHost+"/v1/cas", params, &list); err != nil {
		return nil, err
	}
	if list.Message != "" {
		return nil, fmt.Errorf("%w: %s", ca.ErrCAIntegration, list.Message)
	}
	for _, rec := range list.CAs {
		if rec.Name == h.cfg.CAName {
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: CA %q could not be found", ca.ErrCAIntegration, h.cfg.CAName)
}

// ---------------------------------------------------------------------------
// Handler operations
// ---------------------------------------------------------------------------

// CACerts resolves the configured CA's active certificate record and
// reconstructs its chain, issuing certificate first.
func (h *Handler) CACerts(ctx context.Context) ([]byte, error) {
	rec, err := h.caProperties(ctx)
	if err != nil {
		return nil, err
	}
	activeURL, ok := rec.Certificates["active"]
	if !ok {
		return nil, fmt.Errorf("%w: CA %q has no active certificate", ca.ErrCAIntegration, h.cfg.CAName)
	}
	var cert certRecord
	if err := h.getJSON(ctx, activeURL, nil, &cert); err != nil {
		return nil, err
	}
	chain, err := h.chainFromRecord(ctx, &cert)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: CA %q returned an empty chain", ca.ErrCAIntegration, h.cfg.CAName)
	}
	return chain, nil
}

// Enroll submits the CSR to the CA's request endpoint. Three outcomes:
// the certificate directly, a pending request that is polled for up to
// PollingTimeout seconds, or the CA's error status surfaced verbatim.
func (h *Handler) Enroll(ctx context.Context, csrData []byte) (*ca.EnrollResult, error) {
	csr, err := ca.ParseCSR(csrData)
	if err != nil {
		return nil, err
	}

	caRec, err := h.caProperties(ctx)
	if err != nil {
		return nil, err
	}

	var req requestRecord
	payload := map[string]string{
		"ca":     caRec.Href,
		"pkcs10": util.B64Encode(csr.Raw),
	}
	if err := h.postJSON(ctx, h.cfg.APIHost+"/v1/requests", payload, &req); err != nil {
		return nil, err
	}

	switch {
	case req.Message != "":
		return nil, fmt.Errorf("%w: %s", ca.ErrCAIntegration, req.Message)
	case req.CertificateBase64 != "":
		return &ca.EnrollResult{CertPEM: []byte(util.CertPEMFromBase64(req.CertificateBase64))}, nil
	case req.Href != "":
		return h.loopPoll(ctx, req.Href)
	default:
		return nil, fmt.Errorf("%w: no certificate information found", ca.ErrCAIntegration)
	}
}

// loopPoll waits for a pending request to resolve, polling its URL at
// fixed intervals until the wall-clock budget is spent. Exhausting the
// budget while the request is still pending is not an error: the handle
// is returned for the caller to retry later.
func (h *Handler) loopPoll(ctx context.Context, requestURL string) (*ca.EnrollResult, error) {
	attempts := uint(math.Ceil(float64(h.cfg.PollingTimeout) / 5))
	if attempts == 0 {
		attempts = 1
	}

	operation := func() (*ca.PollResult, error) {
		st, err := h.requestStatus(ctx, requestURL)
		if err != nil {
			return nil, err
		}
		switch st.Status {
		case "accepted":
			if st.Certificate == "" {
				return nil, fmt.Errorf("%w: request accepted but no certificate returned", ca.ErrCAIntegration)
			}
			chain, raw, err := h.certificateBundle(ctx, st.Certificate)
			if err != nil {
				return nil, err
			}
			return &ca.PollResult{ChainPEM: chain, RawCert: raw}, nil
		case "rejected":
			return nil, backoff.Permanent(errRejected)
		default:
			// Not yet decided; keep waiting.
			return nil, errPending
		}
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(h.cfg.PollInterval)),
		backoff.WithMaxTries(attempts),
	)
	switch {
	case err == nil:
		return &ca.EnrollResult{CertPEM: result.ChainPEM}, nil
	case errors.Is(err, errRejected):
		return nil, fmt.Errorf("%w: request rejected by operator", ca.ErrCAIntegration)
	case errors.Is(err, errPending):
		h.logger.Info("enrollment still pending after poll budget", "handle", requestURL)
		return &ca.EnrollResult{PollHandle: requestURL}, nil
	default:
		// Ambiguous outcome: surface the error but preserve the handle.
		return &ca.EnrollResult{PollHandle: requestURL}, err
	}
}

func (h *Handler) requestStatus(ctx context.Context, requestURL string) (*requestRecord, error) {
	var rec requestRecord
	if err := h.getJSON(ctx, requestURL, nil, &rec); err != nil {
		return nil, err
	}
	if rec.Status == "" {
		return nil, fmt.Errorf("%w: status field not found in response", ca.ErrCAIntegration)
	}
	return &rec, nil
}

// certificateBundle fetches an issued certificate record and reconstructs
// its chain. Returns the leaf-first PEM chain and the leaf's base64 DER.
func (h *Handler) certificateBundle(ctx context.Context, certURL string) ([]byte, string, error) {
	var rec certRecord
	if err := h.getJSON(ctx, certURL, nil, &rec); err != nil {
		return nil, "", err
	}
	if rec.CertificateBase64 == "" {
		return nil, "", fmt.Errorf("%w: certificateBase64 is missing in cert request response", ca.ErrCAIntegration)
	}
	chain, err := h.chainFromRecord(ctx, &rec)
	if err != nil {
		return nil, "", err
	}
	return chain, rec.CertificateBase64, nil
}

// Poll checks a pending enrollment by its handle. Terminal outcomes clear
// the handle; transient and ambiguous outcomes preserve it so the caller
// can retry.
func (h *Handler) Poll(ctx context.Context, name, handle string, _ []byte) (*ca.PollResult, error) {
	if handle == "" {
		h.logger.Debug("skipping poll, no handle", "name", name)
		return &ca.PollResult{}, nil
	}

	st, err := h.requestStatus(ctx, handle)
	if err != nil {
		return &ca.PollResult{Handle: handle}, err
	}
	switch st.Status {
	case "accepted":
		if st.Certificate == "" {
			return &ca.PollResult{Handle: handle}, fmt.Errorf("%w: no certificate structure in request response", ca.ErrCAIntegration)
		}
		chain, raw, err := h.certificateBundle(ctx, st.Certificate)
		if err != nil {
			return &ca.PollResult{Handle: handle}, err
		}
		return &ca.PollResult{ChainPEM: chain, RawCert: raw}, nil
	case "rejected":
		return &ca.PollResult{Rejected: true}, fmt.Errorf("%w: request rejected by operator", ca.ErrCAIntegration)
	default:
		return &ca.PollResult{Handle: handle}, fmt.Errorf("%w: unknown request status %q", ca.ErrCAIntegration, st.Status)
	}
}

// Revoke is not offered by the external CA's REST surface.
func (h *Handler) Revoke(_ context.Context, _ []byte, _ int) *ca.RevokeResult {
	return &ca.RevokeResult{
		Code:    500,
		Message: "urn:ietf:params:acme:error:serverInternal",
		Detail:  "revocation is not supported by the external CA integration",
	}
}

// Trigger resolves a CA-delivered certificate (base64 PEM or DER payload)
// back to its REST record by serial and returns the reconstructed chain.
func (h *Handler) Trigger(ctx context.Context, payload []byte) (*ca.TriggerResult, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: no payload given", ca.ErrCAIntegration)
	}
	decoded, err := util.B64Decode(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid base64: %v", ca.ErrCAIntegration, err)
	}
	der := util.CertDERFromAny(decoded)
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not a certificate: %v", ca.ErrCAIntegration, err)
	}

	caRec, err := h.caProperties(ctx)
	if err != nil {
		return nil, err
	}

	var list certRecord
	params := url.Values{"q": []string{fmt.Sprintf("issuer-id:%s,serial-number:%s", caRec.Href, cert.SerialNumber)}}
	if err := h.getJSON(ctx, h.cfg.APIHost+"/v1/certificates", params, &list); err != nil {
		return nil, err
	}
	if len(list.Certificates) == 0 {
		return nil, fmt.Errorf("%w: no certificates found in rest query", ca.ErrCAIntegration)
	}
	var leaf certRecord
	if err := json.Unmarshal(list.Certificates[0], &leaf); err != nil {
		return nil, fmt.Errorf("%w: decoding certificate record: %v", ca.ErrCAIntegration, err)
	}
	chain, err := h.chainFromRecord(ctx, &leaf)
	if err != nil {
		return nil, err
	}
	return &ca.TriggerResult{ChainPEM: chain, RawCert: util.B64Encode(der)}, nil
}
