// Package localca implements the CA backend that signs enrollment requests
// with an issuing key and certificate held on the local filesystem. CSRs
// are screened against configurable subject/SAN whitelist and blacklist
// patterns before signing, and revocation is tracked through a CRL file
// that the backend regenerates on every successful revoke.
package localca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/internal/util"
)

var (
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
)

// Config holds the immutable settings for a local signing backend.
// KeyFile, CertFile and CRLFile are mandatory; everything else falls back
// to a documented default.
type Config struct {
	KeyFile    string
	CertFile   string
	CRLFile    string
	Passphrase string // optional key passphrase, sealed at construction

	// ChainFiles are additional PEM certificates distributed after the
	// issuing certificate by CACerts and used as intermediates when
	// verifying a certificate presented for revocation.
	ChainFiles []string

	ValidityDays  int    // default 365
	SavePath      string // persist issued certs as <serial>.pem when set
	SaveSerialHex bool   // render the saved serial as hex instead of decimal

	Whitelist []string
	Blacklist []string
}

// Handler is the local signing backend.
type Handler struct {
	cfg    Config
	logger *slog.Logger

	signer crypto.Signer
	caCert *x509.Certificate

	mu  sync.Mutex // guards crl and the CRL file
	crl *x509.RevocationList
}

var _ ca.Handler = (*Handler)(nil)

// New validates the configuration, loads the issuing key, certificate and
// CRL, and returns a ready handler. Missing or unreadable mandatory files
// are reported as ca.ErrConfiguration before any key material is parsed.
func New(cfg Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 365
	}

	for _, f := range []struct{ name, path string }{
		{"issuing CA key", cfg.KeyFile},
		{"issuing CA certificate", cfg.CertFile},
		{"issuing CA CRL", cfg.CRLFile},
	} {
		if f.path == "" {
			return nil, fmt.Errorf("%w: %s file not configured", ca.ErrConfiguration, f.name)
		}
		if _, err := os.Stat(f.path); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", ca.ErrConfiguration, f.name, f.path, err)
		}
	}
	if cfg.SavePath != "" {
		if _, err := os.Stat(cfg.SavePath); err != nil {
			return nil, fmt.Errorf("%w: cert save path %s: %v", ca.ErrConfiguration, cfg.SavePath, err)
		}
	}

	// Seal the passphrase so it never sits in plain memory longer than
	// the key-parsing call below needs it.
	var passphrase *memguard.Enclave
	if cfg.Passphrase != "" {
		passphrase = memguard.NewEnclave([]byte(cfg.Passphrase))
		cfg.Passphrase = ""
	}

	h := &Handler{cfg: cfg, logger: logger}

	signer, err := loadSigner(cfg.KeyFile, passphrase)
	if err != nil {
		return nil, err
	}
	h.signer = signer

	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading issuing certificate: %v", ca.ErrConfiguration, err)
	}
	h.caCert, err = ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing certificate: %v", ca.ErrConfiguration, err)
	}

	h.crl, err = loadCRL(cfg.CRLFile)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing CRL: %v", ca.ErrConfiguration, err)
	}

	return h, nil
}

func loadSigner(path string, passphrase *memguard.Enclave) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading issuing key: %v", ca.ErrConfiguration, err)
	}

	var key any
	if passphrase != nil {
		buf, err := passphrase.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: opening key passphrase: %v", ca.ErrConfiguration, err)
		}
		defer buf.Destroy()
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(keyPEM, buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting issuing key: %v", ca.ErrConfiguration, err)
		}
	} else {
		key, err = ssh.ParseRawPrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing issuing key: %v", ca.ErrConfiguration, err)
		}
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: issuing key type %T cannot sign", ca.ErrConfiguration, key)
	}
	return signer, nil
}

func loadCRL(path string) (*x509.RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseRevocationList(data)
}

// ---------------------------------------------------------------------------
// Handler operations
// ---------------------------------------------------------------------------

// CACerts returns the issuing certificate followed by the configured chain
// certificates. A chain entry pointing back at the issuing certificate
// file is skipped rather than distributed twice.
func (h *Handler) CACerts(_ context.Context) ([]byte, error) {
	chain, err := os.ReadFile(h.cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading issuing certificate: %v", ca.ErrConfiguration, err)
	}
	for _, f := range h.cfg.ChainFiles {
		if f == h.cfg.CertFile {
			continue
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: reading chain certificate %s: %v", ca.ErrConfiguration, f, err)
		}
		chain = append(chain, data...)
	}
	return chain, nil
}

// Enroll screens the CSR against the configured policy and signs it with
// the issuing key. The issued certificate copies the CSR's subject, public
// key and extensions, and appends subject-key-id, authority-key-id,
// basic-constraints CA:FALSE and extended-key-usage serverAuth+clientAuth;
// a default key-usage is added only when the CSR carries none.
func (h *Handler) Enroll(_ context.Context, csrData []byte) (*ca.EnrollResult, error) {
	csr, err := ca.ParseCSR(csrData)
	if err != nil {
		return nil, err
	}

	if !h.checkPolicy(csr.Subject.CommonName, csr.DNSNames) {
		h.logger.Warn("csr rejected by name policy", "cn", csr.Subject.CommonName, "sans", csr.DNSNames)
		return nil, fmt.Errorf("%w: subject %q", ca.ErrPolicy, csr.Subject.CommonName)
	}

	serial := serialFromUUID()
	now := time.Now().UTC()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, h.cfg.ValidityDays),
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		EmailAddresses:        csr.EmailAddresses,
		URIs:                  csr.URIs,
	}

	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("computing subject key id: %w", err)
	}
	template.SubjectKeyId = ski

	hasKeyUsage := false
	for _, ext := range csr.Extensions {
		switch {
		case ext.Id.Equal(oidSubjectAltName), ext.Id.Equal(oidBasicConstraints), ext.Id.Equal(oidExtKeyUsage):
			// covered by the template's typed fields and defaults
		case ext.Id.Equal(oidKeyUsage):
			hasKeyUsage = true
			template.ExtraExtensions = append(template.ExtraExtensions, ext)
		default:
			template.ExtraExtensions = append(template.ExtraExtensions, ext)
		}
	}
	if !hasKeyUsage {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	}

	der, err := x509.CreateCertificate(rand.Reader, template, h.caCert, csr.PublicKey, h.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	certPEM := util.CertPEMFromDER(der)

	if h.cfg.SavePath != "" {
		name := serial.String() + ".pem"
		if h.cfg.SaveSerialHex {
			name = fmt.Sprintf("%x.pem", serial)
		}
		if err := os.WriteFile(filepath.Join(h.cfg.SavePath, name), certPEM, 0o644); err != nil {
			return nil, fmt.Errorf("persisting issued certificate: %w", err)
		}
	}

	h.logger.Info("certificate issued", "cn", csr.Subject.CommonName, "serial", fmt.Sprintf("%x", serial))
	return &ca.EnrollResult{CertPEM: certPEM}, nil
}

// Poll is not applicable to a synchronous backend.
func (h *Handler) Poll(_ context.Context, _, handle string, _ []byte) (*ca.PollResult, error) {
	return &ca.PollResult{Handle: handle}, ca.ErrNotImplemented
}

// Trigger is not applicable to a synchronous backend.
func (h *Handler) Trigger(_ context.Context, _ []byte) (*ca.TriggerResult, error) {
	return nil, ca.ErrNotImplemented
}

// Revoke verifies that the presented certificate chains to the issuing CA
// (optionally via the configured intermediates), then records its serial
// on the CRL. Revoking an already-revoked serial is reported distinctly.
func (h *Handler) Revoke(_ context.Context, certPEM []byte, reason int) *ca.RevokeResult {
	cert, err := ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:badRevocationReason", Detail: "certificate could not be parsed"}
	}

	serialHex := fmt.Sprintf("%x", cert.SerialNumber)
	if err := h.verifyAgainstCA(cert); err != nil {
		h.logger.Warn("revocation rejected, chain verification failed", "serial", serialHex, "err", err)
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:serverInternal", Detail: "certificate chain verification failed"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if crlHasSerialHex(h.crl, serialHex) {
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:alreadyRevoked", Detail: ca.ErrAlreadyRevoked.Error()}
	}

	entry := x509.RevocationListEntry{
		SerialNumber:   cert.SerialNumber,
		RevocationTime: time.Now().UTC(),
		ReasonCode:     reason,
	}
	if err := h.regenerateCRL(append(h.crl.RevokedCertificateEntries, entry)); err != nil {
		h.logger.Error("CRL regeneration failed", "err", err)
		return &ca.RevokeResult{Code: 500, Message: "urn:ietf:params:acme:error:serverInternal", Detail: "CRL update failed"}
	}
	h.logger.Info("certificate revoked", "serial", serialHex, "reason", reason)
	return &ca.RevokeResult{Code: 200}
}

func (h *Handler) verifyAgainstCA(cert *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(h.caCert)
	intermediates := x509.NewCertPool()
	for _, f := range h.cfg.ChainFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading chain certificate %s: %w", f, err)
		}
		roots.AppendCertsFromPEM(data)
		intermediates.AppendCertsFromPEM(data)
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// regenerateCRL signs a fresh CRL carrying entries and swaps it in, both
// on disk and in memory. Caller holds h.mu.
func (h *Handler) regenerateCRL(entries []x509.RevocationListEntry) error {
	number := big.NewInt(1)
	if h.crl.Number != nil {
		number = new(big.Int).Add(h.crl.Number, big.NewInt(1))
	}
	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, h.caCert, h.signer)
	if err != nil {
		return fmt.Errorf("signing CRL: %w", err)
	}
	crlPEM := pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
	if err := os.WriteFile(h.cfg.CRLFile, crlPEM, 0o644); err != nil {
		return fmt.Errorf("writing CRL: %w", err)
	}
	parsed, err := x509.ParseRevocationList(der)
	if err != nil {
		return fmt.Errorf("reparsing CRL: %w", err)
	}
	h.crl = parsed
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// serialFromUUID derives a 128-bit serial from a random UUID, matching the
// collision behavior of the deployed fleet.
func serialFromUUID() *big.Int {
	u := uuid.New()
	return new(big.Int).SetBytes(u[:])
}

// crlHasSerial reports whether serial appears on the CRL. Serial identity
// is numeric, so textual hex forms compare case-insensitively.
func crlHasSerial(crl *x509.RevocationList, serial *big.Int) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

// crlHasSerialHex is the string-form lookup Revoke uses; parsing the hex
// back through big.Int keeps the comparison case-insensitive.
func crlHasSerialHex(crl *x509.RevocationList, serialHex string) bool {
	serial, ok := new(big.Int).SetString(serialHex, 16)
	if !ok {
		return false
	}
	return crlHasSerial(crl, serial)
}

// subjectKeyID computes the SHA-1 key identifier over the subject public
// key bits, the RFC 5280 method 1 value.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.PublicKey.Bytes)
	return sum[:], nil
}
