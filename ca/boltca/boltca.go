// Package boltca implements the CA backend whose signing key, certificate
// and issuance templates live in an embedded bbolt database, keyed by
// name. Issued certificates, imported CSRs and revocations are persisted
// back into the same database as linked item plus typed records.
package boltca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
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
	oidExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
)

// Config holds the immutable settings for an embedded database backend.
// DBFile and IssuingCAName are mandatory.
type Config struct {
	DBFile        string
	Passphrase    string // key passphrase, sealed at construction
	IssuingCAName string
	IssuingCAKey  string // defaults to IssuingCAName

	ValidityDays int // default 365, overridden by a template

	// ChainNames are additional certificate item names distributed after
	// the issuing certificate by CACerts.
	ChainNames []string

	// TemplateName selects an issuance template; absence of the named
	// template is not an error, enrollment falls back to defaults.
	TemplateName string
}

// Handler is the embedded database backend.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	store  *Store

	signer   crypto.Signer
	caCert   *x509.Certificate
	caItemID uint64

	mu sync.Mutex // serializes the revoke check-then-insert
}

var _ ca.Handler = (*Handler)(nil)

// New validates the configuration, opens the database and loads the
// issuing key and certificate. A missing database file or CA entry is a
// terminal ca.ErrConfiguration.
func New(cfg Config, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValidityDays <= 0 {
		cfg.ValidityDays = 365
	}
	if cfg.IssuingCAKey == "" {
		cfg.IssuingCAKey = cfg.IssuingCAName
	}

	if cfg.DBFile == "" {
		return nil, fmt.Errorf("%w: database file not configured", ca.ErrConfiguration)
	}
	if _, err := os.Stat(cfg.DBFile); err != nil {
		return nil, fmt.Errorf("%w: database file %s: %v", ca.ErrConfiguration, cfg.DBFile, err)
	}
	if cfg.IssuingCAName == "" {
		return nil, fmt.Errorf("%w: issuing CA name not configured", ca.ErrConfiguration)
	}

	var passphrase *memguard.Enclave
	if cfg.Passphrase != "" {
		passphrase = memguard.NewEnclave([]byte(cfg.Passphrase))
		cfg.Passphrase = ""
	}

	store, err := OpenStore(cfg.DBFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ca.ErrConfiguration, err)
	}

	h := &Handler{cfg: cfg, logger: logger, store: store}
	if err := h.loadCA(passphrase); err != nil {
		store.Close()
		return nil, err
	}
	return h, nil
}

// Close releases the database.
func (h *Handler) Close() error {
	return h.store.Close()
}

func (h *Handler) loadCA(passphrase *memguard.Enclave) error {
	rec, keyPEM, ok := h.store.caByName(h.cfg.IssuingCAName)
	if !ok {
		return fmt.Errorf("%w: issuing CA %q not found in database", ca.ErrConfiguration, h.cfg.IssuingCAName)
	}

	certDER, err := util.B64Decode(rec.Cert)
	if err != nil {
		return fmt.Errorf("%w: issuing certificate: %v", ca.ErrConfiguration, err)
	}
	h.caCert, err = x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("%w: issuing certificate: %v", ca.ErrConfiguration, err)
	}
	h.caItemID = rec.Item

	var key any
	if passphrase != nil {
		buf, err := passphrase.Open()
		if err != nil {
			return fmt.Errorf("%w: opening key passphrase: %v", ca.ErrConfiguration, err)
		}
		defer buf.Destroy()
		key, err = ssh.ParseRawPrivateKeyWithPassphrase(keyPEM, buf.Bytes())
		if err != nil {
			return fmt.Errorf("%w: decrypting issuing key: %v", ca.ErrConfiguration, err)
		}
	} else {
		key, err = ssh.ParseRawPrivateKey(keyPEM)
		if err != nil {
			return fmt.Errorf("%w: parsing issuing key: %v", ca.ErrConfiguration, err)
		}
	}
	signer, ok2 := key.(crypto.Signer)
	if !ok2 {
		return fmt.Errorf("%w: issuing key type %T cannot sign", ca.ErrConfiguration, key)
	}
	h.signer = signer
	return nil
}

// ---------------------------------------------------------------------------
// Handler operations
// ---------------------------------------------------------------------------

// CACerts returns the issuing certificate followed by the configured
// chain certificates resolved from the database. Unresolvable chain
// names are skipped.
func (h *Handler) CACerts(_ context.Context) ([]byte, error) {
	chain := util.CertPEMFromDER(h.caCert.Raw)
	for _, name := range h.cfg.ChainNames {
		rec, ok := h.store.certByName(name)
		if !ok {
			h.logger.Debug("chain certificate not found", "name", name)
			continue
		}
		der, err := util.B64Decode(rec.Cert)
		if err != nil {
			h.logger.Warn("chain certificate undecodable", "name", name, "err", err)
			continue
		}
		chain = append(chain, util.CertPEMFromDER(der)...)
	}
	return chain, nil
}

// Enroll imports the CSR (idempotently, keyed by its request name),
// applies the configured issuance template and signs. The issued
// certificate is persisted as a linked item plus certificate record
// carrying serial, issuer link and the two name-hash lookup keys.
func (h *Handler) Enroll(_ context.Context, csrData []byte) (*ca.EnrollResult, error) {
	csr, err := ca.ParseCSR(csrData)
	if err != nil {
		return nil, err
	}

	requestName := requestNameFromCSR(csr)
	if requestName == "" {
		return nil, fmt.Errorf("request name could not be derived from CSR")
	}

	if _, exists := h.store.requestByName(requestName); !exists {
		if err := h.store.insertRequest(requestName, util.B64Encode(csr.Raw), "imported on enroll"); err != nil {
			return nil, fmt.Errorf("importing CSR: %w", err)
		}
	}

	tpl := template{}
	if h.cfg.TemplateName != "" {
		if blob, ok := h.store.templateByName(h.cfg.TemplateName); ok {
			tpl = parseTemplate(blob)
		} else {
			h.logger.Warn("issuance template not found", "name", h.cfg.TemplateName)
		}
	}

	validityDays := h.cfg.ValidityDays
	if len(tpl.settings) > 0 {
		validityDays = tpl.validityDays()
	}

	subject := csr.Subject
	if subject.CommonName == "" {
		h.logger.Info("rewriting empty CN", "cn", requestName)
		subject.CommonName = requestName
	}
	applySubjectOverrides(&subject, tpl.dn)

	serial := serialFromUUID()
	now := time.Now().UTC()
	certTemplate := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        subject,
		NotBefore:      now,
		NotAfter:       now.AddDate(0, 0, validityDays),
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		EmailAddresses: csr.EmailAddresses,
		URIs:           csr.URIs,
	}

	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("computing subject key id: %w", err)
	}
	certTemplate.SubjectKeyId = ski
	certTemplate.AuthorityKeyId = h.caCert.SubjectKeyId
	if len(certTemplate.AuthorityKeyId) == 0 {
		if certTemplate.AuthorityKeyId, err = subjectKeyID(h.caCert.PublicKey); err != nil {
			return nil, fmt.Errorf("computing authority key id: %w", err)
		}
	}

	if tpl.empty() {
		certTemplate.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		certTemplate.BasicConstraintsValid = true
		certTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		exts, err := tpl.extensions()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ca.ErrTemplateParse, err)
		}
		certTemplate.ExtraExtensions = exts
		if cdp := tpl.settings["crlDist"]; cdp != "" {
			certTemplate.CRLDistributionPoints = []string{strings.TrimPrefix(cdp, "URI:")}
		}
	}

	// Carry over CSR extensions not owned by the template or defaults.
	for _, ext := range csr.Extensions {
		switch {
		case ext.Id.Equal(oidSubjectAltName), ext.Id.Equal(oidBasicConstraints),
			ext.Id.Equal(oidExtendedKeyUsage), ext.Id.Equal(oidKeyUsage):
		default:
			certTemplate.ExtraExtensions = append(certTemplate.ExtraExtensions, ext)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, certTemplate, h.caCert, csr.PublicKey, h.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	issued, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("reparsing issued certificate: %w", err)
	}

	err = h.store.insertCert(requestName, certRecord{
		Serial:  fmt.Sprintf("%X", serial),
		Issuer:  h.caItemID,
		CA:      0,
		Cert:    util.B64Encode(der),
		Hash:    nameHash(issued.RawSubject),
		IssHash: nameHash(h.caCert.RawSubject),
	}, "issued")
	if err != nil {
		return nil, fmt.Errorf("persisting issued certificate: %w", err)
	}

	h.logger.Info("certificate issued", "cn", subject.CommonName, "serial", fmt.Sprintf("%X", serial))
	return &ca.EnrollResult{CertPEM: util.CertPEMFromDER(der)}, nil
}

// Poll is not applicable to a synchronous backend.
func (h *Handler) Poll(_ context.Context, _, handle string, _ []byte) (*ca.PollResult, error) {
	return &ca.PollResult{Handle: handle}, ca.ErrNotImplemented
}

// Trigger is not applicable to a synchronous backend.
func (h *Handler) Trigger(_ context.Context, _ []byte) (*ca.TriggerResult, error) {
	return nil, ca.ErrNotImplemented
}

// Revoke records the certificate serial in the revocation bucket. The
// revocation date is always now and the reason is always unspecified,
// whatever the caller submitted. Revoking a serial twice is reported
// distinctly.
func (h *Handler) Revoke(_ context.Context, certPEM []byte, _ int) *ca.RevokeResult {
	cert, err := ca.ParseCertificatePEM(certPEM)
	if err != nil {
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:serverInternal", Detail: "certificate could not be parsed"}
	}
	if err := cert.CheckSignatureFrom(h.caCert); err != nil {
		h.logger.Warn("revocation rejected, not issued by this CA", "serial", fmt.Sprintf("%X", cert.SerialNumber), "err", err)
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:serverInternal", Detail: "certificate lookup failed"}
	}

	serial := fmt.Sprintf("%X", cert.SerialNumber)
	now := time.Now().UTC().Format(dbDateLayout)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, revoked := h.store.revocationBySerial(serial); revoked {
		return &ca.RevokeResult{Code: 400, Message: "urn:ietf:params:acme:error:alreadyRevoked", Detail: ca.ErrAlreadyRevoked.Error()}
	}
	err = h.store.insertRevocation(revocationRecord{
		CAID:      h.caItemID,
		Serial:    serial,
		Date:      now,
		InvalDate: now,
		ReasonBit: 0,
	})
	if err != nil {
		h.logger.Error("revocation insert failed", "serial", serial, "err", err)
		return &ca.RevokeResult{Code: 500, Message: "urn:ietf:params:acme:error:serverInternal", Detail: "database update failed"}
	}
	h.logger.Info("certificate revoked", "serial", serial)
	return &ca.RevokeResult{Code: 200}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// requestNameFromCSR resolves the database item name: the subject CN,
// else the first DNS SAN.
func requestNameFromCSR(csr *x509.CertificateRequest) string {
	if csr.Subject.CommonName != "" {
		return csr.Subject.CommonName
	}
	if len(csr.DNSNames) > 0 {
		return csr.DNSNames[0]
	}
	return ""
}

// applySubjectOverrides overwrites the non-CN attributes present in the
// template DN map; the CSR's CN always survives.
func applySubjectOverrides(subject *pkix.Name, dn map[string]string) {
	if v, ok := dn["countryName"]; ok && v != "" {
		subject.Country = []string{v}
	}
	if v, ok := dn["stateOrProvinceName"]; ok && v != "" {
		subject.Province = []string{v}
	}
	if v, ok := dn["localityName"]; ok && v != "" {
		subject.Locality = []string{v}
	}
	if v, ok := dn["organizationName"]; ok && v != "" {
		subject.Organization = []string{v}
	}
	if v, ok := dn["organizationalUnitName"]; ok && v != "" {
		subject.OrganizationalUnit = []string{v}
	}
}

// serialFromUUID derives a 63-bit serial from a random UUID, masking the
// sign bit.
func serialFromUUID() *big.Int {
	u := uuid.New()
	v := binary.BigEndian.Uint64(u[:8]) & (1<<63 - 1)
	return new(big.Int).SetUint64(v)
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
