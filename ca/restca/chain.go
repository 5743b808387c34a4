package restca

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jmcleod/estgate/ca"
	"github.com/jmcleod/estgate/internal/util"
)

// maxChainDepth bounds the issuer walk so a cyclic CA graph cannot spin
// the handler forever.
const maxChainDepth = 10

// chainFromRecord reconstructs the PEM chain for an issued certificate,
// leaf first. Each hop follows the record's issuer (or issuerCa) URL to
// the issuing CA and from there to its active certificate. The walk ends
// when a record has no issuer reference, no active certificate or no
// certificate bytes; only a leaf without bytes is an error.
func (h *Handler) chainFromRecord(ctx context.Context, leaf *certRecord) ([]byte, error) {
	var buf bytes.Buffer
	rec := leaf
	for depth := 0; depth < maxChainDepth; depth++ {
		if rec.CertificateBase64 == "" {
			if depth == 0 {
				return nil, fmt.Errorf("%w: certificate record without certificateBase64", ca.ErrCAIntegration)
			}
			return buf.Bytes(), nil
		}
		buf.WriteString(util.CertPEMFromBase64(rec.CertificateBase64))

		issuerURL := rec.Issuer
		if issuerURL == "" {
			issuerURL = rec.IssuerCA
		}
		if issuerURL == "" {
			return buf.Bytes(), nil
		}

		var issuer caRecord
		if err := h.getJSON(ctx, issuerURL, nil, &issuer); err != nil {
			return nil, err
		}
		activeURL, ok := issuer.Certificates["active"]
		if !ok {
			return buf.Bytes(), nil
		}
		var next certRecord
		if err := h.getJSON(ctx, activeURL, nil, &next); err != nil {
			return nil, err
		}
		rec = &next
	}
	return nil, fmt.Errorf("%w: certificate chain exceeds %d hops", ca.ErrCAIntegration, maxChainDepth)
}
