package est

import (
	"crypto/x509"
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/jmcleod/estgate/internal/util"
)

// certsOnlyPKCS7 packages a PEM chain as a degenerate certs-only
// SignedData structure and returns its DER encoding.
func certsOnlyPKCS7(chainPEM []byte) ([]byte, error) {
	ders := util.SplitCertsPEM(chainPEM)
	if len(ders) == 0 {
		return nil, fmt.Errorf("no certificates in chain")
	}

	signed, err := pkcs7.NewSignedData(nil)
	if err != nil {
		return nil, fmt.Errorf("initializing signed data: %w", err)
	}
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parsing chain certificate: %w", err)
		}
		signed.AddCertificate(cert)
	}
	return signed.Finish()
}
