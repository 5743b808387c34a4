package util

import (
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

const pemLineLength = 64

// WrapBase64 folds a base64 string into 64-column lines, the layout used
// inside PEM blocks.
func WrapBase64(b64 string) string {
	var sb strings.Builder
	for len(b64) > pemLineLength {
		sb.WriteString(b64[:pemLineLength])
		sb.WriteByte('\n')
		b64 = b64[pemLineLength:]
	}
	sb.WriteString(b64)
	return sb.String()
}

// CertPEMFromBase64 wraps base64 DER certificate content in PEM armor.
func CertPEMFromBase64(b64 string) string {
	return fmt.Sprintf("-----BEGIN CERTIFICATE-----\n%s\n-----END CERTIFICATE-----\n", WrapBase64(b64))
}

// CertPEMFromDER encodes a DER certificate as PEM.
func CertPEMFromDER(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// CSRPEMFromDER encodes a DER certificate request as PEM.
func CSRPEMFromDER(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

// SplitCertsPEM splits a concatenated PEM chain into individual DER
// certificates, preserving order. Non-certificate blocks are skipped.
func SplitCertsPEM(chain []byte) [][]byte {
	var certs [][]byte
	rest := chain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return certs
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, block.Bytes)
		}
	}
}

// CertDERFromAny returns the DER bytes of a certificate presented either
// as PEM or already as DER.
func CertDERFromAny(data []byte) []byte {
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes
	}
	return data
}

// B64Encode returns the standard base64 encoding of b.
func B64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// B64Decode decodes standard base64, tolerating missing padding.
func B64Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
