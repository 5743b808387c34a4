package boltca

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"strconv"
	"strings"
)

// Issuance templates are opaque binary blobs: a DN region followed by a
// null-delimited settings region, separated by the first occurrence of
// the marker [0x00 0x00 0x00 <nonzero>]. The format is heuristic, so
// decoding is best effort: anything ambiguous degrades to empty maps,
// never an error.
type template struct {
	dn       map[string]string
	settings map[string]string
}

func (t template) empty() bool {
	return len(t.dn) == 0 && len(t.settings) == 0
}

func parseTemplate(blob []byte) template {
	dnRegion, settingsRegion := splitRegions(blob)
	return template{
		dn:       parseDNRegion(dnRegion),
		settings: parseSettingsRegion(settingsRegion),
	}
}

// splitRegions cuts the blob at the first [0x00 0x00 0x00 <nonzero>]
// marker. The marker's four bytes stay with the DN region; the trailing
// nonzero byte is the length prefix of the first settings token, which
// the settings scanner expects to be consumed already.
func splitRegions(blob []byte) (dnRegion, settingsRegion []byte) {
	for i := 0; i+3 < len(blob); i++ {
		if blob[i] == 0 && blob[i+1] == 0 && blob[i+2] == 0 && blob[i+3] != 0 {
			return blob[:i+4], blob[i+4:]
		}
	}
	return nil, nil
}

// parseDNRegion extracts distinguished-name attributes. Entries are
// delimited by the encoded OID prefix 2.5 (0x06 0x03 0x55); each entry
// then carries the two remaining OID arcs, a string tag, a length byte
// and the value. Only the five override-relevant attributes are kept.
func parseDNRegion(region []byte) map[string]string {
	dn := map[string]string{}
	if len(region) < 8 {
		return dn
	}

	parts := bytes.Split(region, []byte{0x06, 0x03, 0x55})
	for _, part := range parts[1:] {
		if len(part) < 4 || part[0] != 0x04 {
			continue
		}
		var attr string
		switch part[1] {
		case 6:
			attr = "countryName"
		case 7:
			attr = "localityName"
		case 8:
			attr = "stateOrProvinceName"
		case 10:
			attr = "organizationName"
		case 11:
			attr = "organizationalUnitName"
		default:
			continue
		}
		valueLen := int(part[3])
		if 4+valueLen > len(part) {
			continue
		}
		dn[attr] = string(part[4 : 4+valueLen])
	}
	return dn
}

// parseSettingsRegion decodes the null-marker-delimited key/value pairs.
// Stray null bytes inside a token are stripped, tokens after the first
// drop their leading length byte, and a trailing unpaired token is
// discarded. A pair with an empty key or value marks the setting absent
// and is not stored.
func parseSettingsRegion(region []byte) map[string]string {
	settings := map[string]string{}
	if len(region) == 0 {
		return settings
	}

	var tokens []string
	for idx, ele := range bytes.Split(region, []byte{0x00, 0x00, 0x00}) {
		ele = bytes.ReplaceAll(ele, []byte{0x00}, nil)
		if idx > 0 && len(ele) > 0 {
			ele = ele[1:]
		}
		tokens = append(tokens, string(ele))
	}
	if len(tokens)%2 != 0 {
		tokens = tokens[:len(tokens)-1]
	}
	for i := 0; i+1 < len(tokens); i += 2 {
		if tokens[i] == "" || tokens[i+1] == "" {
			continue
		}
		settings[tokens[i]] = tokens[i+1]
	}
	return settings
}

// validityDays resolves the template validity: unit 0 counts days,
// 1 months of 30 days, 2 years of 365 days. Anything missing or
// malformed falls back to 365 days.
func (t template) validityDays() int {
	unit, hasUnit := t.settings["validM"]
	count, hasCount := t.settings["validN"]
	if !hasUnit || !hasCount {
		return 365
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return 365
	}
	switch unit {
	case "0":
		return n
	case "1":
		return n * 30
	case "2":
		return n * 365
	}
	return 365
}

// ---------------------------------------------------------------------------
// Key usage
// ---------------------------------------------------------------------------

// keyUsageNames in bitmask order, bit 0 first.
var keyUsageNames = []string{
	"digitalSignature", "nonRepudiation", "keyEncipherment",
	"dataEncipherment", "keyAgreement", "keyCertSign",
	"cRLSign", "encipherOnly", "decipherOnly",
}

// defaultKeyUsageMask covers digitalSignature, nonRepudiation,
// keyEncipherment and keyAgreement.
const defaultKeyUsageMask = 23

// keyUsageMask parses the keyUse setting. A zero or unparsable value
// falls back to the default mask.
func keyUsageMask(value string) int {
	mask, err := strconv.Atoi(value)
	if err != nil || mask == 0 {
		return defaultKeyUsageMask
	}
	return mask & 0x1ff
}

// keyUsageList expands a mask into names, fixed bit order.
func keyUsageList(mask int) []string {
	var names []string
	for bit, name := range keyUsageNames {
		if mask&(1<<bit) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// ---------------------------------------------------------------------------
// Extension generation
// ---------------------------------------------------------------------------

var ekuOIDs = map[string]asn1.ObjectIdentifier{
	"serverAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	"clientAuth":      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	"codeSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	"emailProtection": {1, 3, 6, 1, 5, 5, 7, 3, 4},
	"timeStamping":    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	"OCSPSigning":     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// criticalSetting reports whether the named companion setting is the
// literal "1".
func (t template) criticalSetting(name string) bool {
	return t.settings[name] == "1"
}

// extensions builds the template-driven extension list: key usage,
// extended key usage and basic constraints, each with its configured
// criticality. Subject and authority key ids are handled by the signer.
func (t template) extensions() ([]pkix.Extension, error) {
	var exts []pkix.Extension

	if eku, ok := t.settings["eKeyUse"]; ok {
		var oids []asn1.ObjectIdentifier
		for _, name := range strings.Split(eku, ",") {
			if oid, known := ekuOIDs[strings.TrimSpace(name)]; known {
				oids = append(oids, oid)
			}
		}
		if len(oids) > 0 {
			der, err := asn1.Marshal(oids)
			if err != nil {
				return nil, err
			}
			exts = append(exts, pkix.Extension{
				Id:       oidExtendedKeyUsage,
				Critical: t.criticalSetting("ekuCritical"),
				Value:    der,
			})
		}
	}

	if ku, ok := t.settings["keyUse"]; ok {
		der, err := marshalKeyUsage(x509.KeyUsage(keyUsageMask(ku)))
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{
			Id:       oidKeyUsage,
			Critical: t.criticalSetting("kuCritical"),
			Value:    der,
		})
	}

	if caFlag, ok := t.settings["ca"]; ok && caFlag != "0" {
		der, err := asn1.Marshal(basicConstraintsASN1{IsCA: caFlag == "1"})
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{
			Id:       oidBasicConstraints,
			Critical: t.criticalSetting("bcCritical"),
			Value:    der,
		})
	}

	return exts, nil
}

type basicConstraintsASN1 struct {
	IsCA bool `asn1:"optional"`
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out <<= 1
		out |= b & 1
		b >>= 1
	}
	return out
}

func marshalKeyUsage(ku x509.KeyUsage) ([]byte, error) {
	raw := []byte{reverseBits(byte(ku)), reverseBits(byte(ku >> 8))}
	if raw[1] == 0 {
		raw = raw[:1]
	}
	return asn1.Marshal(asn1.BitString{Bytes: raw, BitLength: asn1BitLength(raw)})
}

func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-1-i]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}
