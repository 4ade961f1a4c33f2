// Package pki issues RSA key pairs and X.509 certificates signed by a
// configured issuer key. It also provides the PEM and distinguished-name
// helpers used by the server, the client and the issuance journal.
package pki

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrEncryptedKey is returned for password-protected issuer keys, which
	// are not supported.
	ErrEncryptedKey = errors.New("encrypted private keys are not supported")

	// ErrUnsupportedKey is returned when the issuer key is not an RSA, ECDSA
	// or Ed25519 private key.
	ErrUnsupportedKey = errors.New("unsupported private key type")

	// ErrInvalidDN is returned when a distinguished name string cannot be
	// parsed.
	ErrInvalidDN = errors.New("invalid distinguished name")
)

// ---------------------------------------------------------------------------
// Well-known field names returned by ParseCertificatePEM
// ---------------------------------------------------------------------------

const (
	FieldSubject           = "subject"
	FieldIssuer            = "issuer"
	FieldSerialNumber      = "serial_number"
	FieldNotBefore         = "not_before"
	FieldNotAfter          = "not_after"
	FieldFingerprintSHA256 = "fingerprint_sha256"
	FieldKeyAlgorithm      = "key_algorithm"
	FieldStatus            = "status"
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// ---------------------------------------------------------------------------
// Certificate PEM parsing
// ---------------------------------------------------------------------------

// ParseCertificatePEM decodes a PEM certificate and returns a map of
// well-known field values extracted from the parsed x509 certificate.
func ParseCertificatePEM(certPEM string) (map[string]string, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return certificateFields(cert), nil
}

func certificateFields(cert *x509.Certificate) map[string]string {
	return map[string]string{
		FieldSubject:           subjectString(cert.Subject),
		FieldIssuer:            subjectString(cert.Issuer),
		FieldSerialNumber:      hex.EncodeToString(cert.SerialNumber.Bytes()),
		FieldNotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		FieldNotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FieldFingerprintSHA256: fingerprint(cert.Raw),
		FieldKeyAlgorithm:      keyAlgorithmString(cert),
		FieldStatus:            certStatus(cert),
	}
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// certStatus returns "active" or "expired" based on the certificate's validity window.
func certStatus(cert *x509.Certificate) string {
	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

// ---------------------------------------------------------------------------
// Distinguished names
// ---------------------------------------------------------------------------

// ParseDistinguishedName parses a comma-separated DN such as
// "CN=Issuer, O=Example, C=US". Supported attributes are CN, O, OU, L, ST
// and C. A backslash escapes the following character, so "O=Foo\, Inc"
// yields the organisation "Foo, Inc".
func ParseDistinguishedName(dn string) (pkix.Name, error) {
	var name pkix.Name
	rdns := splitDN(dn)
	if len(rdns) == 0 {
		return name, fmt.Errorf("%w: empty", ErrInvalidDN)
	}
	for _, rdn := range rdns {
		attr, value, ok := strings.Cut(rdn, "=")
		if !ok {
			return name, fmt.Errorf("%w: %q has no '='", ErrInvalidDN, rdn)
		}
		attr = strings.ToUpper(strings.TrimSpace(attr))
		value = strings.TrimSpace(value)
		if value == "" {
			return name, fmt.Errorf("%w: empty value for %s", ErrInvalidDN, attr)
		}
		switch attr {
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("%w: duplicate CN", ErrInvalidDN)
			}
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "C":
			name.Country = append(name.Country, value)
		default:
			return name, fmt.Errorf("%w: unsupported attribute %q", ErrInvalidDN, attr)
		}
	}
	return name, nil
}

func splitDN(dn string) []string {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)
	for _, r := range dn {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if s := current.String(); strings.TrimSpace(s) != "" || len(parts) > 0 {
		parts = append(parts, s)
	}
	return parts
}

// ---------------------------------------------------------------------------
// PEM encoding
// ---------------------------------------------------------------------------

func encodeCertPEM(derBytes []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
}

// encodeKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" block.
func encodeKeyPEM(key any) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
