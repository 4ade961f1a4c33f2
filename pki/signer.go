package pki

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// LoadSignerFile reads an issuer private key from path. The raw file
// contents are held in a locked, guarded buffer while parsing and wiped
// afterwards.
func LoadSignerFile(path string) (crypto.Signer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening issuer key: %w", err)
	}
	defer f.Close()

	buf, err := memguard.NewBufferFromEntireReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading issuer key: %w", err)
	}
	defer buf.Destroy()

	signer, err := ParseSignerPEM(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing issuer key %s: %w", path, err)
	}
	return signer, nil
}

// ParseSignerPEM parses an issuer private key. It accepts PKCS#1
// "RSA PRIVATE KEY", SEC1 "EC PRIVATE KEY" and PKCS#8 "PRIVATE KEY" blocks,
// as well as bare base64-encoded PKCS#8 DER. Encrypted keys are rejected.
func ParseSignerPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return parseBareBase64(data)
	}

	if _, encrypted := block.Headers["Proc-Type"]; encrypted {
		return nil, ErrEncryptedKey
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "ENCRYPTED PRIVATE KEY":
		return nil, ErrEncryptedKey
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return asSigner(key)
}

// parseBareBase64 handles key files that carry base64 PKCS#8 without PEM
// armour.
func parseBareBase64(data []byte) (crypto.Signer, error) {
	trimmed := bytes.Join(bytes.Fields(data), nil)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	der := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(der, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	key, err := x509.ParsePKCS8PrivateKey(der[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return asSigner(key)
}

func asSigner(key any) (crypto.Signer, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
	return signer, nil
}
