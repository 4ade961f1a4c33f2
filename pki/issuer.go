package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"
)

const (
	// DefaultKeyBits is the RSA modulus size of issued keys.
	DefaultKeyBits = 4096

	// DefaultValidity is the lifetime of issued certificates (20 years).
	DefaultValidity = 20 * 365 * 24 * time.Hour

	// backdate shifts NotBefore into the past to tolerate client clock skew.
	backdate = 60 * time.Second

	// minKeyBits is the smallest modulus crypto/rsa will generate.
	minKeyBits = 1024
)

// KeyEntry is the immutable outcome of a successful issuance.
type KeyEntry struct {
	Name        string
	KeyPEM      []byte
	CertPEM     []byte
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	// SerialHex and FingerprintSHA256 are hex-encoded.
	SerialHex         string
	FingerprintSHA256 string
}

// Issuer generates key pairs and signs certificates for them with a fixed
// issuer key and distinguished name. It holds no mutable state and is safe
// for concurrent use.
type Issuer struct {
	signer   crypto.Signer
	parent   *x509.Certificate
	keyBits  int
	validity time.Duration
	rand     io.Reader
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithKeyBits sets the RSA modulus size of issued keys.
func WithKeyBits(bits int) IssuerOption {
	return func(i *Issuer) { i.keyBits = bits }
}

// WithValidity sets the lifetime of issued certificates.
func WithValidity(d time.Duration) IssuerOption {
	return func(i *Issuer) { i.validity = d }
}

// NewIssuer returns an Issuer that signs with signer and names subject as
// the issuer of every certificate.
func NewIssuer(signer crypto.Signer, subject pkix.Name, opts ...IssuerOption) (*Issuer, error) {
	if signer == nil {
		return nil, errors.New("issuer signer is required")
	}
	i := &Issuer{
		signer:   signer,
		keyBits:  DefaultKeyBits,
		validity: DefaultValidity,
		rand:     rand.Reader,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.keyBits < minKeyBits {
		return nil, fmt.Errorf("key size %d is below the minimum of %d bits", i.keyBits, minKeyBits)
	}
	if i.validity <= 0 {
		return nil, fmt.Errorf("validity must be positive, got %s", i.validity)
	}
	// The parent only contributes the issuer name and public key to each
	// leaf; no issuer certificate is required.
	i.parent = &x509.Certificate{
		Subject:   subject,
		PublicKey: signer.Public(),
	}
	return i, nil
}

// Subject returns the issuer distinguished name as a readable string.
func (i *Issuer) Subject() string {
	return subjectString(i.parent.Subject)
}

// Issue generates a fresh RSA key pair for name and a certificate with
// subject CN=name signed by the issuer key.
func (i *Issuer) Issue(name string) (*KeyEntry, error) {
	key, err := rsa.GenerateKey(i.rand, i.keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key for %q: %w", i.keyBits, name, err)
	}

	serial, err := randomSerial(i.rand)
	if err != nil {
		return nil, err
	}

	now := i.now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(i.validity),
	}

	derBytes, err := x509.CreateCertificate(i.rand, template, i.parent, &key.PublicKey, i.signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate for %q: %w", name, err)
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing issued certificate: %w", err)
	}

	keyPEM, err := encodeKeyPEM(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key for %q: %w", name, err)
	}

	return &KeyEntry{
		Name:              name,
		KeyPEM:            keyPEM,
		CertPEM:           encodeCertPEM(derBytes),
		PrivateKey:        key,
		Certificate:       cert,
		SerialHex:         hex.EncodeToString(serial.Bytes()),
		FingerprintSHA256: fingerprint(derBytes),
	}, nil
}

// randomSerial returns a positive random serial of at most 64 bits.
func randomSerial(r io.Reader) (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 64)
	for {
		serial, err := rand.Int(r, limit)
		if err != nil {
			return nil, fmt.Errorf("generating serial number: %w", err)
		}
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}
