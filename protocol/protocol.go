// Package protocol implements the keymint wire format.
//
// A request is an ASCII name followed by a single zero byte. A response is
// two length-prefixed blobs, the PEM private key and then the PEM
// certificate, each preceded by its length as a 4-byte big-endian integer.
// A failed issuance is signalled only by closing the connection.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

const (
	// Terminator ends a request name.
	Terminator byte = 0

	// DefaultMaxNameBytes bounds the bytes buffered before a terminator.
	DefaultMaxNameBytes = 16 * 1024

	// MaxBlobLen is the largest blob length a reader accepts.
	MaxBlobLen = 50_000_000
)

var (
	// ErrNameTooLong is returned when no terminator arrives within the limit.
	ErrNameTooLong = errors.New("request name exceeds limit")

	// ErrInvalidName is returned for names containing bytes outside
	// printable ASCII.
	ErrInvalidName = errors.New("request name is not printable ASCII")

	// ErrBlobTooLarge is returned when a response length prefix is out of range.
	ErrBlobTooLarge = errors.New("response blob length out of range")
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// NameReader accumulates request bytes until the terminator is seen. It is
// not safe for concurrent use.
type NameReader struct {
	buf []byte
	max int
}

// NewNameReader returns a NameReader that rejects names longer than max
// bytes. max <= 0 selects DefaultMaxNameBytes.
func NewNameReader(max int) *NameReader {
	if max <= 0 {
		max = DefaultMaxNameBytes
	}
	return &NameReader{max: max}
}

// Feed appends p to the pending name. When p contains the terminator, Feed
// returns the complete name and done=true; bytes after the terminator are
// ignored. Once the buffered bytes exceed the limit without a terminator,
// Feed returns ErrNameTooLong.
func (n *NameReader) Feed(p []byte) (name string, done bool, err error) {
	idx := bytes.IndexByte(p, Terminator)
	if idx < 0 {
		if len(n.buf)+len(p) > n.max {
			return "", false, fmt.Errorf("%w: more than %d bytes", ErrNameTooLong, n.max)
		}
		n.buf = append(n.buf, p...)
		return "", false, nil
	}
	if len(n.buf)+idx > n.max {
		return "", false, fmt.Errorf("%w: more than %d bytes", ErrNameTooLong, n.max)
	}
	n.buf = append(n.buf, p[:idx]...)
	if err := ValidateName(n.buf); err != nil {
		return "", false, err
	}
	return string(n.buf), true, nil
}

// Buffered returns the number of name bytes received so far.
func (n *NameReader) Buffered() int {
	return len(n.buf)
}

// ValidateName reports whether name consists only of printable ASCII.
func ValidateName(name []byte) error {
	for i, b := range name {
		if b < 0x20 || b > 0x7e {
			return fmt.Errorf("%w: byte 0x%02x at offset %d", ErrInvalidName, b, i)
		}
	}
	return nil
}

// WriteRequest writes name and the terminator to w.
func WriteRequest(w io.Writer, name string) error {
	if err := ValidateName([]byte(name)); err != nil {
		return err
	}
	req := make([]byte, 0, len(name)+1)
	req = append(req, name...)
	req = append(req, Terminator)
	_, err := w.Write(req)
	return err
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// EncodeResponse frames keyPEM and certPEM as
// BE32(len(keyPEM)) || keyPEM || BE32(len(certPEM)) || certPEM.
func EncodeResponse(keyPEM, certPEM []byte) ([]byte, error) {
	if len(keyPEM) > MaxBlobLen || len(certPEM) > MaxBlobLen {
		return nil, ErrBlobTooLarge
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, 8+len(keyPEM)+len(certPEM)))
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(keyPEM) })
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(certPEM) })
	return b.Bytes()
}

// ReadResponse reads a framed response from r.
func ReadResponse(r io.Reader) (keyPEM, certPEM []byte, err error) {
	keyPEM, err = readBlob(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading key: %w", err)
	}
	certPEM, err = readBlob(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading certificate: %w", err)
	}
	return keyPEM, certPEM, nil
}

func readBlob(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, unexpectedEOF(err)
	}
	var n uint32
	s := cryptobyte.String(hdr[:])
	if !s.ReadUint32(&n) {
		return nil, io.ErrUnexpectedEOF
	}
	// A negative signed length reads as a value above the ceiling.
	if n > MaxBlobLen {
		return nil, fmt.Errorf("%w: %d", ErrBlobTooLarge, int32(n))
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, unexpectedEOF(err)
	}
	return blob, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
