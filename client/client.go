// Package client requests keys from a keymint server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmcleod/keymint/pki"
	"github.com/jmcleod/keymint/protocol"
)

// DefaultDialTimeout bounds connection establishment.
const DefaultDialTimeout = 5 * time.Second

// ErrUnsafeName is returned by Save for names that cannot be used as a
// file name inside the output directory.
var ErrUnsafeName = errors.New("name cannot be used as a file name")

// Client talks to one server address.
type Client struct {
	addr        string
	dialTimeout time.Duration
	delay       time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithReadDelay waits d after sending the request before reading the
// response.
func WithReadDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

// New returns a Client for the server at addr ("host:port").
func New(addr string, opts ...Option) *Client {
	c := &Client{addr: addr, dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a key and certificate received for Name.
type Response struct {
	Name    string
	KeyPEM  []byte
	CertPEM []byte
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.addr, err)
	}
	return conn, nil
}

// Send writes the request for name and closes the connection without
// waiting for the response. The server still generates the key.
func (c *Client) Send(ctx context.Context, name string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := protocol.WriteRequest(conn, name); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	return nil
}

// Fetch requests name and reads the response. The server closes the
// connection without a response when generation fails, which surfaces as
// io.ErrUnexpectedEOF.
func (c *Client) Fetch(ctx context.Context, name string) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := protocol.WriteRequest(conn, name); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	keyPEM, certPEM, err := protocol.ReadResponse(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &Response{Name: name, KeyPEM: keyPEM, CertPEM: certPEM}, nil
}

// Save writes <name>.key (mode 0600) and <name>.crt into dir.
func (r *Response) Save(dir string) (keyPath, certPath string, err error) {
	if r.Name == "" || r.Name == "." || r.Name == ".." || strings.ContainsAny(r.Name, `/\`) {
		return "", "", fmt.Errorf("%w: %q", ErrUnsafeName, r.Name)
	}
	keyPath = filepath.Join(dir, r.Name+".key")
	certPath = filepath.Join(dir, r.Name+".crt")
	if err := os.WriteFile(keyPath, r.KeyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("writing key: %w", err)
	}
	if err := os.WriteFile(certPath, r.CertPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("writing certificate: %w", err)
	}
	return keyPath, certPath, nil
}

// Certificate returns the parsed fields of the received certificate.
func (r *Response) Certificate() (map[string]string, error) {
	return pki.ParseCertificatePEM(string(r.CertPEM))
}
