// Package tunnel provides the byte-stream transports an IMAP session runs
// over: a WebSocket relay for environments that cannot open raw sockets, and
// a direct TCP dialer. Both optionally layer TLS on top of the stream.
package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mailiner/go-imap/internal/logging"
	"github.com/mailiner/go-imap/model"
)

// Security selects whether TLS is negotiated over the stream.
type Security uint8

const (
	Plain Security = iota
	TLS
)

func (s Security) String() string {
	if s == TLS {
		return "tls"
	}
	return "plain"
}

// UnmarshalText accepts "tls", "ssl", "plain" and "none".
func (s *Security) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "tls", "ssl", "true":
		*s = TLS
	case "", "plain", "none", "false":
		*s = Plain
	default:
		return fmt.Errorf("unknown security %q: %w", b, model.ErrInvalidData)
	}
	return nil
}

// Target is the IMAP server the stream reaches.
type Target struct {
	Host string
	Port int
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }

// ParseTarget parses "host:port".
func ParseTarget(s string) (Target, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %w", s, model.ErrInvalidData)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 || host == "" {
		return Target{}, fmt.Errorf("target %q: bad port: %w", s, model.ErrInvalidData)
	}
	return Target{Host: host, Port: n}, nil
}

// Direct dials the target over TCP.
type Direct struct {
	Target   Target
	Security Security
	RootCAs  *x509.CertPool
	// Timeout bounds the TCP dial. Zero means no timeout.
	Timeout time.Duration
	// SkipVerify disables certificate verification. Use with caution;
	// skipping verification exposes the connection to man-in-the-middle
	// attacks.
	SkipVerify bool
}

// Dial implements model.Transport.
func (d *Direct) Dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Target.Addr())
	if err != nil {
		return nil, &model.ConnectionError{Op: "dial", Err: err}
	}
	logging.Get().Debug("tcp connection established", "target", d.Target.Addr(), "security", d.Security.String())
	if d.Security == TLS {
		return secure(ctx, conn, d.Target.Host, d.RootCAs, d.SkipVerify)
	}
	return conn, nil
}

// secure runs a TLS client handshake over conn. On failure conn is closed.
func secure(ctx context.Context, conn net.Conn, host string, roots *x509.CertPool, skipVerify bool) (net.Conn, error) {
	tc := tls.Client(conn, &tls.Config{
		RootCAs:            roots,
		ServerName:         host,
		InsecureSkipVerify: skipVerify,
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &model.ConnectionError{Op: "tls handshake", Err: err}
	}
	return tc, nil
}

type closeWriter interface {
	CloseWrite() error
}

// Shutdown closes a stream returned by Dial gracefully: TLS streams send
// close_notify first, relay streams send a close frame.
func Shutdown(conn net.Conn) error {
	if conn == nil {
		return nil
	}
	if cw, ok := conn.(closeWriter); ok {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = cw.CloseWrite()
	}
	return conn.Close()
}
