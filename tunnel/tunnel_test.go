package tunnel

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailiner/go-imap/model"
)

// echoServer answers each line with "echo: <line>".
func echoServer(t *testing.T, cfg *tls.Config) Target {
	t.Helper()
	var (
		ln  net.Listener
		err error
	)
	if cfg != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", cfg)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if _, err := conn.Write([]byte("echo: " + line)); err != nil {
						return
					}
				}
			}()
		}
	}()

	target, err := ParseTarget(ln.Addr().String())
	require.NoError(t, err)
	return target
}

func allowAll(string) bool { return true }

func relayServer(t *testing.T, h *RelayHandler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay"
}

// selfSigned returns a server certificate for 127.0.0.1 and a pool trusting it.
func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test Co"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, pool
}

func roundTrip(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
	got, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(got, "\r\n")
}

func TestRelayPlain(t *testing.T) {
	target := echoServer(t, nil)
	relay := &Relay{URL: relayServer(t, &RelayHandler{Allow: allowAll}), Target: target}

	conn, err := relay.Dial(context.Background())
	require.NoError(t, err)
	defer Shutdown(conn)

	assert.Equal(t, "echo: a1 NOOP", roundTrip(t, conn, "a1 NOOP"))
	// a payload spanning several frames on the way back
	long := strings.Repeat("x", 5000)
	assert.Equal(t, "echo: "+long, roundTrip(t, conn, long))
}

func TestRelayTLS(t *testing.T) {
	cert, pool := selfSigned(t)
	target := echoServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})
	url := relayServer(t, &RelayHandler{Allow: allowAll})

	relay := &Relay{URL: url, Target: target, Security: TLS, RootCAs: pool}
	conn, err := relay.Dial(context.Background())
	require.NoError(t, err)
	_, ok := conn.(*tls.Conn)
	assert.True(t, ok)
	assert.Equal(t, "echo: hello", roundTrip(t, conn, "hello"))
	assert.NoError(t, Shutdown(conn))

	t.Run("untrusted certificate", func(t *testing.T) {
		relay := &Relay{URL: url, Target: target, Security: TLS, RootCAs: x509.NewCertPool()}
		_, err := relay.Dial(context.Background())
		assert.ErrorIs(t, err, model.ErrConnection)
	})
}

func TestRelayRefused(t *testing.T) {
	target := echoServer(t, nil)
	url := relayServer(t, &RelayHandler{Allow: func(string) bool { return false }})

	_, err := (&Relay{URL: url, Target: target}).Dial(context.Background())
	var cerr *model.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "relay", cerr.Op)
	assert.Contains(t, err.Error(), "403")
}

func TestRelayUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target, _ := ParseTarget(ln.Addr().String())
	_ = ln.Close()

	_, err = (&Relay{URL: relayServer(t, &RelayHandler{Allow: allowAll, DialTimeout: time.Second}), Target: target}).Dial(context.Background())
	assert.ErrorIs(t, err, model.ErrConnection)
}

func TestRelayHandlerBadTarget(t *testing.T) {
	srv := httptest.NewServer(&RelayHandler{})
	defer srv.Close()
	for _, q := range []string{"", "?target=nohost", "?target=host:notaport"} {
		resp, err := http.Get(srv.URL + q)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestRelayHandlerDefaultAllow(t *testing.T) {
	srv := httptest.NewServer(&RelayHandler{})
	defer srv.Close()
	for _, target := range []string{"127.0.0.1:25", "127.0.0.1:8080", "internal.example:6379"} {
		resp, err := http.Get(srv.URL + "?target=" + target)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, target)
	}

	// the echo server listens on a random port, so the default refuses it
	target := echoServer(t, nil)
	_, err := (&Relay{URL: relayServer(t, &RelayHandler{}), Target: target}).Dial(context.Background())
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.Contains(t, err.Error(), "403")
}

func TestIMAPPorts(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"imap.example.com:993", true},
		{"imap.example.com:143", true},
		{"[::1]:993", true},
		{"imap.example.com:25", false},
		{"imap.example.com:9930", false},
		{"imap.example.com", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IMAPPorts(tc.target), tc.target)
	}
}

func TestRelayPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("* BYE\r\n"))
		_ = conn.Close()
	}()
	target, _ := ParseTarget(ln.Addr().String())

	conn, err := (&Relay{URL: relayServer(t, &RelayHandler{Allow: allowAll}), Target: target}).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "* BYE\r\n", line)
	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestDirect(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		d := &Direct{Target: echoServer(t, nil), Timeout: time.Second}
		conn, err := d.Dial(context.Background())
		require.NoError(t, err)
		defer Shutdown(conn)
		assert.Equal(t, "echo: ping", roundTrip(t, conn, "ping"))
	})

	t.Run("tls skip verify", func(t *testing.T) {
		cert, _ := selfSigned(t)
		target := echoServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})
		d := &Direct{Target: target, Security: TLS, SkipVerify: true}
		conn, err := d.Dial(context.Background())
		require.NoError(t, err)
		defer Shutdown(conn)
		assert.Equal(t, "echo: ping", roundTrip(t, conn, "ping"))
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		target, _ := ParseTarget(ln.Addr().String())
		_ = ln.Close()
		_, err = (&Direct{Target: target}).Dial(context.Background())
		assert.ErrorIs(t, err, model.ErrConnection)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := (&Direct{Target: Target{Host: "127.0.0.1", Port: 1}}).Dial(ctx)
		assert.ErrorIs(t, err, model.ErrConnection)
	})
}

func TestParseTarget(t *testing.T) {
	target, err := ParseTarget("imap.example.com:993")
	require.NoError(t, err)
	assert.Equal(t, Target{Host: "imap.example.com", Port: 993}, target)
	assert.Equal(t, "imap.example.com:993", target.String())

	for _, s := range []string{"", "imap.example.com", ":993", "host:0", "host:70000"} {
		_, err := ParseTarget(s)
		assert.ErrorIs(t, err, model.ErrInvalidData, s)
	}
}

func TestSecurityUnmarshalText(t *testing.T) {
	var s Security
	require.NoError(t, s.UnmarshalText([]byte("TLS")))
	assert.Equal(t, TLS, s)
	require.NoError(t, s.UnmarshalText([]byte("plain")))
	assert.Equal(t, Plain, s)
	assert.ErrorIs(t, s.UnmarshalText([]byte("starttls")), model.ErrInvalidData)
}
