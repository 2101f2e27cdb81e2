package tunnel

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mailiner/go-imap/internal/logging"
	"github.com/mailiner/go-imap/model"
)

// TargetParam is the query parameter naming the host:port the relay should
// connect to.
const TargetParam = "target"

// Relay reaches the target through a WebSocket relay. Bytes written to the
// returned stream are forwarded verbatim to the target's TCP socket and back.
type Relay struct {
	// URL of the relay endpoint, ws:// or wss://.
	URL      string
	Target   Target
	Security Security
	RootCAs  *x509.CertPool
	// Header is sent with the upgrade request.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial implements model.Transport.
func (r *Relay) Dial(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, &model.ConnectionError{Op: "relay", Err: err}
	}
	q := u.Query()
	q.Set(TargetParam, r.Target.Addr())
	u.RawQuery = q.Encode()

	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), r.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (relay answered %s)", err, resp.Status)
		}
		return nil, &model.ConnectionError{Op: "relay", Err: err}
	}
	logging.Get().Debug("relay stream open", "relay", u.Host, "target", r.Target.Addr(), "security", r.Security.String())

	conn := newWSConn(ws)
	if r.Security == TLS {
		return secure(ctx, conn, r.Target.Host, r.RootCAs, false)
	}
	return conn, nil
}

// RelayHandler is the server side of Relay: it upgrades the request, dials
// the requested target and copies bytes both ways until either side closes.
type RelayHandler struct {
	// Allow decides whether a target may be reached. Nil means IMAPPorts.
	Allow func(target string) bool
	// DialTimeout bounds the upstream dial. Zero means 10 seconds.
	DialTimeout time.Duration
	// CheckOrigin is passed to the upgrader.
	CheckOrigin func(r *http.Request) bool
}

func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	log := logging.Get().WithAttrs("module", "relay", "remote", req.RemoteAddr)

	target := req.URL.Query().Get(TargetParam)
	if _, err := ParseTarget(target); err != nil {
		http.Error(w, "bad target", http.StatusBadRequest)
		return
	}
	allow := h.Allow
	if allow == nil {
		allow = IMAPPorts
	}
	if !allow(target) {
		log.Warn("target refused", "target", target)
		http.Error(w, "target not allowed", http.StatusForbidden)
		return
	}

	timeout := h.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	upstream, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		log.Warn("upstream dial failed", "target", target, "error", err)
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		_ = upstream.Close()
		return
	}
	log.Debug("relaying", "target", target)
	pipe(newWSConn(ws), upstream)
}

// IMAPPorts allows any host on the standard IMAP ports, 143 and 993.
func IMAPPorts(target string) bool {
	t, err := ParseTarget(target)
	return err == nil && (t.Port == 143 || t.Port == 993)
}

// pipe copies in both directions and closes both ends once either direction
// finishes.
func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
