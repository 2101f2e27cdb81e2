package imap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/xid"

	"github.com/mailiner/go-imap/model"
)

// State is the protocol state of a Session.
type State uint8

const (
	StateDisconnected State = iota
	StateUnauthenticated
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	}
	return "unknown"
}

var errNotConnected = errors.New("session is not connected")

// TagGenerator produces command tags. Tags must be unique within a session;
// Next is only called with the session lock held.
type TagGenerator interface {
	Next() string
}

type sequentialTags struct {
	prefix string
	n      uint64
}

func (g *sequentialTags) Next() string {
	g.n++
	return fmt.Sprintf("%s%04d", g.prefix, g.n)
}

// SequentialTags returns a generator producing prefix0001, prefix0002, ...
func SequentialTags(prefix string) TagGenerator {
	return &sequentialTags{prefix: prefix}
}

type xidTags struct{}

func (xidTags) Next() string { return strings.ToUpper(xid.New().String()) }

// XIDTags returns a generator of globally unique, time-ordered tags: 20
// uppercase base32hex characters.
func XIDTags() TagGenerator { return xidTags{} }

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithTags sets the tag generator. The default is SequentialTags("A").
func WithTags(g TagGenerator) SessionOption {
	return func(s *Session) { s.tags = g }
}

// Session is one IMAP conversation over a Transport. Every command is a
// single exchange: the tagged command is sent and all responses up to its
// tagged completion are read before the next command may start.
type Session struct {
	mu sync.Mutex

	id      string
	conn    net.Conn
	r       *bufio.Reader
	tags    TagGenerator
	state   State
	mailbox string
	status  *model.MailboxStatus
	secrets []string
}

// NewSession returns a disconnected session.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		id:   xid.New().String(),
		tags: SequentialTags("A"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mailbox returns the selected mailbox, or "" when none is selected.
func (s *Session) Mailbox() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailbox
}

// Status returns a copy of the status of the selected mailbox, or nil.
func (s *Session) Status() *model.MailboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil
	}
	st := *s.status
	return &st
}

// Connect opens the transport and reads the server greeting.
func (s *Session) Connect(ctx context.Context, t model.Transport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return &model.StateError{Op: "connect", State: s.state.String()}
	}

	conn, err := t.Dial(ctx)
	if err != nil {
		var cerr *model.ConnectionError
		if errors.As(err, &cerr) {
			return err
		}
		return &model.ConnectionError{Op: "connect", Err: err}
	}
	s.conn = conn
	s.r = bufio.NewReader(conn)
	s.state = StateUnauthenticated
	s.debugLog("connection established", "remote", conn.RemoteAddr().String())

	stop := s.watch(ctx)
	line, err := s.readLine()
	stop()
	if err != nil {
		return s.fail(ctx, "greeting", err)
	}

	switch {
	case hasStatus(line, "* OK"):
		s.state = StateUnauthenticated
	case hasStatus(line, "* PREAUTH"):
		s.state = StateAuthenticated
	case hasStatus(line, "* BYE"):
		return s.fail(ctx, "greeting", fmt.Errorf("server refused connection: %s", line))
	default:
		return s.fail(ctx, "greeting", fmt.Errorf("%w: unexpected greeting %q", model.ErrInvalidFormat, line))
	}
	return nil
}

func hasStatus(line []byte, prefix string) bool {
	if len(line) < len(prefix) || !strings.EqualFold(string(line[:len(prefix)]), prefix) {
		return false
	}
	return len(line) == len(prefix) || line[len(prefix)] == ' '
}

// Logout ends the session from any state. A dead stream is not an error.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	_, err := s.exec(ctx, newCommand("LOGOUT"), nil)
	s.close()
	var perr *model.ProtocolError
	if errors.As(err, &perr) {
		return err
	}
	return nil
}

// require checks the session is in one of the given states. Any call on a
// disconnected session is a connection error.
func (s *Session) require(op string, states ...State) error {
	if s.state == StateDisconnected {
		return &model.ConnectionError{Op: op, Err: errNotConnected}
	}
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return &model.StateError{Op: op, State: s.state.String()}
}

// close drops the stream and resets to Disconnected.
func (s *Session) close() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	s.r = nil
	s.state = StateDisconnected
	s.mailbox = ""
	s.status = nil
	s.secrets = nil
}

// fail breaks the session after a transport error or cancellation.
func (s *Session) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	s.warnLog("session broken", "op", op, "error", err)
	s.close()
	return &model.ConnectionError{Op: op, Err: err}
}
