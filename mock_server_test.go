package imap

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailiner/go-imap/tunnel"
)

// mockMessage is a message held by the mock server. Raw, when set, replaces
// the generated FETCH item list.
type mockMessage struct {
	UID       uint32
	Flags     []string
	Header    string
	Structure string
	Sections  map[string]string
	Raw       string
}

// mockIMAPServer is a scripted IMAP server for testing. It keeps a small
// mailbox store and records every command it receives.
type mockIMAPServer struct {
	listener     net.Listener
	address      string
	authAttempts int32
	dials        int32
	validUser    string
	validPass    string

	mu        sync.Mutex
	greeting  string
	failAuth  bool
	stallOn   string
	hangupOn  string
	order     []string
	mailboxes map[string][]*mockMessage
	commands  []string
	tags      []string
}

func newMockIMAPServer(t *testing.T, validUser, validPass string) *mockIMAPServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return startMockServer(t, listener, validUser, validPass)
}

func newTLSMockIMAPServer(t *testing.T, validUser, validPass string) *mockIMAPServer {
	t.Helper()
	cert, err := generateSelfSignedCertificate()
	if err != nil {
		t.Fatalf("failed to generate certificate: %v", err)
	}
	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		t.Fatalf("failed to create TLS listener: %v", err)
	}
	return startMockServer(t, listener, validUser, validPass)
}

func startMockServer(t *testing.T, listener net.Listener, validUser, validPass string) *mockIMAPServer {
	server := &mockIMAPServer{
		listener:  listener,
		address:   listener.Addr().String(),
		validUser: validUser,
		validPass: validPass,
		greeting:  "* OK IMAP4rev1 Mock Server Ready",
		mailboxes: make(map[string][]*mockMessage),
	}
	server.addMailbox("INBOX")
	go server.serve()
	t.Cleanup(server.Close)
	return server
}

func (s *mockIMAPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&s.dials, 1)
		go s.handleConnection(conn)
	}
}

func (s *mockIMAPServer) addMailbox(name string, msgs ...*mockMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[name]; !ok {
		s.order = append(s.order, name)
	}
	s.mailboxes[name] = append(s.mailboxes[name], msgs...)
}

func (s *mockIMAPServer) set(fn func(s *mockIMAPServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// readCommand reads one command line, answering each synchronizing literal
// with a continuation. Literal bytes stay inline after their "{n}\r\n".
func readCommand(r *bufio.Reader, w *bufio.Writer) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	for {
		a := literalSuffix.FindString(strings.TrimRight(line, "\r\n"))
		if a == "" {
			break
		}
		n, _ := strconv.Atoi(a[1 : len(a)-1])
		w.WriteString("+ Ready for literal data\r\n")
		w.Flush()
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		rest, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line += string(buf) + rest
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *mockIMAPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	s.mu.Lock()
	greeting := s.greeting
	s.mu.Unlock()
	writer.WriteString(greeting + "\r\n")
	writer.Flush()
	if strings.HasPrefix(greeting, "* BYE") {
		return
	}

	var selected string
	for {
		line, err := readCommand(reader, writer)
		if err != nil {
			return
		}
		tag, rest, _ := strings.Cut(line, " ")
		command, args, _ := strings.Cut(rest, " ")
		command = strings.ToUpper(command)
		if command == "UID" {
			var sub string
			sub, args, _ = strings.Cut(args, " ")
			command += " " + strings.ToUpper(sub)
		}

		s.mu.Lock()
		s.commands = append(s.commands, command)
		s.tags = append(s.tags, tag)
		stall, hangup := s.stallOn == command, s.hangupOn == command
		s.mu.Unlock()

		if hangup {
			return
		}
		if stall {
			_, _ = io.Copy(io.Discard, reader)
			return
		}

		tokens, err := parseTokens(args)
		if err != nil {
			fmt.Fprintf(writer, "%s BAD %v\r\n", tag, err)
			writer.Flush()
			continue
		}

		switch command {
		case "LOGIN":
			atomic.AddInt32(&s.authAttempts, 1)
			if len(tokens) != 2 {
				fmt.Fprintf(writer, "%s BAD Invalid LOGIN command\r\n", tag)
			} else if s.checkAuth(tokens[0].Str, tokens[1].Str) {
				fmt.Fprintf(writer, "%s OK LOGIN completed\r\n", tag)
			} else {
				fmt.Fprintf(writer, "%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag)
			}

		case "AUTHENTICATE":
			atomic.AddInt32(&s.authAttempts, 1)
			if !s.authenticate(tag, tokens, reader, writer) {
				return
			}

		case "LIST":
			s.mu.Lock()
			for _, name := range s.order {
				fmt.Fprintf(writer, "* LIST (\\HasNoChildren) \"/\" %s\r\n", quote(name))
			}
			s.mu.Unlock()
			fmt.Fprintf(writer, "%s OK LIST completed\r\n", tag)

		case "SELECT":
			name := tokens[0].Str
			s.mu.Lock()
			msgs, ok := s.mailboxes[name]
			s.mu.Unlock()
			if !ok {
				fmt.Fprintf(writer, "%s NO [NONEXISTENT] Unknown mailbox\r\n", tag)
				break
			}
			selected = name
			var next uint32 = 1
			for _, m := range msgs {
				if m.UID >= next {
					next = m.UID + 1
				}
			}
			fmt.Fprintf(writer, "* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n")
			fmt.Fprintf(writer, "* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted.\r\n")
			fmt.Fprintf(writer, "* %d EXISTS\r\n", len(msgs))
			fmt.Fprintf(writer, "* 0 RECENT\r\n")
			fmt.Fprintf(writer, "* OK [UIDVALIDITY 42] UIDs valid\r\n")
			fmt.Fprintf(writer, "* OK [UIDNEXT %d] Predicted next UID\r\n", next)
			fmt.Fprintf(writer, "%s OK [READ-WRITE] SELECT completed\r\n", tag)

		case "CREATE":
			name := tokens[0].Str
			s.mu.Lock()
			_, exists := s.mailboxes[name]
			s.mu.Unlock()
			if exists {
				fmt.Fprintf(writer, "%s NO [ALREADYEXISTS] Mailbox exists\r\n", tag)
				break
			}
			s.addMailbox(name)
			fmt.Fprintf(writer, "%s OK CREATE completed\r\n", tag)

		case "DELETE":
			name := tokens[0].Str
			s.mu.Lock()
			_, exists := s.mailboxes[name]
			if exists {
				delete(s.mailboxes, name)
				for i, n := range s.order {
					if n == name {
						s.order = append(s.order[:i], s.order[i+1:]...)
						break
					}
				}
			}
			s.mu.Unlock()
			if !exists {
				fmt.Fprintf(writer, "%s NO [NONEXISTENT] Unknown mailbox\r\n", tag)
				break
			}
			fmt.Fprintf(writer, "%s OK DELETE completed\r\n", tag)

		case "FETCH", "UID FETCH":
			s.fetch(writer, selected, command == "UID FETCH", tokens)
			fmt.Fprintf(writer, "%s OK FETCH completed\r\n", tag)

		case "UID STORE":
			if err := s.store(writer, selected, tokens); err != nil {
				fmt.Fprintf(writer, "%s BAD %v\r\n", tag, err)
				break
			}
			fmt.Fprintf(writer, "%s OK STORE completed\r\n", tag)

		case "LOGOUT":
			writer.WriteString("* BYE IMAP4rev1 Server logging out\r\n")
			fmt.Fprintf(writer, "%s OK LOGOUT completed\r\n", tag)
			writer.Flush()
			return

		default:
			fmt.Fprintf(writer, "%s OK %s completed\r\n", tag, command)
		}

		writer.Flush()
	}
}

func (s *mockIMAPServer) checkAuth(user, pass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.failAuth && user == s.validUser && pass == s.validPass
}

// authenticate runs PLAIN and XOAUTH2. It returns false when the
// connection should be dropped.
func (s *mockIMAPServer) authenticate(tag string, tokens []*Token, r *bufio.Reader, w *bufio.Writer) bool {
	if len(tokens) == 0 {
		fmt.Fprintf(w, "%s BAD Missing mechanism\r\n", tag)
		return true
	}
	switch strings.ToUpper(tokens[0].Str) {
	case "PLAIN":
		w.WriteString("+ \r\n")
		w.Flush()
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		raw, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
		parts := strings.Split(string(raw), "\x00")
		if len(parts) == 3 && s.checkAuth(parts[1], parts[2]) {
			fmt.Fprintf(w, "%s OK AUTHENTICATE completed\r\n", tag)
		} else {
			fmt.Fprintf(w, "%s NO [AUTHENTICATIONFAILED] Authentication failed\r\n", tag)
		}

	case "XOAUTH2":
		ok := false
		if len(tokens) == 2 {
			raw, _ := base64.StdEncoding.DecodeString(tokens[1].Str)
			var user, token string
			for _, field := range strings.Split(string(raw), "\x01") {
				if v, found := strings.CutPrefix(field, "user="); found {
					user = v
				}
				if v, found := strings.CutPrefix(field, "auth=Bearer "); found {
					token = v
				}
			}
			ok = s.checkAuth(user, token)
		}
		if !ok {
			// Error details come as a challenge the client must answer.
			w.WriteString("+ eyJzdGF0dXMiOiI0MDEiLCJzY2hlbWVzIjoiQmVhcmVyIn0=\r\n")
			w.Flush()
			if _, err := r.ReadString('\n'); err != nil {
				return false
			}
			fmt.Fprintf(w, "%s NO [AUTHENTICATIONFAILED] Invalid credentials\r\n", tag)
			break
		}
		fmt.Fprintf(w, "%s OK AUTHENTICATE completed\r\n", tag)

	default:
		fmt.Fprintf(w, "%s NO Unsupported mechanism\r\n", tag)
	}
	return true
}

// inSet reports whether n is in an IMAP sequence set; * stands for max.
func inSet(set string, n, max uint32) bool {
	num := func(s string) uint32 {
		if s == "*" {
			return max
		}
		v, _ := strconv.ParseUint(s, 10, 32)
		return uint32(v)
	}
	for _, r := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(r, ":")
		if !isRange {
			hi = lo
		}
		a, b := num(lo), num(hi)
		if a > b {
			a, b = b, a
		}
		if n >= a && n <= b {
			return true
		}
	}
	return false
}

func (s *mockIMAPServer) fetch(w *bufio.Writer, mailbox string, byUID bool, tokens []*Token) {
	if len(tokens) != 2 || tokens[1].Type != TContainer {
		return
	}
	set := tokens[0].Str

	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.mailboxes[mailbox]
	var maxUID uint32
	for _, m := range msgs {
		if m.UID > maxUID {
			maxUID = m.UID
		}
	}

	for i, m := range msgs {
		seq := uint32(i + 1)
		if byUID && !inSet(set, m.UID, maxUID) || !byUID && !inSet(set, seq, uint32(len(msgs))) {
			continue
		}
		if m.Raw != "" {
			fmt.Fprintf(w, "* %d FETCH (%s)\r\n", seq, m.Raw)
			continue
		}
		items := make([]string, 0, len(tokens[1].Tokens))
		for _, item := range tokens[1].Tokens {
			key := strings.ToUpper(item.Str)
			switch {
			case key == "UID":
				items = append(items, fmt.Sprintf("UID %d", m.UID))
			case key == "FLAGS":
				items = append(items, "FLAGS ("+strings.Join(m.Flags, " ")+")")
			case key == "RFC822.HEADER":
				items = append(items, "RFC822.HEADER "+MakeIMAPLiteral(m.Header))
			case key == "BODYSTRUCTURE":
				items = append(items, "BODYSTRUCTURE "+m.Structure)
			case strings.HasPrefix(key, "BODY.PEEK["):
				section := strings.TrimSuffix(strings.TrimPrefix(item.Str, "BODY.PEEK["), "]")
				if body, ok := m.Sections[section]; ok {
					items = append(items, "BODY["+section+"] "+MakeIMAPLiteral(body))
				}
			}
		}
		fmt.Fprintf(w, "* %d FETCH (%s)\r\n", seq, strings.Join(items, " "))
	}
}

func (s *mockIMAPServer) store(w *bufio.Writer, mailbox string, tokens []*Token) error {
	if len(tokens) != 3 || tokens[2].Type != TContainer {
		return fmt.Errorf("bad STORE arguments")
	}
	uid := uint32(tokens[0].Num)
	op := strings.ToUpper(tokens[1].Str)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mailboxes[mailbox] {
		if m.UID != uid {
			continue
		}
		for _, f := range tokens[2].Tokens {
			has := -1
			for j, cur := range m.Flags {
				if strings.EqualFold(cur, f.Str) {
					has = j
				}
			}
			switch {
			case op == "+FLAGS" && has < 0:
				m.Flags = append(m.Flags, f.Str)
			case op == "-FLAGS" && has >= 0:
				m.Flags = append(m.Flags[:has], m.Flags[has+1:]...)
			}
		}
		fmt.Fprintf(w, "* %d FETCH (UID %d FLAGS (%s))\r\n", i+1, m.UID, strings.Join(m.Flags, " "))
	}
	return nil
}

func (s *mockIMAPServer) flags(mailbox string, uid uint32) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes[mailbox] {
		if m.UID == uid {
			return append([]string(nil), m.Flags...)
		}
	}
	return nil
}

// Commands returns the command names received so far, UID prefix included.
func (s *mockIMAPServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Tags returns every command tag received so far.
func (s *mockIMAPServer) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tags...)
}

func (s *mockIMAPServer) countCommand(name string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == name {
			n++
		}
	}
	return n
}

func (s *mockIMAPServer) GetAuthAttempts() int {
	return int(atomic.LoadInt32(&s.authAttempts))
}

func (s *mockIMAPServer) ResetAuthAttempts() {
	atomic.StoreInt32(&s.authAttempts, 0)
}

func (s *mockIMAPServer) Close() {
	s.listener.Close()
}

func (s *mockIMAPServer) GetHost() string {
	host, _, _ := net.SplitHostPort(s.address)
	return host
}

func (s *mockIMAPServer) GetPort() int {
	_, portStr, _ := net.SplitHostPort(s.address)
	port, _ := strconv.Atoi(portStr)
	return port
}

func (s *mockIMAPServer) target() tunnel.Target {
	return tunnel.Target{Host: s.GetHost(), Port: s.GetPort()}
}

// Direct returns a plain TCP transport to the server.
func (s *mockIMAPServer) Direct() *tunnel.Direct {
	return &tunnel.Direct{Target: s.target(), Security: tunnel.Plain, Timeout: 5 * time.Second}
}

// Relay starts a WebSocket relay and returns a transport reaching the
// server through it.
func (s *mockIMAPServer) Relay(t *testing.T) *tunnel.Relay {
	t.Helper()
	// the mock listens on a random port, outside the relay's default
	relay := httptest.NewServer(&tunnel.RelayHandler{Allow: func(string) bool { return true }})
	t.Cleanup(relay.Close)
	return &tunnel.Relay{
		URL:    "ws" + strings.TrimPrefix(relay.URL, "http"),
		Target: s.target(),
	}
}

// generateSelfSignedCertificate generates a self-signed certificate for testing
func generateSelfSignedCertificate() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Co"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
