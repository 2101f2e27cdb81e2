package imap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mailiner/go-imap/model"
)

const (
	// maxLiteral bounds a single literal read from the server.
	maxLiteral = 256 << 20
	// maxLine bounds the text of a response line outside its literals.
	maxLine = 1 << 20
)

// command is an outgoing command split into the chunks that are sent after
// each continuation request. A chunk boundary follows every synchronizing
// literal announcement and precedes every SASL response line.
type command struct {
	name   string
	chunks []string
	cur    strings.Builder
}

func newCommand(name string) *command {
	c := &command{name: name}
	c.cur.WriteString(name)
	return c
}

// atom appends s verbatim.
func (c *command) atom(s string) *command {
	c.cur.WriteByte(' ')
	c.cur.WriteString(s)
	return c
}

// astring appends s quoted, or as a literal when quoting cannot carry it.
func (c *command) astring(s string) *command {
	c.cur.WriteByte(' ')
	if !needsLiteral(s) {
		c.cur.WriteString(quote(s))
		return c
	}
	lit := MakeIMAPLiteral(s)
	i := strings.Index(lit, nl)
	c.cur.WriteString(lit[:i])
	c.flush()
	c.cur.WriteString(lit[i+len(nl):])
	return c
}

// response appends a line sent in answer to a continuation request.
func (c *command) response(s string) *command {
	c.flush()
	c.cur.WriteString(s)
	return c
}

func (c *command) flush() {
	c.chunks = append(c.chunks, c.cur.String()+nl)
	c.cur.Reset()
}

func (c *command) build() []string {
	c.flush()
	return c.chunks
}

// exec runs one exchange: it sends cmd and reads until the matching tagged
// completion. Untagged lines are passed to handle; a handle error does not
// stop reading and is returned once the completion arrives. The text of a
// tagged OK is returned. The caller holds s.mu.
func (s *Session) exec(ctx context.Context, cmd *command, handle func(line []byte) error) (string, error) {
	if s.conn == nil {
		return "", &model.ConnectionError{Op: cmd.name, Err: errNotConnected}
	}
	if CommandTimeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, CommandTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", s.fail(ctx, cmd.name, err)
	}

	tag := s.tags.Next()
	chunks := cmd.build()
	chunks[0] = tag + " " + chunks[0]
	if Verbose {
		for _, c := range chunks {
			s.debugLog("sending command", "command", s.redact(strings.TrimSpace(c)))
		}
	}

	stop := s.watch(ctx)
	defer stop()

	// The writer runs beside the reader so a server that answers before it
	// has read the whole command cannot deadlock the exchange.
	conn := s.conn
	proceed := make(chan struct{})
	written := make(chan error, 1)
	go func() {
		for i, c := range chunks {
			if i > 0 {
				if _, ok := <-proceed; !ok {
					written <- nil
					return
				}
			}
			if _, err := io.WriteString(conn, c); err != nil {
				_ = conn.Close()
				written <- err
				return
			}
		}
		written <- nil
	}()

	var (
		writerDone bool
		writeErr   error
	)
	waitWriter := func() error {
		if !writerDone {
			writeErr = <-written
			writerDone = true
		}
		return writeErr
	}
	defer func() {
		close(proceed)
		_ = waitWriter()
	}()

	sent := 1
	prefix := []byte(tag + " ")
	var handleErr error
	for {
		line, err := s.readLine()
		if err != nil {
			return "", s.fail(ctx, cmd.name, err)
		}
		if Verbose && !SkipResponses {
			s.debugLog("server response", "response", s.redact(string(line)))
		}

		switch {
		case len(line) > 0 && line[0] == '+':
			if sent < len(chunks) {
				select {
				case proceed <- struct{}{}:
					sent++
				case err := <-written:
					writerDone, writeErr = true, err
					return "", s.fail(ctx, cmd.name, err)
				}
				continue
			}
			// A challenge nothing was prepared for, such as an XOAUTH2
			// error report: answer empty so the server completes.
			if err := waitWriter(); err != nil {
				return "", s.fail(ctx, cmd.name, err)
			}
			if _, err := io.WriteString(conn, nl); err != nil {
				return "", s.fail(ctx, cmd.name, err)
			}

		case bytes.HasPrefix(line, prefix):
			status, text := splitStatus(string(line[len(prefix):]))
			switch status {
			case "OK":
				return text, handleErr
			case "NO", "BAD":
				return "", &model.ProtocolError{Command: cmd.name, Status: status, Text: text}
			}
			return "", s.fail(ctx, cmd.name, fmt.Errorf("%w: bad completion %q", model.ErrInvalidFormat, line))

		case bytes.HasPrefix(line, []byte("* ")):
			if handle != nil && handleErr == nil {
				handleErr = handle(line)
			}

		default:
			s.warnLog("ignoring unexpected response line", "line", s.redact(string(line)))
		}
	}
}

func splitStatus(s string) (status, text string) {
	status, text, _ = strings.Cut(s, " ")
	return strings.ToUpper(status), text
}

// readLine reads one response line with any literals it announces.
func (s *Session) readLine() ([]byte, error) {
	line, err := s.readText(nil)
	if err != nil {
		return nil, err
	}
	for {
		a := literalSuffix.Find(dropNl(line))
		if a == nil {
			break
		}
		n, err := strconv.Atoi(string(a[1 : len(a)-1]))
		if err != nil || n > maxLiteral {
			return nil, fmt.Errorf("%w: literal size %s", model.ErrInvalidFormat, a)
		}
		buf := make([]byte, n)
		if _, err = io.ReadFull(s.r, buf); err != nil {
			return nil, err
		}
		line = append(line, buf...)

		if line, err = s.readText(line); err != nil {
			return nil, err
		}
	}
	return dropNl(line), nil
}

// readText appends text up to and including the next LF to line. The text
// may not exceed maxLine bytes.
func (s *Session) readText(line []byte) ([]byte, error) {
	start := len(line)
	for {
		chunk, err := s.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line)-start > maxLine {
			return nil, fmt.Errorf("%w: response line exceeds %d bytes", model.ErrInvalidFormat, maxLine)
		}
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, err
		}
	}
}

// watch interrupts blocked I/O on the stream when ctx ends. The returned
// func stops watching.
func (s *Session) watch(ctx context.Context) func() {
	conn := s.conn
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
		close(fired)
	})
	return func() {
		if !stop() {
			<-fired
			_ = conn.SetDeadline(time.Time{})
		}
	}
}

// redact hides credentials in log output.
func (s *Session) redact(text string) string {
	for _, secret := range s.secrets {
		if secret != "" {
			text = strings.ReplaceAll(text, secret, "****")
		}
	}
	return text
}
