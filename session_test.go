package imap

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailiner/go-imap/model"
)

func connectSession(t *testing.T, server *mockIMAPServer, opts ...SessionOption) *Session {
	t.Helper()
	sess := NewSession(opts...)
	require.NoError(t, sess.Connect(context.Background(), server.Direct()))
	t.Cleanup(func() { _ = sess.Logout(context.Background()) })
	return sess
}

func loginSession(t *testing.T, server *mockIMAPServer, opts ...SessionOption) *Session {
	t.Helper()
	sess := connectSession(t, server, opts...)
	require.NoError(t, sess.Authenticate(context.Background(), model.Credentials{
		Username: server.validUser,
		Secret:   server.validPass,
	}))
	return sess
}

func TestSessionGreeting(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		sess := connectSession(t, server)
		assert.Equal(t, StateUnauthenticated, sess.State())
	})

	t.Run("PREAUTH", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		server.set(func(s *mockIMAPServer) { s.greeting = "* PREAUTH welcome back" })
		sess := connectSession(t, server)
		assert.Equal(t, StateAuthenticated, sess.State())

		_, err := sess.List(context.Background())
		assert.NoError(t, err)
	})

	t.Run("BYE", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		server.set(func(s *mockIMAPServer) { s.greeting = "* BYE too busy" })
		sess := NewSession()
		err := sess.Connect(context.Background(), server.Direct())
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrConnection)
		assert.Equal(t, StateDisconnected, sess.State())
	})
}

func TestSessionConnectTwice(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	sess := connectSession(t, server)

	err := sess.Connect(context.Background(), server.Direct())
	assert.ErrorIs(t, err, model.ErrState)
	assert.Equal(t, StateUnauthenticated, sess.State())
}

func TestSessionStateRules(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")

	sess := NewSession()
	_, err := sess.List(ctx)
	assert.ErrorIs(t, err, model.ErrConnection, "list before connect")

	require.NoError(t, sess.Connect(ctx, server.Direct()))
	_, err = sess.Select(ctx, "INBOX")
	assert.ErrorIs(t, err, model.ErrState, "select before authenticate")
	_, err = sess.Fetch(ctx, "1:*", true, "UID")
	assert.ErrorIs(t, err, model.ErrState, "fetch before authenticate")

	require.NoError(t, sess.Authenticate(ctx, model.Credentials{Username: "user", Secret: "pass"}))
	err = sess.Authenticate(ctx, model.Credentials{Username: "user", Secret: "pass"})
	assert.ErrorIs(t, err, model.ErrState, "authenticate twice")
	_, err = sess.Fetch(ctx, "1:*", true, "UID")
	assert.ErrorIs(t, err, model.ErrState, "fetch before select")
	assert.ErrorIs(t, sess.Store(ctx, 1, true, []string{FlagSeen}), model.ErrState, "store before select")

	_, err = sess.Select(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, StateSelected, sess.State())
	assert.Equal(t, "INBOX", sess.Mailbox())

	require.NoError(t, sess.Logout(ctx))
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Nil(t, sess.Status())

	_, err = sess.Select(ctx, "INBOX")
	assert.ErrorIs(t, err, model.ErrConnection, "select after logout")
	assert.NoError(t, sess.Logout(ctx), "logout is idempotent")
}

func TestSessionAuthenticate(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user@example.com", "pässwörd \"quoted\"")

	for _, mech := range []model.Mechanism{model.MechanismLogin, model.MechanismPlain, model.MechanismXOAuth2} {
		t.Run(mech.String(), func(t *testing.T) {
			sess := connectSession(t, server)
			err := sess.Authenticate(ctx, model.Credentials{
				Username:  "user@example.com",
				Secret:    "pässwörd \"quoted\"",
				Mechanism: mech,
			})
			require.NoError(t, err)
			assert.Equal(t, StateAuthenticated, sess.State())
		})
	}
}

func TestSessionAuthenticateFailure(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")

	for _, mech := range []model.Mechanism{model.MechanismLogin, model.MechanismPlain, model.MechanismXOAuth2} {
		t.Run(mech.String(), func(t *testing.T) {
			sess := connectSession(t, server)
			err := sess.Authenticate(ctx, model.Credentials{Username: "user", Secret: "wrong", Mechanism: mech})
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrProtocol)

			var perr *model.ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, "NO", perr.Status)
			assert.Equal(t, StateUnauthenticated, sess.State(), "session survives a rejected login")

			// The stream is still in step: a correct login works.
			require.NoError(t, sess.Authenticate(ctx, model.Credentials{Username: "user", Secret: "pass"}))
		})
	}
}

func TestSessionAuthenticateUnknownMechanism(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	sess := connectSession(t, server)
	err := sess.Authenticate(context.Background(), model.Credentials{Username: "user", Secret: "pass", Mechanism: 42})
	assert.ErrorIs(t, err, model.ErrInvalidData)
	assert.Zero(t, server.GetAuthAttempts())
}

func TestSessionSelect(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")
	server.addMailbox("INBOX", simpleMessage(7, "one"), simpleMessage(9, "two"))

	sess := loginSession(t, server)
	status, err := sess.Select(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", status.Name)
	assert.EqualValues(t, 2, status.Exists)
	assert.EqualValues(t, 0, status.Recent)
	assert.EqualValues(t, 42, status.UIDValidity)
	assert.EqualValues(t, 10, status.UIDNext)
	assert.Contains(t, status.Flags, `\Seen`)
	assert.Contains(t, status.PermanentFlags, `\*`)
	assert.False(t, status.ReadOnly)
	assert.Equal(t, status, sess.Status())

	t.Run("failed select keeps the selection", func(t *testing.T) {
		_, err := sess.Select(ctx, "Nope")
		assert.ErrorIs(t, err, model.ErrProtocol)
		assert.Equal(t, StateSelected, sess.State())
		assert.Equal(t, "INBOX", sess.Mailbox())
	})
}

func TestSessionDeleteSelected(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")
	server.addMailbox("Scratch")

	sess := loginSession(t, server)
	_, err := sess.Select(ctx, "Scratch")
	require.NoError(t, err)
	require.NoError(t, sess.Delete(ctx, "Scratch"))
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Empty(t, sess.Mailbox())
	assert.Nil(t, sess.Status())
}

func TestSessionCreateLiteralName(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")
	sess := loginSession(t, server)

	require.NoError(t, sess.Create(ctx, "Счета"))
	entries, err := sess.List(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
		assert.Equal(t, "/", e.Delimiter)
	}
	assert.Equal(t, []string{"INBOX", "Счета"}, names)
}

func TestSessionFetchAndStore(t *testing.T) {
	ctx := context.Background()
	server := newMockIMAPServer(t, "user", "pass")
	server.addMailbox("INBOX", simpleMessage(7, "one"))

	sess := loginSession(t, server)
	_, err := sess.Select(ctx, "INBOX")
	require.NoError(t, err)

	require.NoError(t, sess.Store(ctx, 7, true, []string{FlagSeen, FlagStarred}))
	require.NoError(t, sess.Store(ctx, 7, false, nil), "an empty flag list sends nothing")
	assert.Equal(t, 1, server.countCommand("UID STORE"))

	recs, err := sess.Fetch(ctx, "7", true, "UID FLAGS")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 7, recs[0].UID)
	assert.EqualValues(t, 1, recs[0].Seq)
	assert.ElementsMatch(t, []string{FlagSeen, FlagStarred}, recs[0].Flags)
	assert.NoError(t, recs[0].Err)
}

func TestSessionCancellation(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	server.set(func(s *mockIMAPServer) { s.stallOn = "LIST" })
	sess := loginSession(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sess.List(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, sess.State(), "a cancelled exchange breaks the session")
}

func TestSessionCancelledBeforeSend(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	sess := loginSession(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Zero(t, server.countCommand("LIST"))
}

func TestSessionCommandTimeout(t *testing.T) {
	original := CommandTimeout
	CommandTimeout = 100 * time.Millisecond
	defer func() { CommandTimeout = original }()

	server := newMockIMAPServer(t, "user", "pass")
	server.set(func(s *mockIMAPServer) { s.stallOn = "SELECT" })
	sess := loginSession(t, server)

	_, err := sess.Select(context.Background(), "INBOX")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSessionServerHangup(t *testing.T) {
	server := newMockIMAPServer(t, "user", "pass")
	server.set(func(s *mockIMAPServer) { s.hangupOn = "SELECT" })
	sess := loginSession(t, server)

	_, err := sess.Select(context.Background(), "INBOX")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.Equal(t, StateDisconnected, sess.State())

	_, err = sess.List(context.Background())
	assert.ErrorIs(t, err, model.ErrConnection)
}

func TestSessionLineTooLong(t *testing.T) {
	t.Run("greeting", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		server.set(func(s *mockIMAPServer) { s.greeting = "* OK " + strings.Repeat("x", maxLine) })
		sess := NewSession()
		err := sess.Connect(context.Background(), server.Direct())
		assert.ErrorIs(t, err, model.ErrConnection)
		assert.ErrorIs(t, err, model.ErrInvalidFormat)
		assert.Equal(t, StateDisconnected, sess.State())
	})

	t.Run("after literal", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		server.addMailbox("INBOX", &mockMessage{
			UID: 7,
			Raw: "UID 7 RFC822.HEADER " + MakeIMAPLiteral("Subject: x\r\n\r\n") + " X-PAD " + strings.Repeat("y", maxLine),
		})
		sess := loginSession(t, server)
		_, err := sess.Select(context.Background(), "INBOX")
		require.NoError(t, err)

		_, err = sess.Fetch(context.Background(), "7", true, "UID RFC822.HEADER")
		assert.ErrorIs(t, err, model.ErrConnection)
		assert.ErrorIs(t, err, model.ErrInvalidFormat)
		assert.Equal(t, StateDisconnected, sess.State())
	})

	t.Run("long literal is fine", func(t *testing.T) {
		header := "Subject: " + strings.Repeat("z", maxLine) + "\r\n\r\n"
		server := newMockIMAPServer(t, "user", "pass")
		server.addMailbox("INBOX", &mockMessage{
			UID: 7,
			Raw: "UID 7 RFC822.HEADER " + MakeIMAPLiteral(header),
		})
		sess := loginSession(t, server)
		_, err := sess.Select(context.Background(), "INBOX")
		require.NoError(t, err)

		recs, err := sess.Fetch(context.Background(), "7", true, "UID RFC822.HEADER")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Len(t, recs[0].Header, len(header))
	})
}

func TestSessionTags(t *testing.T) {
	ctx := context.Background()

	t.Run("sequential", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		sess := loginSession(t, server)
		_, err := sess.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"A0001", "A0002"}, server.Tags())
	})

	t.Run("xid", func(t *testing.T) {
		server := newMockIMAPServer(t, "user", "pass")
		sess := loginSession(t, server, WithTags(XIDTags()))
		for range 5 {
			_, err := sess.List(ctx)
			require.NoError(t, err)
		}
		seen := make(map[string]struct{})
		for _, tag := range server.Tags() {
			assert.Len(t, tag, 20)
			_, dup := seen[tag]
			assert.False(t, dup, "duplicate tag %q", tag)
			seen[tag] = struct{}{}
		}
		assert.Len(t, seen, 6)
	})
}

func TestSessionVerboseRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	SetSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	originalVerbose := Verbose
	Verbose = true
	defer func() {
		Verbose = originalVerbose
		SetLogger(nil)
	}()

	server := newMockIMAPServer(t, "user", "s3cr3t-pw")
	sess := connectSession(t, server)
	require.NoError(t, sess.Authenticate(context.Background(), model.Credentials{Username: "user", Secret: "s3cr3t-pw"}))

	out := buf.String()
	assert.Contains(t, out, "LOGIN")
	assert.Contains(t, out, "****")
	assert.NotContains(t, out, "s3cr3t-pw")
	assert.Contains(t, out, sess.ID())
}
