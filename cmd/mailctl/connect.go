package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	imap "github.com/mailiner/go-imap"
	"github.com/mailiner/go-imap/memory"
	"github.com/mailiner/go-imap/model"
	"github.com/mailiner/go-imap/tunnel"
)

// transport builds the stream the configured account is reached through.
func transport(c *Config) model.Transport {
	a := c.Account
	if a.RelayURL != "" {
		return &tunnel.Relay{URL: a.RelayURL, Target: a.Target(), Security: a.Security}
	}
	return &tunnel.Direct{
		Target:     a.Target(),
		Security:   a.Security,
		Timeout:    c.DialTimeout,
		SkipVerify: a.SkipVerify,
	}
}

// session is a connected, authenticated connector.
type session struct {
	model.Connector
	account model.Account
}

func (s *session) Close() {
	if err := s.Disconnect(context.Background()); err != nil {
		log.Warn().Err(err).Msg("disconnect failed")
	}
}

// open configures mailctl and returns an authenticated connector for the
// configured backend.
func open(ctx context.Context) (*session, error) {
	c, err := configure()
	if err != nil {
		return nil, err
	}

	var (
		conn  model.Connector
		creds model.Credentials
	)
	switch c.Backend {
	case "memory":
		conn = seedMemory(time.Now)
		creds = model.Credentials{Username: "demo@example.com"}
	default:
		secret, err := resolveSecret(c)
		if err != nil {
			return nil, fmt.Errorf("%w (store one with 'mailctl secret' or set MAILCTL_SECRET)", err)
		}
		mech, _ := model.ParseMechanism(c.Account.Mechanism)
		conn = imap.NewClient()
		creds = model.Credentials{Username: c.Account.Username, Secret: secret, Mechanism: mech}
	}

	log.Debug().Str("backend", c.Backend).Str("target", c.Account.Target().Addr()).Msg("connecting")
	if err := conn.Connect(ctx, transport(c)); err != nil {
		return nil, err
	}
	acct, err := conn.Authenticate(ctx, creds)
	if err != nil {
		_ = conn.Disconnect(ctx)
		return nil, err
	}
	log.Info().Str("account", acct.ID.String()).Msg("authenticated")
	return &session{Connector: conn, account: acct}, nil
}

// seedMemory returns a memory connector holding a small demo mailbox.
func seedMemory(now func() time.Time) *memory.Connector {
	m := memory.New(memory.WithClock(now))
	for _, name := range []string{"INBOX", "Archive", "Archive/2024"} {
		if _, err := m.AddFolder(name); err != nil {
			panic(err)
		}
	}

	ann := model.Address{Name: "Ann Example", Email: "ann@example.com"}
	me := model.Address{Email: "demo@example.com"}
	text := func(s string) memory.Part {
		return memory.Part{Path: "1", ContentType: "text/plain", Content: model.MessageContent{Kind: model.ContentText, Text: s}}
	}
	seed := []struct {
		folder model.FolderID
		env    model.Envelope
		parts  []memory.Part
	}{
		{"INBOX", model.Envelope{Subject: "Welcome", From: []model.Address{ann}, To: []model.Address{me}},
			[]memory.Part{text("Hello and welcome.")}},
		{"INBOX", model.Envelope{Subject: "Quarterly report", From: []model.Address{ann}, To: []model.Address{me}, IsFlagged: true,
			Structure: model.MessageStructure{Boundary: "demo-boundary"}},
			[]memory.Part{
				{Path: "1", ContentType: "text/html", Content: model.MessageContent{Kind: model.ContentHTML, Text: "<p>Figures attached.</p>"}},
				{Path: "2", ContentType: "application/pdf", Filename: "q3.pdf", IsAttachment: true,
					Content: model.MessageContent{Kind: model.ContentBinary, Data: make([]byte, 48*1024)}},
			}},
		{"Archive/2024", model.Envelope{Subject: "Old news", From: []model.Address{ann}, IsRead: true},
			[]memory.Part{text("Filed away.")}},
	}
	for _, s := range seed {
		if _, err := m.AddMessage(s.folder, s.env, s.parts...); err != nil {
			panic(err)
		}
	}
	return m
}
