package imap

import (
	"context"

	"github.com/mailiner/go-imap/model"
)

// List returns every mailbox visible to the user.
func (s *Session) List(ctx context.Context) ([]ListEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("list", StateAuthenticated, StateSelected); err != nil {
		return nil, err
	}

	entries := make([]ListEntry, 0)
	_, err := s.exec(ctx, newCommand("LIST").atom(`""`).atom(`"*"`), func(line []byte) error {
		entry, ok, err := parseListLine(line)
		if err != nil {
			return err
		}
		if ok {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Select opens mailbox read-write and returns its status. On failure the
// previously selected mailbox, if any, stays selected.
func (s *Session) Select(ctx context.Context, mailbox string) (*model.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("select", StateAuthenticated, StateSelected); err != nil {
		return nil, err
	}

	status := &model.MailboxStatus{Name: mailbox}
	text, err := s.exec(ctx, newCommand("SELECT").astring(mailbox), func(line []byte) error {
		parseSelectLine(status, line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if code, _ := respCode(text); code == "READ-ONLY" {
		status.ReadOnly = true
	}

	s.state = StateSelected
	s.mailbox = mailbox
	s.status = status
	s.debugLog("mailbox selected", "exists", status.Exists, "uidvalidity", status.UIDValidity)
	st := *status
	return &st, nil
}

// Create creates a mailbox with the given full name.
func (s *Session) Create(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("create", StateAuthenticated, StateSelected); err != nil {
		return err
	}
	_, err := s.exec(ctx, newCommand("CREATE").astring(name), nil)
	return err
}

// Delete removes a mailbox. Deleting the selected mailbox returns the
// session to Authenticated.
func (s *Session) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("delete", StateAuthenticated, StateSelected); err != nil {
		return err
	}
	if _, err := s.exec(ctx, newCommand("DELETE").astring(name), nil); err != nil {
		return err
	}
	if s.state == StateSelected && s.mailbox == name {
		s.state = StateAuthenticated
		s.mailbox = ""
		s.status = nil
	}
	return nil
}
