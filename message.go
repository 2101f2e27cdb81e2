package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// envelopeItems are the FETCH items an Envelope is built from.
const envelopeItems = "UID RFC822.HEADER FLAGS BODYSTRUCTURE"

// Fetch issues FETCH (or UID FETCH when uid is set) for the sequence set with
// the given items, e.g. "UID FLAGS". Each FETCH response becomes one record;
// a record that cannot be decoded carries its own Err and does not fail the
// call. Untagged EXISTS and EXPUNGE keep the mailbox status current.
func (s *Session) Fetch(ctx context.Context, set string, uid bool, items string) ([]FetchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("fetch", StateSelected); err != nil {
		return nil, err
	}

	name := "FETCH"
	if uid {
		name = "UID FETCH"
	}
	records := make([]FetchRecord, 0)
	_, err := s.exec(ctx, newCommand(name).atom(set).atom("("+items+")"), func(line []byte) error {
		if rec, ok := parseFetchLine(line); ok {
			if rec.Err != nil {
				s.warnLog("undecodable fetch response", "seq", rec.Seq, "error", rec.Err)
			}
			records = append(records, rec)
			return nil
		}
		s.trackMailbox(line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Store adds (add true) or removes flags on the message with the given UID.
func (s *Session) Store(ctx context.Context, uid uint32, add bool, flags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("store", StateSelected); err != nil {
		return err
	}
	if len(flags) == 0 {
		return nil
	}

	op := "-FLAGS"
	if add {
		op = "+FLAGS"
	}
	cmd := newCommand("UID STORE").
		atom(strconv.FormatUint(uint64(uid), 10)).
		atom(op).
		atom("(" + strings.Join(flags, " ") + ")")
	_, err := s.exec(ctx, cmd, func(line []byte) error {
		s.trackMailbox(line)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %s on uid %d: %w", op, uid, err)
	}
	return nil
}

// trackMailbox applies unsolicited size updates to the selected mailbox.
func (s *Session) trackMailbox(line []byte) {
	if s.status == nil {
		return
	}
	if n, _, ok := untaggedNumber(line, "EXISTS"); ok {
		s.status.Exists = n
		return
	}
	if _, _, ok := untaggedNumber(line, "EXPUNGE"); ok && s.status.Exists > 0 {
		s.status.Exists--
	}
}
