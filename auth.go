package imap

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sqs/go-xoauth2"

	"github.com/mailiner/go-imap/model"
)

// Authenticate moves the session from Unauthenticated to Authenticated.
// LOGIN sends the credentials as quoted strings or literals; PLAIN answers
// the server's continuation; XOAUTH2 sends the token as an initial
// response. On failure the session stays Unauthenticated.
func (s *Session) Authenticate(ctx context.Context, creds model.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("authenticate", StateUnauthenticated); err != nil {
		return err
	}

	var cmd *command
	switch creds.Mechanism {
	case model.MechanismLogin:
		s.secrets = append(s.secrets, creds.Secret, AddSlashes.Replace(creds.Secret))
		cmd = newCommand("LOGIN").astring(creds.Username).astring(creds.Secret)
	case model.MechanismPlain:
		ir := base64.StdEncoding.EncodeToString([]byte("\x00" + creds.Username + "\x00" + creds.Secret))
		s.secrets = append(s.secrets, ir)
		cmd = newCommand("AUTHENTICATE").atom("PLAIN").response(ir)
	case model.MechanismXOAuth2:
		b64 := xoauth2.XOAuth2String(creds.Username, creds.Secret)
		s.secrets = append(s.secrets, b64)
		cmd = newCommand("AUTHENTICATE").atom("XOAUTH2").atom(b64)
	default:
		return fmt.Errorf("mechanism %s: %w", creds.Mechanism, model.ErrInvalidData)
	}

	// Don't retry authentication - auth failures should not trigger reconnection
	if _, err := s.exec(ctx, cmd, nil); err != nil {
		return err
	}
	s.state = StateAuthenticated
	s.debugLog("authenticated", "user", creds.Username, "mechanism", creds.Mechanism.String())
	return nil
}
