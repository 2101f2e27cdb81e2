package model

import (
	"context"
	"net"
	"strings"
)

// Transport opens the byte stream a connector talks over. The remote target
// is fixed when the Transport is built.
type Transport interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Mechanism selects how credentials are presented to the server.
type Mechanism uint8

const (
	MechanismLogin Mechanism = iota
	MechanismPlain
	MechanismXOAuth2
)

func (m Mechanism) String() string {
	switch m {
	case MechanismLogin:
		return "LOGIN"
	case MechanismPlain:
		return "PLAIN"
	case MechanismXOAuth2:
		return "XOAUTH2"
	}
	return "UNKNOWN"
}

// ParseMechanism maps a case-insensitive mechanism name to a Mechanism.
func ParseMechanism(s string) (Mechanism, bool) {
	switch strings.ToLower(s) {
	case "", "login":
		return MechanismLogin, true
	case "plain":
		return MechanismPlain, true
	case "xoauth2":
		return MechanismXOAuth2, true
	}
	return 0, false
}

// Credentials authenticate a session. Secret is a password, or an access
// token for XOAUTH2.
type Credentials struct {
	Username  string
	Secret    string
	Mechanism Mechanism
}

// Connector is the surface consumed by UI and cache layers. Implementations
// are safe for concurrent use; calls are serialized internally.
type Connector interface {
	Connect(ctx context.Context, t Transport) error
	Disconnect(ctx context.Context) error
	Authenticate(ctx context.Context, creds Credentials) (Account, error)

	ListFolders(ctx context.Context, account AccountID) ([]Folder, error)
	CreateFolder(ctx context.Context, account AccountID, name string, parent *FolderID) (Folder, error)
	DeleteFolder(ctx context.Context, folder FolderID) error

	// ListEnvelopes may return a partial list together with a *BatchError.
	ListEnvelopes(ctx context.Context, folder FolderID) ([]Envelope, error)
	// ListEnvelopesRange lists the zero-based half-open range [start, end)
	// of the folder's current ordering.
	ListEnvelopesRange(ctx context.Context, folder FolderID, start, end int) ([]Envelope, error)
	GetEnvelope(ctx context.Context, id MessageID) (Envelope, error)
	UpdateEnvelopeFlags(ctx context.Context, id MessageID, flags []FlagUpdate) error

	GetMessagePart(ctx context.Context, message MessageID, part MessagePartID) (MessagePart, error)
}
