package model

import (
	"fmt"
	"strconv"
	"strings"
)

// AccountID identifies an account.
type AccountID string

// FolderID identifies a folder within an account. For IMAP accounts it is the
// full server mailbox name.
type FolderID string

// MessageID identifies a message. IMAP message ids have the form
// "<folder>:<uid>".
type MessageID string

// MessagePartID identifies one MIME part of a message, "<message id>-<section>".
type MessagePartID string

func (id AccountID) String() string     { return string(id) }
func (id FolderID) String() string      { return string(id) }
func (id MessageID) String() string     { return string(id) }
func (id MessagePartID) String() string { return string(id) }

// NewMessageID builds the id of the message with the given UID in folder.
func NewMessageID(folder FolderID, uid uint32) MessageID {
	return MessageID(string(folder) + ":" + strconv.FormatUint(uint64(uid), 10))
}

// Split returns the folder and UID encoded in the id.
func (id MessageID) Split() (FolderID, uint32, error) {
	i := strings.LastIndexByte(string(id), ':')
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrInvalidData, string(id))
	}
	uid, err := strconv.ParseUint(string(id[i+1:]), 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("%w: malformed message id %q", ErrInvalidData, string(id))
	}
	return FolderID(id[:i]), uint32(uid), nil
}

// NewMessagePartID builds the id of the part at section path of message.
func NewMessagePartID(message MessageID, path string) MessagePartID {
	return MessagePartID(string(message) + "-" + path)
}

// Split returns the message id and section path of the part id.
func (id MessagePartID) Split() (MessageID, string, error) {
	i := strings.LastIndexByte(string(id), '-')
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: malformed part id %q", ErrInvalidData, string(id))
	}
	return MessageID(id[:i]), string(id[i+1:]), nil
}
