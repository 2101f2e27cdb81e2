// Package model holds the domain records produced by mail connectors and the
// Connector contract they implement.
package model

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// Account is an authenticated mail account.
type Account struct {
	ID        AccountID
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Folder is a mailbox. Hierarchy comes from splitting the server name on
// Delimiter.
type Folder struct {
	ID         FolderID
	AccountID  AccountID
	Name       string
	ParentID   *FolderID
	Delimiter  string
	Attributes []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Address is a single mailbox address with an optional display name.
type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	if strings.ContainsAny(a.Name, `,"`) {
		return fmt.Sprintf(`"%s" <%s>`, strings.ReplaceAll(a.Name, `"`, `\"`), a.Email)
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// Envelope summarizes a message without its body content.
type Envelope struct {
	ID             MessageID
	AccountID      AccountID
	FolderID       FolderID
	Subject        string
	From           []Address
	To             []Address
	Cc             []Address
	Bcc            []Address
	Date           time.Time
	IsRead         bool
	IsStarred      bool
	IsFlagged      bool
	IsDraft        bool
	IsDeleted      bool
	HasAttachments bool
	Structure      MessageStructure
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e Envelope) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s %s\n", e.ID, e.Date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: %s\n", e.Subject)
	for _, h := range []struct {
		name string
		list []Address
	}{{"From", e.From}, {"To", e.To}, {"Cc", e.Cc}, {"Bcc", e.Bcc}} {
		if len(h.list) == 0 {
			continue
		}
		names := make([]string, len(h.list))
		for i, a := range h.list {
			names[i] = a.String()
		}
		fmt.Fprintf(&b, "%s: %s\n", h.name, strings.Join(names, ", "))
	}
	fmt.Fprintf(&b, "Flags: read=%t starred=%t flagged=%t draft=%t deleted=%t attachments=%t\n",
		e.IsRead, e.IsStarred, e.IsFlagged, e.IsDraft, e.IsDeleted, e.HasAttachments)
	return b.String()
}

// StructureKind tells a single-part message from a multipart one.
type StructureKind uint8

const (
	StructureSimple StructureKind = iota
	StructureMultipart
)

// MessageStructure lists the parts of a message. Simple messages carry one
// part in Part; multipart messages list their leaf parts in document order.
type MessageStructure struct {
	Kind     StructureKind
	Part     MessagePartID
	Parts    []MessagePartID
	Boundary string
}

// Simple returns the structure of a single-part message.
func Simple(part MessagePartID) MessageStructure {
	return MessageStructure{Kind: StructureSimple, Part: part}
}

// Multipart returns the structure of a container message.
func Multipart(parts []MessagePartID, boundary string) MessageStructure {
	return MessageStructure{Kind: StructureMultipart, Parts: parts, Boundary: boundary}
}

// PartIDs returns every part referenced by the structure.
func (s MessageStructure) PartIDs() []MessagePartID {
	if s.Kind == StructureSimple {
		if s.Part == "" {
			return nil
		}
		return []MessagePartID{s.Part}
	}
	return s.Parts
}

// ContentKind selects how a part's payload is held.
type ContentKind uint8

const (
	ContentText ContentKind = iota
	ContentHTML
	ContentBinary
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentHTML:
		return "html"
	case ContentBinary:
		return "binary"
	}
	return "unknown"
}

// MessageContent is the payload of a message part. Text and HTML are held in
// Text, binary payloads in Data.
type MessageContent struct {
	Kind ContentKind
	Text string
	Data []byte
}

// Len returns the payload size in bytes.
func (c MessageContent) Len() int {
	if c.Kind == ContentBinary {
		return len(c.Data)
	}
	return len(c.Text)
}

// MessagePart is one MIME part of a message.
type MessagePart struct {
	ID           MessagePartID
	EnvelopeID   MessageID
	ContentType  string
	Filename     string
	Size         uint64
	IsAttachment bool
	Content      MessageContent
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p MessagePart) String() string {
	name := p.Filename
	if name == "" {
		name = string(p.ID)
	}
	return fmt.Sprintf("%s (%s %s, %s loaded)", name, p.ContentType,
		humanize.Bytes(p.Size), humanize.Bytes(uint64(p.Content.Len())))
}

// MailboxStatus is what the server reports when a mailbox is selected.
type MailboxStatus struct {
	Name           string
	Exists         uint32
	Recent         uint32
	Unseen         uint32
	UIDNext        uint32
	UIDValidity    uint32
	Flags          []string
	PermanentFlags []string
	ReadOnly       bool
}
