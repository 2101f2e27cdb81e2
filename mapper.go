package imap

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jhillyerd/enmime/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mailiner/go-imap/bodystructure"
	"github.com/mailiner/go-imap/model"
)

// Mapper turns session output into domain records.
type Mapper struct {
	// Now stamps records and stands in for unparsable dates.
	Now func() time.Time
	// HTML sanitizes text/html parts. Nil leaves HTML untouched.
	HTML *bluemonday.Policy
}

// NewMapper returns a mapper using the wall clock and the UGC HTML policy.
func NewMapper() *Mapper {
	return &Mapper{Now: time.Now, HTML: bluemonday.UGCPolicy()}
}

func (m *Mapper) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Folder maps a LIST entry. The parent is the name up to the last
// delimiter.
func (m *Mapper) Folder(account model.AccountID, e ListEntry) model.Folder {
	now := m.now()
	f := model.Folder{
		ID:         model.FolderID(e.Name),
		AccountID:  account,
		Name:       e.Name,
		Delimiter:  e.Delimiter,
		Attributes: e.Attributes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if e.Delimiter != "" {
		if i := strings.LastIndex(e.Name, e.Delimiter); i > 0 {
			parent := model.FolderID(e.Name[:i])
			f.ParentID = &parent
			f.Name = e.Name[i+len(e.Delimiter):]
		}
	}
	return f
}

// Envelope maps a FETCH record requested with envelopeItems.
func (m *Mapper) Envelope(account model.AccountID, folder model.FolderID, rec FetchRecord) (model.Envelope, error) {
	if rec.Err != nil {
		return model.Envelope{}, rec.Err
	}
	if rec.UID == 0 {
		return model.Envelope{}, fmt.Errorf("message %d: %w: no UID", rec.Seq, model.ErrInvalidData)
	}

	now := m.now()
	id := model.NewMessageID(folder, rec.UID)
	env := model.Envelope{
		ID:        id,
		AccountID: account,
		FolderID:  folder,
		Date:      now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyFlags(&env, rec.Flags)

	if len(rec.Header) != 0 {
		if err := m.header(&env, rec.Header); err != nil {
			return model.Envelope{}, fmt.Errorf("message %s: %w", id, err)
		}
	}

	part, err := parseStructure(id, rec.BodyStructure)
	if err != nil {
		return model.Envelope{}, err
	}
	env.Structure = part.ToMessageStructure(id)
	env.HasAttachments = part.HasAttachments()
	return env, nil
}

// parseStructure parses the BODYSTRUCTURE of message id.
func parseStructure(id model.MessageID, raw string) (*bodystructure.Part, error) {
	if raw == "" {
		return nil, fmt.Errorf("message %s: %w: no bodystructure", id, model.ErrInvalidFormat)
	}
	part, err := bodystructure.Parse(raw)
	if err != nil {
		if Verbose {
			sessionLogger("", "").Debug("unparsable bodystructure", "message", string(id), "raw", spew.Sdump(raw))
		}
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return part, nil
}

func (m *Mapper) header(env *model.Envelope, header []byte) error {
	msg, err := enmime.ReadEnvelope(bytes.NewReader(header))
	if err != nil {
		return fmt.Errorf("%w: header: %v", model.ErrInvalidData, err)
	}
	env.Subject = msg.GetHeader("Subject")

	for _, h := range []struct {
		key  string
		dest *[]model.Address
	}{
		{"From", &env.From},
		{"To", &env.To},
		{"Cc", &env.Cc},
		{"Bcc", &env.Bcc},
	} {
		list, err := headerAddresses(msg, h.key)
		if err != nil {
			return err
		}
		*h.dest = list
	}

	if raw := msg.Root.Header.Get("Date"); raw != "" {
		if t, err := mail.ParseDate(raw); err == nil {
			env.Date = t
		}
	}
	return nil
}

// Part maps a BODY[section] fetch of part at path into a MessagePart.
func (m *Mapper) Part(message model.MessageID, path string, part *bodystructure.Part, raw []byte) (model.MessagePart, error) {
	now := m.now()
	mp := part.ToMessagePart(message, path)
	mp.CreatedAt = now
	mp.UpdatedAt = now

	content, err := m.Content(part, raw)
	if err != nil {
		return model.MessagePart{}, fmt.Errorf("part %s: %w", mp.ID, err)
	}
	mp.Content = content
	return mp, nil
}

// Content decodes raw section bytes by the part's transfer encoding and
// picks the content kind from its type: text/html is sanitized HTML, other
// text/* is text, everything else binary. Text is converted to UTF-8 from
// the part's charset.
func (m *Mapper) Content(part *bodystructure.Part, raw []byte) (model.MessageContent, error) {
	decoded, err := decodeEntity(part, raw)
	if err != nil {
		return model.MessageContent{}, err
	}
	ct := part.ContentType()
	switch {
	case ct == "text/html":
		html := string(decoded)
		if m.HTML != nil {
			html = m.HTML.Sanitize(html)
		}
		return model.MessageContent{Kind: model.ContentHTML, Text: html}, nil
	case strings.HasPrefix(ct, "text/"):
		return model.MessageContent{Kind: model.ContentText, Text: string(decoded)}, nil
	}
	return model.MessageContent{Kind: model.ContentBinary, Data: decoded}, nil
}

// decodeEntity rebuilds the part as a standalone MIME entity so its
// transfer encoding and charset are handled by the MIME parser.
func decodeEntity(part *bodystructure.Part, raw []byte) ([]byte, error) {
	params := make(map[string]string)
	for _, kv := range part.Params {
		k := strings.ToLower(kv.Key)
		if k == "disposition" || k == "filename" {
			continue
		}
		params[k] = kv.Value
	}
	ctype := mime.FormatMediaType(part.ContentType(), params)
	if ctype == "" {
		ctype = part.ContentType()
	}

	var b bytes.Buffer
	b.WriteString("Content-Type: " + ctype + nl)
	if part.Encoding != "" {
		b.WriteString("Content-Transfer-Encoding: " + part.Encoding + nl)
	}
	b.WriteString(nl)
	b.Write(raw)

	env, err := enmime.ReadEnvelope(&b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidData, err)
	}
	return env.Root.Content, nil
}
