package bodystructure

import (
	"fmt"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/mailiner/go-imap/model"
)

// Param is one key/value pair of a part's parameter list. Order is preserved
// and duplicate keys are allowed.
type Param struct {
	Key   string
	Value string
}

// Part is one node of a parsed BODYSTRUCTURE tree. Optional fields that were
// NIL or absent are empty strings or nil pointers.
type Part struct {
	Type        string
	Subtype     string
	Params      []Param
	ID          string
	Description string
	Encoding    string
	Size        *uint32
	Lines       *uint32
	Parts       []*Part
}

// IsMultipart reports whether the part is a multipart container.
func (p *Part) IsMultipart() bool {
	return strings.EqualFold(p.Type, "multipart")
}

func (p *Part) isMessage() bool {
	return strings.EqualFold(p.Type, "message") &&
		(strings.EqualFold(p.Subtype, "rfc822") || strings.EqualFold(p.Subtype, "global"))
}

// ContentType returns the lower-cased "type/subtype".
func (p *Part) ContentType() string {
	return strings.ToLower(p.Type + "/" + p.Subtype)
}

// Param returns the value of the first parameter named key, compared
// case-insensitively.
func (p *Part) Param(key string) (string, bool) {
	for _, kv := range p.Params {
		if strings.EqualFold(kv.Key, key) {
			return kv.Value, true
		}
	}
	return "", false
}

// IsAttachment reports whether any "disposition" parameter is "attachment".
func (p *Part) IsAttachment() bool {
	for _, kv := range p.Params {
		if strings.EqualFold(kv.Key, "disposition") && strings.EqualFold(kv.Value, "attachment") {
			return true
		}
	}
	return false
}

// Filename returns the "filename" parameter, else the "name" parameter.
func (p *Part) Filename() (string, bool) {
	if v, ok := p.Param("filename"); ok {
		return v, true
	}
	return p.Param("name")
}

// HasAttachments reports whether the part or any part below it is an
// attachment.
func (p *Part) HasAttachments() bool {
	if p.IsAttachment() {
		return true
	}
	for _, c := range p.Parts {
		if c.HasAttachments() {
			return true
		}
	}
	return false
}

// Walk calls fn for every part with its IMAP section path, in document order,
// until fn returns false. A multipart root has the empty path, a single-part
// root is "1". The multipart body of an encapsulated message shares the
// message part's path and is not visited itself.
func (p *Part) Walk(fn func(path string, part *Part) bool) {
	root := "1"
	if p.IsMultipart() {
		root = ""
	}
	p.walk(root, fn)
}

func (p *Part) walk(path string, fn func(string, *Part) bool) bool {
	if !fn(path, p) {
		return false
	}
	children := p.Parts
	if p.isMessage() && len(p.Parts) == 1 {
		inner := p.Parts[0]
		if !inner.IsMultipart() {
			return inner.walk(childPath(path, 1), fn)
		}
		children = inner.Parts
	} else if !p.IsMultipart() {
		return true
	}
	for i, c := range children {
		if !c.walk(childPath(path, i+1), fn) {
			return false
		}
	}
	return true
}

func childPath(parent string, n int) string {
	if parent == "" {
		return strconv.Itoa(n)
	}
	return parent + "." + strconv.Itoa(n)
}

// Find returns the part at the given section path.
func (p *Part) Find(path string) (*Part, bool) {
	var found *Part
	p.Walk(func(pp string, part *Part) bool {
		if pp == path {
			found = part
			return false
		}
		return true
	})
	return found, found != nil
}

// Section is a leaf part together with its section path.
type Section struct {
	Path string
	Part *Part
}

// Leaves returns the parts that carry content, in document order.
func (p *Part) Leaves() []Section {
	var leaves []Section
	p.Walk(func(path string, part *Part) bool {
		if len(part.Parts) == 0 && !part.IsMultipart() {
			leaves = append(leaves, Section{Path: path, Part: part})
		}
		return true
	})
	return leaves
}

// ToMessagePart builds the record for this part at section path of message.
// Content is left empty; it is fetched on demand.
func (p *Part) ToMessagePart(message model.MessageID, path string) model.MessagePart {
	mp := model.MessagePart{
		ID:           model.NewMessagePartID(message, path),
		EnvelopeID:   message,
		ContentType:  p.ContentType(),
		IsAttachment: p.IsAttachment(),
	}
	mp.Filename, _ = p.Filename()
	if p.Size != nil {
		mp.Size = uint64(*p.Size)
	}
	return mp
}

// ToMessageStructure returns Simple for a single part and Multipart listing
// the leaf parts for a container.
func (p *Part) ToMessageStructure(message model.MessageID) model.MessageStructure {
	if !p.IsMultipart() {
		return model.Simple(model.NewMessagePartID(message, "1"))
	}
	leaves := p.Leaves()
	ids := make([]model.MessagePartID, len(leaves))
	for i, l := range leaves {
		ids[i] = model.NewMessagePartID(message, l.Path)
	}
	boundary, _ := p.Param("boundary")
	return model.Multipart(ids, boundary)
}

func (p *Part) String() string {
	size := "?"
	if p.Size != nil {
		size = humanize.Bytes(uint64(*p.Size))
	}
	if p.IsMultipart() {
		return fmt.Sprintf("%s (%d parts)", p.ContentType(), len(p.Parts))
	}
	return fmt.Sprintf("%s (%s)", p.ContentType(), size)
}
