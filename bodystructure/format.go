package bodystructure

import (
	"strconv"
	"strings"
)

const emptyEnvelope = "(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)"

// Format writes the part in the fixed-fields form Parse accepts:
//
//	(type subtype params id description encoding size [envelope body] [lines] [children])
//
// Strings that cannot be quoted are written as literals.
func (p *Part) Format() string {
	var b strings.Builder
	p.format(&b)
	return b.String()
}

func (p *Part) format(b *strings.Builder) {
	b.WriteByte('(')
	writeString(b, p.Type)
	b.WriteByte(' ')
	writeString(b, p.Subtype)
	b.WriteByte(' ')
	if len(p.Params) == 0 {
		b.WriteString("NIL")
	} else {
		b.WriteByte('(')
		for i, kv := range p.Params {
			if i != 0 {
				b.WriteByte(' ')
			}
			writeString(b, kv.Key)
			b.WriteByte(' ')
			writeString(b, kv.Value)
		}
		b.WriteByte(')')
	}
	for _, s := range []string{p.ID, p.Description, p.Encoding} {
		b.WriteByte(' ')
		writeNString(b, s)
	}
	b.WriteByte(' ')
	writeNumber(b, p.Size)

	if p.isMessage() && len(p.Parts) == 1 {
		b.WriteString(" " + emptyEnvelope + " ")
		p.Parts[0].format(b)
	}
	if p.Lines != nil {
		b.WriteByte(' ')
		writeNumber(b, p.Lines)
	}
	if p.IsMultipart() {
		for _, c := range p.Parts {
			b.WriteByte(' ')
			c.format(b)
		}
	}
	b.WriteByte(')')
}

func writeNumber(b *strings.Builder, n *uint32) {
	if n == nil {
		b.WriteString("NIL")
		return
	}
	b.WriteString(strconv.FormatUint(uint64(*n), 10))
}

func writeNString(b *strings.Builder, s string) {
	if s == "" {
		b.WriteString("NIL")
		return
	}
	writeString(b, s)
}

func writeString(b *strings.Builder, s string) {
	if needsLiteral(s) {
		b.WriteString("{" + strconv.Itoa(len(s)) + "}\r\n")
		b.WriteString(s)
		return
	}
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
}

func needsLiteral(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] >= 0x7f {
			return true
		}
	}
	return false
}
