// Package bodystructure parses the IMAP BODYSTRUCTURE grammar into a tree of
// parts.
//
// The parser is a single pass over the input with one character of
// lookahead. It accepts RFC 3501 ordering, where a multipart lists its
// children before its subtype, as well as the fixed-fields form in which a
// part carrying type "multipart" lists its children after its own fields.
package bodystructure

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailiner/go-imap/model"
)

// MaxDepth is the deepest part nesting Parse accepts.
const MaxDepth = 32

// Parse parses a complete BODYSTRUCTURE value, starting at its opening
// parenthesis. Errors wrap model.ErrInvalidFormat; no partial tree is
// returned.
func Parse(s string) (*Part, error) {
	p := &parser{s: s}
	p.skipSpace()
	if !p.consume('(') {
		return nil, p.errorf("expected '('")
	}
	part, err := p.parsePart()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected data after body")
	}
	return part, nil
}

type parser struct {
	s     string
	i     int
	depth int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: bodystructure at char %d: %s", model.ErrInvalidFormat, p.i, fmt.Sprintf(format, args...))
}

func (p *parser) eof() bool { return p.i >= len(p.s) }

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.s[p.i]
}

func (p *parser) consume(c byte) bool {
	if !p.eof() && p.s[p.i] == c {
		p.i++
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.s[p.i] {
		case ' ', '\t', '\r', '\n':
			p.i++
		default:
			return
		}
	}
}

func (p *parser) atListOrEnd() bool {
	p.skipSpace()
	return p.peek() == '(' || p.peek() == ')'
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return p.errorf("parts nested deeper than %d", MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// parsePart parses a part whose opening parenthesis was consumed.
func (p *parser) parsePart() (*Part, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	p.skipSpace()
	if p.peek() == '(' {
		return p.parseMultipart()
	}
	typ, _, err := p.nstring("type")
	if err != nil {
		return nil, err
	}
	sub, _, err := p.nstring("subtype")
	if err != nil {
		return nil, err
	}
	return p.parseBody(typ, sub)
}

// parseMultipart parses "(child)(child) subtype [extensions])".
func (p *parser) parseMultipart() (*Part, error) {
	part := &Part{Type: "multipart"}
	for {
		p.skipSpace()
		if !p.consume('(') {
			break
		}
		child, err := p.parsePart()
		if err != nil {
			return nil, err
		}
		part.Parts = append(part.Parts, child)
	}
	sub, _, err := p.nstring("subtype")
	if err != nil {
		return nil, err
	}
	part.Subtype = sub
	if err := p.tail(part); err != nil {
		return nil, err
	}
	return part, nil
}

// parseBody parses the fields following type and subtype up to and including
// the closing parenthesis of the part.
func (p *parser) parseBody(typ, sub string) (*Part, error) {
	part := &Part{Type: typ, Subtype: sub}
	var err error
	if part.Params, err = p.params(); err != nil {
		return nil, err
	}
	fields := []struct {
		name string
		dst  *string
	}{{"id", &part.ID}, {"description", &part.Description}, {"encoding", &part.Encoding}}
	for _, f := range fields {
		// a multipart may go straight from its parameters to its children
		if part.IsMultipart() && p.atListOrEnd() {
			return part, p.tail(part)
		}
		if *f.dst, _, err = p.nstring(f.name); err != nil {
			return nil, err
		}
	}

	if part.IsMultipart() && p.atListOrEnd() {
		return part, p.tail(part)
	}
	p.skipSpace()
	if p.atNil() {
		p.i += 3
	} else {
		n, err := p.number("size")
		if err != nil {
			return nil, err
		}
		part.Size = &n
	}

	if part.isMessage() {
		p.skipSpace()
		if p.peek() == '(' || p.atNil() {
			// envelope of the encapsulated message
			if err := p.skipValue(); err != nil {
				return nil, err
			}
			p.skipSpace()
			if !p.consume('(') {
				return nil, p.errorf("expected body of encapsulated message")
			}
			child, err := p.parsePart()
			if err != nil {
				return nil, err
			}
			part.Parts = []*Part{child}
		}
	}

	return part, p.tail(part)
}

// tail consumes the optional trailing fields of a part and its closing
// parenthesis.
func (p *parser) tail(part *Part) error {
	merged := false
	for {
		p.skipSpace()
		if p.eof() {
			return p.errorf("unterminated part")
		}
		switch c := p.peek(); {
		case c == ')':
			p.i++
			if part.IsMultipart() && len(part.Parts) == 0 {
				return p.errorf("multipart without parts")
			}
			return nil
		case c == '(':
			p.i++
			if err := p.tailList(part, &merged); err != nil {
				return err
			}
		case c == '"' || c == '{':
			// md5, location or other extension data
			if _, _, err := p.nstring("extension"); err != nil {
				return err
			}
		case isDigit(c):
			n, err := p.number("lines")
			if err != nil {
				return err
			}
			if part.Lines == nil {
				part.Lines = &n
			}
		default:
			word := p.atom()
			if word == "" {
				return p.errorf("unexpected %q", c)
			}
			if err := p.keyword(part, word); err != nil {
				return err
			}
		}
	}
}

func (p *parser) keyword(part *Part, word string) error {
	var err error
	switch strings.ToUpper(word) {
	case "NIL":
	case "ID":
		part.ID, _, err = p.nstring("id")
	case "DESCRIPTION":
		part.Description, _, err = p.nstring("description")
	case "ENCODING":
		part.Encoding, _, err = p.nstring("encoding")
	case "SIZE":
		var n uint32
		if n, err = p.number("size"); err == nil {
			part.Size = &n
		}
	case "LINES":
		var n uint32
		if n, err = p.number("lines"); err == nil {
			part.Lines = &n
		}
	default:
		return p.errorf("unrecognized field %q", word)
	}
	return err
}

// tailList classifies a parenthesized list in the tail of a part, after its
// opening parenthesis: a nested part, a disposition, a parameter sibling or a
// language list.
func (p *parser) tailList(part *Part, merged *bool) error {
	p.skipSpace()
	switch c := p.peek(); {
	case c == ')':
		p.i++
		return nil
	case c == '(':
		if !part.IsMultipart() {
			return p.errorf("nested part inside %s/%s", part.Type, part.Subtype)
		}
		child, err := p.parsePart()
		if err != nil {
			return err
		}
		part.Parts = append(part.Parts, child)
		return nil
	case c != '"' && c != '{' && !p.atNil():
		return p.skipRest()
	}

	first, firstNil, err := p.nstring("extension")
	if err != nil {
		return err
	}
	p.skipSpace()
	if p.peek() == '(' || p.atNil() {
		params, err := p.params()
		if err != nil {
			return err
		}
		if !firstNil {
			part.Params = append(part.Params, Param{Key: "disposition", Value: first})
			part.Params = append(part.Params, params...)
		}
		return p.skipRest()
	}
	if p.consume(')') {
		return nil
	}

	second, _, err := p.nstring("extension")
	if err != nil {
		return err
	}
	p.skipSpace()
	if p.peek() == '(' || p.atNil() {
		if !part.IsMultipart() {
			return p.errorf("nested part inside %s/%s", part.Type, part.Subtype)
		}
		if err := p.enter(); err != nil {
			return err
		}
		child, err := p.parseBody(first, second)
		p.leave()
		if err != nil {
			return err
		}
		part.Parts = append(part.Parts, child)
		return nil
	}

	values := []string{first, second}
	for {
		p.skipSpace()
		if p.eof() {
			return p.errorf("unterminated list")
		}
		if p.consume(')') {
			break
		}
		v, _, err := p.nstring("extension")
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	if part.IsMultipart() && !*merged && len(values)%2 == 0 {
		for i := 0; i < len(values); i += 2 {
			part.Params = append(part.Params, Param{Key: values[i], Value: values[i+1]})
		}
		*merged = true
	}
	return nil
}

// params parses a parenthesized key/value list or NIL.
func (p *parser) params() ([]Param, error) {
	p.skipSpace()
	if p.atNil() {
		p.i += 3
		return nil, nil
	}
	if !p.consume('(') {
		return nil, p.errorf("expected parameter list")
	}
	var params []Param
	for {
		p.skipSpace()
		if p.eof() {
			return nil, p.errorf("unterminated parameter list")
		}
		if p.consume(')') {
			return params, nil
		}
		key, _, err := p.nstring("parameter name")
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() == ')' {
			return nil, p.errorf("parameter %q has no value", key)
		}
		value, _, err := p.nstring("parameter value")
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Key: key, Value: value})
	}
}

// nstring reads a quoted string, a literal, NIL or a bare atom. The boolean
// reports NIL.
func (p *parser) nstring(field string) (string, bool, error) {
	p.skipSpace()
	switch p.peek() {
	case '"':
		s, err := p.quoted()
		return s, false, err
	case '{':
		s, err := p.literal()
		return s, false, err
	}
	if p.atNil() {
		p.i += 3
		return "", true, nil
	}
	if a := p.atom(); a != "" {
		return a, false, nil
	}
	if p.eof() {
		return "", false, p.errorf("unexpected end of input reading %s", field)
	}
	return "", false, p.errorf("expected %s, got %q", field, p.peek())
}

func (p *parser) quoted() (string, error) {
	p.i++ // opening quote
	var b strings.Builder
	for !p.eof() {
		c := p.s[p.i]
		switch c {
		case '"':
			p.i++
			return b.String(), nil
		case '\\':
			p.i++
			if p.eof() {
				return "", p.errorf("unterminated string")
			}
			c = p.s[p.i]
		}
		b.WriteByte(c)
		p.i++
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) literal() (string, error) {
	start := p.i
	p.i++ // '{'
	for !p.eof() && isDigit(p.s[p.i]) {
		p.i++
	}
	digits := p.s[start+1 : p.i]
	if digits == "" || !p.consume('}') {
		return "", p.errorf("bad literal length")
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", p.errorf("bad literal length %q", digits)
	}
	p.consume('\r')
	if !p.consume('\n') {
		return "", p.errorf("literal length not followed by CRLF")
	}
	if n > len(p.s)-p.i {
		return "", p.errorf("literal of %d bytes exceeds input", n)
	}
	s := p.s[p.i : p.i+n]
	p.i += n
	return s, nil
}

// number reads an unsigned 32-bit decimal.
func (p *parser) number(field string) (uint32, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() && !isDelim(p.s[p.i]) {
		p.i++
	}
	word := p.s[start:p.i]
	n, err := strconv.ParseUint(word, 10, 32)
	if err != nil {
		p.i = start
		return 0, p.errorf("non-numeric %s %q", field, word)
	}
	return uint32(n), nil
}

func (p *parser) atom() string {
	start := p.i
	for !p.eof() && !isDelim(p.s[p.i]) && p.s[p.i] != '"' && p.s[p.i] != '{' {
		p.i++
	}
	return p.s[start:p.i]
}

func (p *parser) atNil() bool {
	if len(p.s)-p.i < 3 || !strings.EqualFold(p.s[p.i:p.i+3], "NIL") {
		return false
	}
	return p.i+3 == len(p.s) || isDelim(p.s[p.i+3])
}

// skipValue skips one scalar or list.
func (p *parser) skipValue() error {
	p.skipSpace()
	if p.consume('(') {
		return p.skipRest()
	}
	_, _, err := p.nstring("value")
	return err
}

// skipRest skips to the end of the current list, honoring nested lists,
// strings and literals. Skipped lists count toward MaxDepth.
func (p *parser) skipRest() error {
	if err := p.enter(); err != nil {
		return err
	}
	defer p.leave()
	for {
		p.skipSpace()
		if p.eof() {
			return p.errorf("unterminated list")
		}
		if p.consume(')') {
			return nil
		}
		if err := p.skipValue(); err != nil {
			return err
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isDelim(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '(', ')':
		return true
	}
	return false
}
