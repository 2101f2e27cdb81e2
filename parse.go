package imap

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mailiner/go-imap/model"
)

const nl = "\r\n"

// literalSuffix matches a line that announces a literal continuing on the
// following bytes.
var literalSuffix = regexp.MustCompile(`{\d+}$`)

// maxNesting bounds how deeply lists may nest in a single response.
const maxNesting = 64

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    uint64
	Tokens []*Token
	// Raw is the exact source text of a container, parentheses included.
	Raw string
}

// TType represents the type of an IMAP token
type TType uint8

const (
	TUnset TType = iota
	TAtom
	TNumber
	TLiteral
	TQuoted
	TNil
	TContainer
)

// GetTokenName returns the string name of a token type
func GetTokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TLiteral:
		return "TLiteral"
	case TQuoted:
		return "TQuoted"
	case TNil:
		return "TNil"
	case TContainer:
		return "TContainer"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	tokenType := GetTokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return tokenType
	case TAtom, TQuoted, TLiteral:
		return fmt.Sprintf("(%s, len %d %#v)", tokenType, len(t.Str), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", tokenType, t.Num)
	case TContainer:
		return fmt.Sprintf("(%s children: %s)", tokenType, t.Tokens)
	}
	return ""
}

// isString reports whether the token carries string data (NIL included).
func (t *Token) isString() bool {
	switch t.Type {
	case TQuoted, TLiteral, TAtom, TNumber, TNil:
		return true
	}
	return false
}

// tokenizer splits response text into tokens. Lists nest; atoms may contain
// a bracketed section such as BODY[HEADER.FIELDS (SUBJECT)].
type tokenizer struct {
	s     string
	i     int
	depth int
}

func parseTokens(s string) ([]*Token, error) {
	t := &tokenizer{s: s}
	tokens, err := t.list(false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidFormat, err)
	}
	return tokens, nil
}

func (t *tokenizer) list(nested bool) ([]*Token, error) {
	tokens := make([]*Token, 0)
	for {
		for t.i < len(t.s) && t.s[t.i] == ' ' {
			t.i++
		}
		if t.i >= len(t.s) {
			if nested {
				return nil, fmt.Errorf("unterminated list")
			}
			return tokens, nil
		}
		switch c := t.s[t.i]; c {
		case ')':
			if !nested {
				return nil, fmt.Errorf("unmatched ')' at char %d", t.i)
			}
			t.i++
			return tokens, nil
		case '(':
			if t.depth >= maxNesting {
				return nil, fmt.Errorf("lists nested deeper than %d at char %d", maxNesting, t.i)
			}
			start := t.i
			t.i++
			t.depth++
			children, err := t.list(true)
			t.depth--
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &Token{Type: TContainer, Tokens: children, Raw: t.s[start:t.i]})
		case '"':
			str, err := t.quoted()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &Token{Type: TQuoted, Str: str})
		case '{':
			str, err := t.literal()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &Token{Type: TLiteral, Str: str})
		default:
			tokens = append(tokens, t.atom())
		}
	}
}

func (t *tokenizer) quoted() (string, error) {
	start := t.i
	t.i++
	var b strings.Builder
	for t.i < len(t.s) {
		c := t.s[t.i]
		switch c {
		case '"':
			t.i++
			return b.String(), nil
		case '\\':
			t.i++
			if t.i >= len(t.s) {
				return "", fmt.Errorf("unterminated quoted string at char %d", start)
			}
			c = t.s[t.i]
		}
		b.WriteByte(c)
		t.i++
	}
	return "", fmt.Errorf("unterminated quoted string at char %d", start)
}

func (t *tokenizer) literal() (string, error) {
	start := t.i
	end := strings.IndexByte(t.s[t.i:], '}')
	if end < 0 {
		return "", fmt.Errorf("unterminated literal at char %d", start)
	}
	n, err := strconv.Atoi(t.s[t.i+1 : t.i+end])
	if err != nil || n < 0 {
		return "", fmt.Errorf("bad literal size at char %d", start)
	}
	t.i += end + 1
	if t.i < len(t.s) && t.s[t.i] == '\r' {
		t.i++
	}
	if t.i >= len(t.s) || t.s[t.i] != '\n' {
		return "", fmt.Errorf("literal at char %d not followed by newline", start)
	}
	t.i++
	if t.i+n > len(t.s) {
		return "", fmt.Errorf("literal at char %d: size %d overruns input", start, n)
	}
	str := t.s[t.i : t.i+n]
	t.i += n
	return str, nil
}

func (t *tokenizer) atom() *Token {
	start := t.i
	depth := 0
	for t.i < len(t.s) {
		c := t.s[t.i]
		if depth == 0 && (c == ' ' || c == '(' || c == ')') {
			break
		}
		switch c {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		}
		t.i++
	}
	str := t.s[start:t.i]
	if strings.EqualFold(str, "NIL") {
		return &Token{Type: TNil}
	}
	if n, err := strconv.ParseUint(str, 10, 64); err == nil {
		return &Token{Type: TNumber, Num: n, Str: str}
	}
	return &Token{Type: TAtom, Str: str}
}

// FetchRecord is one "* n FETCH (...)" response. A record that could not be
// decoded carries Err and whatever fields were read before the failure.
type FetchRecord struct {
	Seq           uint32
	UID           uint32
	Flags         []string
	Header        []byte
	BodyStructure string
	// Sections maps a BODY[section] key to its content.
	Sections map[string][]byte
	Err      error
}

// parseFetchLine decodes a FETCH response line. ok is false when the line is
// not a FETCH response.
func parseFetchLine(line []byte) (rec FetchRecord, ok bool) {
	seq, rest, ok := untaggedNumber(line, "FETCH")
	if !ok {
		return rec, false
	}
	rec.Seq = seq

	tokens, err := parseTokens(rest)
	if err != nil {
		rec.Err = fmt.Errorf("message %d: %w", seq, err)
		return rec, true
	}
	if len(tokens) != 1 || tokens[0].Type != TContainer {
		rec.Err = fmt.Errorf("message %d: %w: expected a list", seq, model.ErrInvalidFormat)
		return rec, true
	}
	items := tokens[0].Tokens
	if len(items)%2 != 0 {
		rec.Err = fmt.Errorf("message %d: %w: odd item count", seq, model.ErrInvalidFormat)
		return rec, true
	}
	for i := 0; i < len(items); i += 2 {
		key, val := items[i], items[i+1]
		if key.Type != TAtom {
			rec.Err = fmt.Errorf("message %d: %w: expected item name, got %s", seq, model.ErrInvalidFormat, key)
			return rec, true
		}
		if err := rec.set(strings.ToUpper(key.Str), val); err != nil {
			rec.Err = fmt.Errorf("message %d: %s: %w", seq, key.Str, err)
			return rec, true
		}
	}
	return rec, true
}

func (rec *FetchRecord) set(key string, val *Token) error {
	switch {
	case key == "UID":
		if val.Type != TNumber || val.Num == 0 || val.Num > 1<<32-1 {
			return fmt.Errorf("%w: bad uid %s", model.ErrInvalidFormat, val)
		}
		rec.UID = uint32(val.Num)
	case key == "FLAGS":
		if val.Type != TContainer {
			return fmt.Errorf("%w: flags are not a list", model.ErrInvalidFormat)
		}
		rec.Flags = make([]string, 0, len(val.Tokens))
		for _, f := range val.Tokens {
			rec.Flags = append(rec.Flags, f.Str)
		}
	case key == "RFC822.HEADER" || key == "BODY[HEADER]":
		if !val.isString() {
			return fmt.Errorf("%w: header is not a string", model.ErrInvalidFormat)
		}
		rec.Header = []byte(val.Str)
	case key == "BODYSTRUCTURE":
		if val.Type != TContainer {
			return fmt.Errorf("%w: bodystructure is not a list", model.ErrInvalidFormat)
		}
		rec.BodyStructure = val.Raw
	case strings.HasPrefix(key, "BODY["):
		if !val.isString() {
			return fmt.Errorf("%w: section is not a string", model.ErrInvalidFormat)
		}
		end := strings.IndexByte(key, ']')
		if end < 0 {
			return fmt.Errorf("%w: bad section %q", model.ErrInvalidFormat, key)
		}
		if rec.Sections == nil {
			rec.Sections = make(map[string][]byte)
		}
		rec.Sections[key[len("BODY["):end]] = []byte(val.Str)
	}
	return nil
}

// untaggedNumber matches "* <n> <kind>" and returns n and the remainder.
func untaggedNumber(line []byte, kind string) (uint32, string, bool) {
	if !bytes.HasPrefix(line, []byte("* ")) {
		return 0, "", false
	}
	rest := line[2:]
	sp := bytes.IndexByte(rest, ' ')
	if sp < 1 {
		return 0, "", false
	}
	n, err := strconv.ParseUint(string(rest[:sp]), 10, 32)
	if err != nil {
		return 0, "", false
	}
	rest = rest[sp+1:]
	if len(rest) < len(kind) || !strings.EqualFold(string(rest[:len(kind)]), kind) {
		return 0, "", false
	}
	rest = rest[len(kind):]
	if len(rest) != 0 && rest[0] != ' ' {
		return 0, "", false
	}
	return uint32(n), strings.TrimPrefix(string(rest), " "), true
}

// untaggedKeyword matches "* <kind> ..." and returns the remainder.
func untaggedKeyword(line []byte, kind string) (string, bool) {
	prefix := "* " + kind
	if len(line) < len(prefix) || !strings.EqualFold(string(line[:len(prefix)]), prefix) {
		return "", false
	}
	rest := line[len(prefix):]
	if len(rest) != 0 && rest[0] != ' ' {
		return "", false
	}
	return strings.TrimPrefix(string(rest), " "), true
}

// ListEntry is one "* LIST" response.
type ListEntry struct {
	Attributes []string
	Delimiter  string
	Name       string
}

func parseListLine(line []byte) (ListEntry, bool, error) {
	rest, ok := untaggedKeyword(line, "LIST")
	if !ok {
		return ListEntry{}, false, nil
	}
	tokens, err := parseTokens(rest)
	if err != nil {
		return ListEntry{}, true, err
	}
	if len(tokens) != 3 || tokens[0].Type != TContainer || !tokens[1].isString() || !tokens[2].isString() {
		return ListEntry{}, true, fmt.Errorf("%w: LIST response %q", model.ErrInvalidFormat, rest)
	}
	entry := ListEntry{
		Attributes: make([]string, 0, len(tokens[0].Tokens)),
		Delimiter:  tokens[1].Str,
		Name:       tokens[2].Str,
	}
	for _, a := range tokens[0].Tokens {
		entry.Attributes = append(entry.Attributes, a.Str)
	}
	return entry, true, nil
}

// respCode splits "[CODE args] text" into CODE and args.
func respCode(text string) (code, args string) {
	if !strings.HasPrefix(text, "[") {
		return "", ""
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return "", ""
	}
	inner := text[1:end]
	if sp := strings.IndexByte(inner, ' '); sp >= 0 {
		return strings.ToUpper(inner[:sp]), inner[sp+1:]
	}
	return strings.ToUpper(inner), ""
}

// parseSelectLine folds one untagged SELECT response into status.
func parseSelectLine(status *model.MailboxStatus, line []byte) {
	if n, _, ok := untaggedNumber(line, "EXISTS"); ok {
		status.Exists = n
		return
	}
	if n, _, ok := untaggedNumber(line, "RECENT"); ok {
		status.Recent = n
		return
	}
	if rest, ok := untaggedKeyword(line, "FLAGS"); ok {
		status.Flags = flagList(rest)
		return
	}
	rest, ok := untaggedKeyword(line, "OK")
	if !ok {
		return
	}
	code, args := respCode(rest)
	switch code {
	case "UNSEEN":
		status.Unseen = parseUint32(args)
	case "UIDNEXT":
		status.UIDNext = parseUint32(args)
	case "UIDVALIDITY":
		status.UIDValidity = parseUint32(args)
	case "PERMANENTFLAGS":
		status.PermanentFlags = flagList(args)
	}
}

func flagList(s string) []string {
	tokens, err := parseTokens(s)
	if err != nil || len(tokens) != 1 || tokens[0].Type != TContainer {
		return nil
	}
	flags := make([]string, 0, len(tokens[0].Tokens))
	for _, t := range tokens[0].Tokens {
		flags = append(flags, t.Str)
	}
	return flags
}

func parseUint32(s string) uint32 {
	n, _ := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	return uint32(n)
}
