package imap

import (
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime/v2"
	"golang.org/x/net/html/charset"

	"github.com/mailiner/go-imap/model"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

// headerAddresses reads an address header. The strict RFC 5322 parser is
// tried first; headers it rejects go through the lenient splitter.
func headerAddresses(env *enmime.Envelope, key string) ([]model.Address, error) {
	list, err := env.AddressList(key)
	if errors.Is(err, mail.ErrHeaderNotPresent) {
		return nil, nil
	}
	if err == nil {
		out := make([]model.Address, 0, len(list))
		for _, a := range list {
			out = append(out, model.Address{Name: a.Name, Email: a.Address})
		}
		return out, nil
	}
	out, perr := ParseAddressList(env.Root.Header.Get(key))
	if perr != nil {
		return nil, fmt.Errorf("%s: %w", key, perr)
	}
	return out, nil
}

// ParseAddressList parses a comma separated list of `"Name" <user@host>`,
// `Name <user@host>` or bare `user@host` entries. Commas inside quotes or
// angle brackets do not split. Group syntax is flattened.
func ParseAddressList(s string) ([]model.Address, error) {
	out := make([]model.Address, 0)
	for _, entry := range splitAddresses(s) {
		entry = stripGroup(entry)
		if entry == "" {
			continue
		}
		a, err := ParseAddress(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseAddress parses a single address entry.
func ParseAddress(s string) (model.Address, error) {
	s = strings.TrimSpace(s)
	var a model.Address
	if lt := strings.LastIndexByte(s, '<'); lt >= 0 && strings.HasSuffix(s, ">") {
		a.Email = strings.TrimSpace(s[lt+1 : len(s)-1])
		a.Name = decodeName(s[:lt])
	} else {
		a.Email = strings.Trim(s, `"`)
	}
	if at := strings.IndexByte(a.Email, '@'); at <= 0 || at == len(a.Email)-1 || strings.ContainsAny(a.Email, " \t<>,") {
		return model.Address{}, fmt.Errorf("%w: bad address %q", model.ErrInvalidData, s)
	}
	return a, nil
}

func decodeName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = RemoveSlashes.Replace(s[1 : len(s)-1])
	}
	if dec, err := wordDecoder.DecodeHeader(s); err == nil {
		s = dec
	}
	return strings.TrimSpace(s)
}

// splitAddresses splits on commas outside quotes, angle brackets and
// comments.
func splitAddresses(s string) []string {
	var (
		parts   []string
		start   int
		quoted  bool
		angle   int
		comment int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"' && comment == 0:
			quoted = !quoted
		case quoted:
		case c == '(':
			comment++
		case c == ')' && comment > 0:
			comment--
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == ',' && angle == 0 && comment == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// stripGroup removes "group:" prefixes and ";" terminators.
func stripGroup(entry string) string {
	entry = strings.TrimSpace(entry)
	if colon := strings.IndexByte(entry, ':'); colon >= 0 && !strings.ContainsAny(entry[:colon], `"<@`) {
		entry = entry[colon+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(entry), ";"))
}
