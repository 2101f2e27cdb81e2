package imap

import "fmt"

// dropNl removes trailing newline characters from a byte slice
func dropNl(b []byte) []byte {
	if len(b) >= 1 && b[len(b)-1] == '\n' {
		if len(b) >= 2 && b[len(b)-2] == '\r' {
			return b[:len(b)-2]
		}
		return b[:len(b)-1]
	}
	return b
}

// MakeIMAPLiteral generates IMAP literal syntax for non-ASCII strings.
// It returns a string in the format "{bytecount}\r\ntext" where bytecount
// is the number of bytes (not characters) in the input string.
// Example: MakeIMAPLiteral("тест") returns "{8}\r\nтест"
func MakeIMAPLiteral(s string) string {
	return fmt.Sprintf("{%d}\r\n%s", len([]byte(s)), s)
}

// needsLiteral reports whether s cannot be sent as a quoted string.
func needsLiteral(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\r', c == '\n', c == 0, c >= 0x80:
			return true
		}
	}
	return false
}

// quote returns s as an IMAP quoted string.
func quote(s string) string {
	return `"` + AddSlashes.Replace(s) + `"`
}
