package imap

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping quoted strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// RetryCount is how many fresh connection attempts Client.Connect makes after
// the first one fails. Authentication is never retried.
var RetryCount = 0

// DialTimeout defines how long to wait when establishing a new connection
// with New. Zero means no timeout.
var DialTimeout time.Duration

// CommandTimeout defines how long to wait for a command to complete.
// Zero means no timeout. An expired command breaks the session.
var CommandTimeout time.Duration

// TLSSkipVerify disables certificate verification for connections opened
// by New. Use with caution; skipping verification exposes the connection to
// man-in-the-middle attacks.
var TLSSkipVerify bool
