// Package imap is the IMAP client core of a mail application.
//
// It focuses on the handful of operations a mail client needs:
//
//   - Connecting over any model.Transport, such as a WebSocket relay or a direct TLS socket
//   - Authenticating with LOGIN, AUTHENTICATE PLAIN or XOAUTH2 (OAuth 2.0)
//   - Listing, creating and deleting folders
//   - Fetching envelopes with their MIME structure, and fetching single parts
//   - Setting and clearing flags
//
// A Session speaks the protocol and tracks its state. A Client wraps one
// session and implements model.Connector, mapping wire data into the records
// of package model.
package imap
