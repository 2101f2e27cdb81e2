// Package memory provides a model.Connector backed by process memory. It
// follows the same session rules as the IMAP connector and is meant for
// tests, demos and offline development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mailiner/go-imap/internal/logging"
	"github.com/mailiner/go-imap/model"
)

// Delimiter separates folder hierarchy levels.
const Delimiter = "/"

type state uint8

const (
	disconnected state = iota
	connected
	authenticated
)

func (s state) String() string {
	switch s {
	case disconnected:
		return "disconnected"
	case connected:
		return "unauthenticated"
	case authenticated:
		return "authenticated"
	}
	return "unknown"
}

// Part seeds one MIME part of a message.
type Part struct {
	// Path is the section path, "1" for a single-part message.
	Path         string
	ContentType  string
	Filename     string
	IsAttachment bool
	Content      model.MessageContent
}

type folder struct {
	model.Folder
	messages []model.MessageID
	nextUID  uint32
}

// Connector is an in-memory model.Connector.
type Connector struct {
	mu sync.Mutex

	now     func() time.Time
	users   map[string]string
	state   state
	account model.Account

	order     []model.FolderID
	folders   map[model.FolderID]*folder
	envelopes map[model.MessageID]model.Envelope
	parts     map[model.MessagePartID]model.MessagePart
}

var _ model.Connector = (*Connector)(nil)

// Option configures a Connector.
type Option func(*Connector)

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// WithUser registers a username and secret. Without any registered user
// every credential is accepted.
func WithUser(username, secret string) Option {
	return func(c *Connector) { c.users[username] = secret }
}

// New returns an empty, disconnected connector.
func New(opts ...Option) *Connector {
	c := &Connector{
		now:       time.Now,
		users:     make(map[string]string),
		folders:   make(map[model.FolderID]*folder),
		envelopes: make(map[model.MessageID]model.Envelope),
		parts:     make(map[model.MessagePartID]model.MessagePart),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddFolder creates a folder with the full hierarchical name. Missing
// parents are not created.
func (c *Connector) AddFolder(name string) (model.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addFolder(name)
}

func (c *Connector) addFolder(name string) (model.Folder, error) {
	id := model.FolderID(name)
	if name == "" {
		return model.Folder{}, fmt.Errorf("folder name %q: %w", name, model.ErrInvalidData)
	}
	if _, ok := c.folders[id]; ok {
		return model.Folder{}, fmt.Errorf("folder %s: %w: already exists", id, model.ErrInvalidData)
	}
	now := c.now()
	f := model.Folder{
		ID:        id,
		AccountID: c.account.ID,
		Name:      name,
		Delimiter: Delimiter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if i := strings.LastIndex(name, Delimiter); i > 0 {
		parent := model.FolderID(name[:i])
		f.ParentID = &parent
		f.Name = name[i+len(Delimiter):]
	}
	c.folders[id] = &folder{Folder: f, nextUID: 1}
	c.order = append(c.order, id)
	return f, nil
}

// AddMessage stores env in the folder under the next UID and returns it
// with its id, folder and structure filled in. The structure is built from
// parts: a single part at path "1" is a simple message, anything else
// multipart.
func (c *Connector) AddMessage(folderID model.FolderID, env model.Envelope, parts ...Part) (model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.folders[folderID]
	if !ok {
		return model.Envelope{}, fmt.Errorf("folder %s: %w", folderID, model.ErrNotFound)
	}
	id := model.NewMessageID(folderID, f.nextUID)
	f.nextUID++

	now := c.now()
	env.ID = id
	env.AccountID = c.account.ID
	env.FolderID = folderID
	if env.Date.IsZero() {
		env.Date = now
	}
	env.CreatedAt, env.UpdatedAt = now, now

	ids := make([]model.MessagePartID, 0, len(parts))
	env.HasAttachments = false
	for _, p := range parts {
		pid := model.NewMessagePartID(id, p.Path)
		c.parts[pid] = model.MessagePart{
			ID:           pid,
			EnvelopeID:   id,
			ContentType:  p.ContentType,
			Filename:     p.Filename,
			Size:         uint64(p.Content.Len()),
			IsAttachment: p.IsAttachment,
			Content:      p.Content,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		ids = append(ids, pid)
		env.HasAttachments = env.HasAttachments || p.IsAttachment
	}
	if len(parts) == 1 && parts[0].Path == "1" {
		env.Structure = model.Simple(ids[0])
	} else {
		env.Structure = model.Multipart(ids, env.Structure.Boundary)
	}

	c.envelopes[id] = env
	f.messages = append(f.messages, id)
	return env, nil
}

func (c *Connector) require(op string, want state) error {
	if c.state == disconnected {
		return &model.ConnectionError{Op: op, Err: fmt.Errorf("connector is not connected")}
	}
	if c.state != want {
		return &model.StateError{Op: op, State: c.state.String()}
	}
	return nil
}

// Connect marks the connector connected. The transport is not used.
func (c *Connector) Connect(ctx context.Context, _ model.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return &model.ConnectionError{Op: "connect", Err: err}
	}
	if c.state != disconnected {
		return &model.StateError{Op: "connect", State: c.state.String()}
	}
	c.state = connected
	return nil
}

// Disconnect succeeds from any state.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = disconnected
	return nil
}

// Authenticate checks creds against the registered users. The account id
// is "memory-<username>".
func (c *Connector) Authenticate(_ context.Context, creds model.Credentials) (model.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("authenticate", connected); err != nil {
		return model.Account{}, err
	}
	if len(c.users) != 0 {
		if secret, ok := c.users[creds.Username]; !ok || secret != creds.Secret {
			logging.Get().Warn("memory connector rejected credentials", "user", creds.Username)
			return model.Account{}, &model.ProtocolError{Command: creds.Mechanism.String(), Status: "NO", Text: "authentication failed"}
		}
	}

	now := c.now()
	c.account = model.Account{
		ID:        model.AccountID("memory-" + creds.Username),
		Name:      creds.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if strings.Contains(creds.Username, "@") {
		c.account.Email = creds.Username
	}
	for _, f := range c.folders {
		f.AccountID = c.account.ID
	}
	for id, env := range c.envelopes {
		env.AccountID = c.account.ID
		c.envelopes[id] = env
	}
	c.state = authenticated
	return c.account, nil
}

func (c *Connector) checkAccount(account model.AccountID) error {
	if account != "" && account != c.account.ID {
		return fmt.Errorf("account %s: %w", account, model.ErrNotFound)
	}
	return nil
}

func (c *Connector) ListFolders(_ context.Context, account model.AccountID) ([]model.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("list folders", authenticated); err != nil {
		return nil, err
	}
	if err := c.checkAccount(account); err != nil {
		return nil, err
	}
	out := make([]model.Folder, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.folders[id].Folder)
	}
	return out, nil
}

func (c *Connector) CreateFolder(_ context.Context, account model.AccountID, name string, parent *model.FolderID) (model.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("create folder", authenticated); err != nil {
		return model.Folder{}, err
	}
	if err := c.checkAccount(account); err != nil {
		return model.Folder{}, err
	}
	if name == "" || strings.Contains(name, Delimiter) {
		return model.Folder{}, fmt.Errorf("folder name %q: %w", name, model.ErrInvalidData)
	}
	full := name
	if parent != nil && *parent != "" {
		if _, ok := c.folders[*parent]; !ok {
			return model.Folder{}, fmt.Errorf("parent folder %s: %w", *parent, model.ErrNotFound)
		}
		full = string(*parent) + Delimiter + name
	}
	return c.addFolder(full)
}

// DeleteFolder removes the folder with its messages. Subfolders are kept.
func (c *Connector) DeleteFolder(_ context.Context, id model.FolderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.require("delete folder", authenticated); err != nil {
		return err
	}
	f, ok := c.folders[id]
	if !ok {
		return fmt.Errorf("folder %s: %w", id, model.ErrNotFound)
	}
	for _, mid := range f.messages {
		for _, pid := range c.envelopes[mid].Structure.PartIDs() {
			delete(c.parts, pid)
		}
		delete(c.envelopes, mid)
	}
	delete(c.folders, id)
	for i, fid := range c.order {
		if fid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Connector) folderMessages(op string, id model.FolderID) ([]model.MessageID, error) {
	if err := c.require(op, authenticated); err != nil {
		return nil, err
	}
	f, ok := c.folders[id]
	if !ok {
		return nil, fmt.Errorf("folder %s: %w", id, model.ErrNotFound)
	}
	return f.messages, nil
}

func (c *Connector) ListEnvelopes(_ context.Context, id model.FolderID) ([]model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.folderMessages("list envelopes", id)
	if err != nil {
		return nil, err
	}
	out := make([]model.Envelope, 0, len(ids))
	for _, mid := range ids {
		out = append(out, c.envelopes[mid])
	}
	return out, nil
}

// ListEnvelopesRange returns the zero-based half-open range [start, end),
// clamped to the folder size.
func (c *Connector) ListEnvelopesRange(_ context.Context, id model.FolderID, start, end int) ([]model.Envelope, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("range [%d, %d): %w", start, end, model.ErrInvalidData)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, err := c.folderMessages("list envelopes", id)
	if err != nil {
		return nil, err
	}
	end = min(end, len(ids))
	if start >= end {
		return []model.Envelope{}, nil
	}
	out := make([]model.Envelope, 0, end-start)
	for _, mid := range ids[start:end] {
		out = append(out, c.envelopes[mid])
	}
	return out, nil
}

func (c *Connector) envelope(op string, id model.MessageID) (model.Envelope, error) {
	if err := c.require(op, authenticated); err != nil {
		return model.Envelope{}, err
	}
	if _, _, err := id.Split(); err != nil {
		return model.Envelope{}, err
	}
	env, ok := c.envelopes[id]
	if !ok {
		return model.Envelope{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
	}
	return env, nil
}

func (c *Connector) GetEnvelope(_ context.Context, id model.MessageID) (model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envelope("get envelope", id)
}

// UpdateEnvelopeFlags applies the updates in order. Names are validated
// before anything changes.
func (c *Connector) UpdateEnvelopeFlags(_ context.Context, id model.MessageID, flags []model.FlagUpdate) error {
	if err := model.ValidateFlags(flags); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	env, err := c.envelope("update flags", id)
	if err != nil {
		return err
	}
	for _, u := range flags {
		if err := env.ApplyFlag(u); err != nil {
			return err
		}
	}
	env.UpdatedAt = c.now()
	c.envelopes[id] = env
	return nil
}

func (c *Connector) GetMessagePart(_ context.Context, message model.MessageID, part model.MessagePartID) (model.MessagePart, error) {
	owner, _, err := part.Split()
	if err != nil {
		return model.MessagePart{}, err
	}
	if owner != message {
		return model.MessagePart{}, fmt.Errorf("part %s does not belong to %s: %w", part, message, model.ErrInvalidData)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.envelope("get part", message); err != nil {
		return model.MessagePart{}, err
	}
	p, ok := c.parts[part]
	if !ok {
		return model.MessagePart{}, fmt.Errorf("part %s: %w", part, model.ErrNotFound)
	}
	return p, nil
}
