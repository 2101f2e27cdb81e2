package imap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mailiner/go-imap/model"
	"github.com/mailiner/go-imap/tunnel"
)

// Client implements model.Connector over a single IMAP session.
type Client struct {
	mu      sync.Mutex
	session *Session
	mapper  *Mapper
	account model.Account
	delim   string
}

var _ model.Connector = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithSessionOptions passes options to the underlying session.
func WithSessionOptions(opts ...SessionOption) Option {
	return func(c *Client) { c.session = NewSession(opts...) }
}

// WithHTMLPolicy sets the sanitizer for text/html parts. Nil disables
// sanitizing.
func WithHTMLPolicy(p *bluemonday.Policy) Option {
	return func(c *Client) { c.mapper.HTML = p }
}

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.mapper.Now = now }
}

// NewClient returns a disconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		session: NewSession(),
		mapper:  NewMapper(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New connects to host:port over TLS and logs in with username/password.
func New(ctx context.Context, username, password, host string, port int) (*Client, error) {
	return dial(ctx, model.Credentials{Username: username, Secret: password, Mechanism: model.MechanismLogin}, host, port)
}

// NewWithOAuth2 connects to host:port over TLS and authenticates with
// XOAUTH2 using an access token.
func NewWithOAuth2(ctx context.Context, username, accessToken, host string, port int) (*Client, error) {
	return dial(ctx, model.Credentials{Username: username, Secret: accessToken, Mechanism: model.MechanismXOAuth2}, host, port)
}

func dial(ctx context.Context, creds model.Credentials, host string, port int) (*Client, error) {
	c := NewClient()
	t := &tunnel.Direct{
		Target:     tunnel.Target{Host: host, Port: port},
		Security:   tunnel.TLS,
		Timeout:    DialTimeout,
		SkipVerify: TLSSkipVerify,
	}
	if err := c.Connect(ctx, t); err != nil {
		return nil, err
	}
	if _, err := c.Authenticate(ctx, creds); err != nil {
		_ = c.Disconnect(ctx)
		return nil, err
	}
	return c, nil
}

// Session exposes the underlying protocol session.
func (c *Client) Session() *Session { return c.session }

// Status returns the status of the last selected mailbox, or nil.
func (c *Client) Status() *model.MailboxStatus { return c.session.Status() }

// Connect opens the transport, retrying fresh dials RetryCount times.
func (c *Client) Connect(ctx context.Context, t model.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.session.State(); st != StateDisconnected {
		return &model.StateError{Op: "connect", State: st.String()}
	}

	// Retry only the connection establishment, not authentication
	err := retry.Retry(func() error {
		if Verbose {
			sessionLogger(c.session.ID(), "").Debug("establishing connection")
		}
		return c.session.Connect(ctx, t)
	}, RetryCount, func(err error) error {
		sessionLogger(c.session.ID(), "").Warn("failed to connect", "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}, func() error {
		if Verbose {
			sessionLogger(c.session.ID(), "").Debug("retrying connection now")
		}
		return nil
	})
	var cerr *model.ConnectionError
	if err != nil && !errors.As(err, &cerr) {
		return &model.ConnectionError{Op: "connect", Err: err}
	}
	return err
}

// Disconnect logs out. It succeeds from any state.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Logout(ctx)
}

// Authenticate logs in and returns the account, whose ID is
// "imap-<username>".
func (c *Client) Authenticate(ctx context.Context, creds model.Credentials) (model.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.session.Authenticate(ctx, creds); err != nil {
		return model.Account{}, err
	}
	now := c.mapper.now()
	c.account = model.Account{
		ID:        model.AccountID("imap-" + creds.Username),
		Name:      creds.Username,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if strings.Contains(creds.Username, "@") {
		c.account.Email = creds.Username
	}
	return c.account, nil
}

func (c *Client) checkAccount(account model.AccountID) error {
	if c.account.ID != "" && account != "" && account != c.account.ID {
		return fmt.Errorf("account %s: %w", account, model.ErrNotFound)
	}
	return nil
}

// ListFolders lists every mailbox of the account.
func (c *Client) ListFolders(ctx context.Context, account model.AccountID) ([]model.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccount(account); err != nil {
		return nil, err
	}
	entries, err := c.session.List(ctx)
	if err != nil {
		return nil, err
	}
	folders := make([]model.Folder, 0, len(entries))
	for _, e := range entries {
		if e.Delimiter != "" {
			c.delim = e.Delimiter
		}
		folders = append(folders, c.mapper.Folder(c.account.ID, e))
	}
	return folders, nil
}

// CreateFolder creates name under parent, joined with the server delimiter
// learned from the last listing ("/" before any).
func (c *Client) CreateFolder(ctx context.Context, account model.AccountID, name string, parent *model.FolderID) (model.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkAccount(account); err != nil {
		return model.Folder{}, err
	}
	delim := c.delim
	if delim == "" {
		delim = "/"
	}
	if name == "" || strings.Contains(name, delim) {
		return model.Folder{}, fmt.Errorf("folder name %q: %w", name, model.ErrInvalidData)
	}
	full := name
	if parent != nil && *parent != "" {
		full = string(*parent) + delim + name
	}
	if err := c.session.Create(ctx, full); err != nil {
		return model.Folder{}, err
	}
	return c.mapper.Folder(c.account.ID, ListEntry{Name: full, Delimiter: delim}), nil
}

// DeleteFolder removes the folder.
func (c *Client) DeleteFolder(ctx context.Context, folder model.FolderID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Delete(ctx, string(folder))
}

// ListEnvelopes returns every message of the folder in mailbox order. When
// some records cannot be mapped the others are returned with a
// *model.BatchError.
func (c *Client) ListEnvelopes(ctx context.Context, folder model.FolderID) ([]model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.session.Select(ctx, string(folder))
	if err != nil {
		return nil, err
	}
	if status.Exists == 0 {
		return []model.Envelope{}, nil
	}
	records, err := c.session.Fetch(ctx, "1:*", true, envelopeItems)
	if err != nil {
		return nil, err
	}
	return c.envelopes(folder, records)
}

// ListEnvelopesRange returns the zero-based half-open range [start, end) of
// the folder, clamped to its size.
func (c *Client) ListEnvelopesRange(ctx context.Context, folder model.FolderID, start, end int) ([]model.Envelope, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("range [%d, %d): %w", start, end, model.ErrInvalidData)
	}
	if start == end {
		return []model.Envelope{}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	status, err := c.session.Select(ctx, string(folder))
	if err != nil {
		return nil, err
	}
	if end > int(status.Exists) {
		end = int(status.Exists)
	}
	if start >= end {
		return []model.Envelope{}, nil
	}
	set := strconv.Itoa(start+1) + ":" + strconv.Itoa(end)
	records, err := c.session.Fetch(ctx, set, false, envelopeItems)
	if err != nil {
		return nil, err
	}
	return c.envelopes(folder, records)
}

func (c *Client) envelopes(folder model.FolderID, records []FetchRecord) ([]model.Envelope, error) {
	sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	envelopes := make([]model.Envelope, 0, len(records))
	var failures []model.ItemError
	for _, rec := range records {
		env, err := c.mapper.Envelope(c.account.ID, folder, rec)
		if err != nil {
			item := strconv.FormatUint(uint64(rec.Seq), 10)
			if rec.UID != 0 {
				item = string(model.NewMessageID(folder, rec.UID))
			}
			failures = append(failures, model.ItemError{Item: item, Err: err})
			continue
		}
		envelopes = append(envelopes, env)
	}
	if len(failures) != 0 {
		return envelopes, &model.BatchError{Failures: failures}
	}
	return envelopes, nil
}

// fetchOne selects the message's folder and fetches items for it by UID.
func (c *Client) fetchOne(ctx context.Context, id model.MessageID, items string) (model.FolderID, FetchRecord, error) {
	folder, uid, err := id.Split()
	if err != nil {
		return "", FetchRecord{}, err
	}
	if _, err := c.session.Select(ctx, string(folder)); err != nil {
		return "", FetchRecord{}, err
	}
	rec, err := c.fetchSelected(ctx, id, uid, items)
	if err != nil {
		return "", FetchRecord{}, err
	}
	return folder, rec, nil
}

// fetchSelected fetches items of one message in the selected folder.
func (c *Client) fetchSelected(ctx context.Context, id model.MessageID, uid uint32, items string) (FetchRecord, error) {
	records, err := c.session.Fetch(ctx, strconv.FormatUint(uint64(uid), 10), true, items)
	if err != nil {
		return FetchRecord{}, err
	}
	for _, rec := range records {
		if rec.UID == uid {
			return rec, nil
		}
	}
	return FetchRecord{}, fmt.Errorf("message %s: %w", id, model.ErrNotFound)
}

// GetEnvelope fetches one message.
func (c *Client) GetEnvelope(ctx context.Context, id model.MessageID) (model.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	folder, rec, err := c.fetchOne(ctx, id, envelopeItems)
	if err != nil {
		return model.Envelope{}, err
	}
	return c.mapper.Envelope(c.account.ID, folder, rec)
}

// UpdateEnvelopeFlags sets or clears the named flags. Names are validated
// before any command is sent.
func (c *Client) UpdateEnvelopeFlags(ctx context.Context, id model.MessageID, flags []model.FlagUpdate) error {
	add, remove, err := FlagChanges(flags)
	if err != nil {
		return err
	}
	folder, uid, err := id.Split()
	if err != nil {
		return err
	}
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.session.Select(ctx, string(folder)); err != nil {
		return err
	}
	if err := c.session.Store(ctx, uid, true, add); err != nil {
		return err
	}
	return c.session.Store(ctx, uid, false, remove)
}

// GetMessagePart fetches the content of one part. The structure is fetched
// again to resolve the part's section and type; both fetches share one
// SELECT.
func (c *Client) GetMessagePart(ctx context.Context, message model.MessageID, part model.MessagePartID) (model.MessagePart, error) {
	owner, path, err := part.Split()
	if err != nil {
		return model.MessagePart{}, err
	}
	if owner != message {
		return model.MessagePart{}, fmt.Errorf("part %s does not belong to %s: %w", part, message, model.ErrInvalidData)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	folder, uid, err := message.Split()
	if err != nil {
		return model.MessagePart{}, err
	}
	if _, err := c.session.Select(ctx, string(folder)); err != nil {
		return model.MessagePart{}, err
	}
	rec, err := c.fetchSelected(ctx, message, uid, "UID BODYSTRUCTURE")
	if err != nil {
		return model.MessagePart{}, err
	}
	if rec.Err != nil {
		return model.MessagePart{}, rec.Err
	}
	root, err := parseStructure(message, rec.BodyStructure)
	if err != nil {
		return model.MessagePart{}, err
	}
	node, ok := root.Find(path)
	if !ok || node.IsMultipart() {
		return model.MessagePart{}, fmt.Errorf("part %s: %w", part, model.ErrNotFound)
	}

	rec, err = c.fetchSelected(ctx, message, uid, "UID BODY.PEEK["+path+"]")
	if err != nil {
		return model.MessagePart{}, err
	}
	if rec.Err != nil {
		return model.MessagePart{}, rec.Err
	}
	raw, ok := rec.Sections[path]
	if !ok {
		return model.MessagePart{}, fmt.Errorf("part %s: %w: section missing from response", part, model.ErrInvalidFormat)
	}
	return c.mapper.Part(message, path, node, raw)
}
