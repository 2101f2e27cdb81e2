package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mailiner/go-imap/model"
	"github.com/mailiner/go-imap/tunnel"
)

type foldersCmd struct{}

func (*foldersCmd) Name() string     { return "folders" }
func (*foldersCmd) Synopsis() string { return "list folders" }
func (*foldersCmd) Usage() string {
	return `folders:
	list every folder of the account
`
}
func (*foldersCmd) SetFlags(*flag.FlagSet) {}

func (*foldersCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	folders, err := s.ListFolders(ctx, s.account.ID)
	if err != nil {
		return fatal("Listing folders failed", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	for _, f := range folders {
		parent := "-"
		if f.ParentID != nil {
			parent = f.ParentID.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, parent, strings.Join(f.Attributes, " "))
	}
	_ = tw.Flush()
	return subcommands.ExitSuccess
}

type mkdirCmd struct {
	parent string
}

func (*mkdirCmd) Name() string     { return "mkdir" }
func (*mkdirCmd) Synopsis() string { return "create a folder" }
func (*mkdirCmd) Usage() string {
	return `mkdir [-parent <folder>] <name>:
	create a folder, optionally below an existing one
`
}

func (m *mkdirCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.parent, "parent", "", "parent folder id")
}

func (m *mkdirCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	name := f.Arg(0)
	if name == "" {
		return usage("folder name required")
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	var parent *model.FolderID
	if m.parent != "" {
		p := model.FolderID(m.parent)
		parent = &p
	}
	folder, err := s.CreateFolder(ctx, s.account.ID, name, parent)
	if err != nil {
		return fatal("Creating folder failed", err)
	}
	fmt.Println(folder.ID)
	return subcommands.ExitSuccess
}

type rmdirCmd struct{}

func (*rmdirCmd) Name() string     { return "rmdir" }
func (*rmdirCmd) Synopsis() string { return "delete a folder" }
func (*rmdirCmd) Usage() string {
	return `rmdir <folder>:
	delete a folder and the messages in it
`
}
func (*rmdirCmd) SetFlags(*flag.FlagSet) {}

func (*rmdirCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	folder := f.Arg(0)
	if folder == "" {
		return usage("folder required")
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	if err := s.DeleteFolder(ctx, model.FolderID(folder)); err != nil {
		return fatal("Deleting folder failed", err)
	}
	return subcommands.ExitSuccess
}

type listCmd struct {
	start, end int
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list messages in a folder" }
func (*listCmd) Usage() string {
	return `list [-start n] [-end n] <folder>:
	list message envelopes, optionally only the zero-based range [start, end)
`
}

func (l *listCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&l.start, "start", 0, "first position, zero-based")
	f.IntVar(&l.end, "end", -1, "position after the last, -1 for all")
}

func (l *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	folder := model.FolderID(f.Arg(0))
	if folder == "" {
		return usage("folder required")
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	var envs []model.Envelope
	if l.start == 0 && l.end < 0 {
		envs, err = s.ListEnvelopes(ctx, folder)
	} else {
		end := l.end
		if end < 0 {
			end = math.MaxInt
		}
		envs, err = s.ListEnvelopesRange(ctx, folder, l.start, end)
	}
	var batch *model.BatchError
	if errors.As(err, &batch) {
		for _, item := range batch.Failures {
			log.Warn().Str("item", item.Item).Err(item.Err).Msg("skipped message")
		}
	} else if err != nil {
		return fatal("Listing messages failed", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	for _, e := range envs {
		from := ""
		if len(e.From) > 0 {
			from = e.From[0].String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.ID, flagString(e), humanize.Time(e.Date), from, e.Subject)
	}
	_ = tw.Flush()
	return subcommands.ExitSuccess
}

func flagString(e model.Envelope) string {
	b := []byte("-----")
	for i, set := range []bool{!e.IsRead, e.IsStarred, e.IsFlagged, e.IsDraft, e.IsDeleted} {
		if set {
			b[i] = "NSFDX"[i]
		}
	}
	return string(b)
}

type showCmd struct{}

func (*showCmd) Name() string     { return "show" }
func (*showCmd) Synopsis() string { return "show a message envelope and its parts" }
func (*showCmd) Usage() string {
	return `show <message-id>:
	print the envelope and part list of a message
`
}
func (*showCmd) SetFlags(*flag.FlagSet) {}

func (*showCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	id := model.MessageID(f.Arg(0))
	if id == "" {
		return usage("message id required")
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	env, err := s.GetEnvelope(ctx, id)
	if err != nil {
		return fatal("Fetching envelope failed", err)
	}
	fmt.Print(env.String())
	fmt.Println()
	for _, pid := range env.Structure.PartIDs() {
		fmt.Println(pid)
	}
	return subcommands.ExitSuccess
}

type flagCmd struct{}

func (*flagCmd) Name() string     { return "flag" }
func (*flagCmd) Synopsis() string { return "set or clear message flags" }
func (*flagCmd) Usage() string {
	return `flag <message-id> name=bool...:
	update flags, e.g. flag INBOX:12 is_read=true is_starred=false
`
}
func (*flagCmd) SetFlags(*flag.FlagSet) {}

func (*flagCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		return usage("message id and at least one name=bool required")
	}
	updates, err := parseFlagUpdates(f.Args()[1:])
	if err != nil {
		return usage(err.Error())
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	if err := s.UpdateEnvelopeFlags(ctx, model.MessageID(f.Arg(0)), updates); err != nil {
		return fatal("Updating flags failed", err)
	}
	return subcommands.ExitSuccess
}

// parseFlagUpdates turns name=bool arguments into flag updates. Names are
// checked by the connector.
func parseFlagUpdates(args []string) ([]model.FlagUpdate, error) {
	updates := make([]model.FlagUpdate, 0, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not name=bool", arg)
		}
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		updates = append(updates, model.FlagUpdate{Name: name, Value: v})
	}
	return updates, nil
}

type partCmd struct {
	out string
}

func (*partCmd) Name() string     { return "part" }
func (*partCmd) Synopsis() string { return "print or save a message part" }
func (*partCmd) Usage() string {
	return `part [-o file] <message-id> <part-id>:
	print a text part, or write any part to a file
`
}

func (p *partCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.out, "o", "", "write the decoded content to this file")
}

func (p *partCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return usage("message id and part id required")
	}
	s, err := open(ctx)
	if err != nil {
		return fatal("Couldn't connect", err)
	}
	defer s.Close()

	part, err := s.GetMessagePart(ctx, model.MessageID(f.Arg(0)), model.MessagePartID(f.Arg(1)))
	if err != nil {
		return fatal("Fetching part failed", err)
	}
	data := []byte(part.Content.Text)
	if part.Content.Kind == model.ContentBinary {
		data = part.Content.Data
	}
	if p.out != "" {
		if err := os.WriteFile(p.out, data, 0o644); err != nil {
			return fatal("Writing part failed", err)
		}
		fmt.Printf("%s: wrote %s\n", p.out, humanize.Bytes(uint64(len(data))))
		return subcommands.ExitSuccess
	}
	if part.Content.Kind == model.ContentBinary {
		fmt.Println(part.String())
		return subcommands.ExitSuccess
	}
	fmt.Println(part.Content.Text)
	return subcommands.ExitSuccess
}

type secretCmd struct {
	remove bool
}

func (*secretCmd) Name() string     { return "secret" }
func (*secretCmd) Synopsis() string { return "store the account secret in the keyring" }
func (*secretCmd) Usage() string {
	return `secret [-rm]:
	read a password or access token from stdin and store it in the keyring
`
}

func (s *secretCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.remove, "rm", false, "remove the stored secret instead")
}

func (s *secretCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	c, err := configure()
	if err != nil {
		return fatal("Bad configuration", err)
	}
	key := c.Account.SecretKey()
	if s.remove {
		if err := deleteSecret(key); err != nil {
			return fatal("Removing secret failed", err)
		}
		return subcommands.ExitSuccess
	}

	fmt.Fprintf(os.Stderr, "Secret for %s: ", key)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return fatal("Reading secret failed", errors.Join(err, errors.New("empty secret")))
	}
	if err := setSecret(key, line); err != nil {
		return fatal("Storing secret failed", err)
	}
	return subcommands.ExitSuccess
}

type envCmd struct{}

func (*envCmd) Name() string     { return "env" }
func (*envCmd) Synopsis() string { return "describe configuration variables" }
func (*envCmd) Usage() string {
	return `env:
	print the environment variables mailctl reads
`
}
func (*envCmd) SetFlags(*flag.FlagSet) {}

func (*envCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	if err := Usage(); err != nil {
		return fatal("Unable to parse env config", err)
	}
	return subcommands.ExitSuccess
}

type relayCmd struct{}

func (*relayCmd) Name() string     { return "relay" }
func (*relayCmd) Synopsis() string { return "serve a WebSocket to TCP relay" }
func (*relayCmd) Usage() string {
	return `relay:
	accept WebSocket connections and bridge them to IMAP servers
`
}
func (*relayCmd) SetFlags(*flag.FlagSet) {}

func (*relayCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	// The relay needs no account.
	c, err := Load(*profile, "memory")
	if err != nil {
		return fatal("Bad configuration", err)
	}
	if err := openLog(c.LogLevel, c.LogJSON, os.Stderr); err != nil {
		return fatal("Bad configuration", err)
	}

	srv := &http.Server{
		Addr:              c.Relay.Addr,
		Handler:           relayRouter(c.Relay),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("phase", "startup").Str("addr", c.Relay.Addr).Str("path", c.Relay.Path).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fatal("Relay failed", err)
	}
	log.Info().Str("phase", "shutdown").Msg("relay stopped")
	return subcommands.ExitSuccess
}

// relayRouter routes the relay endpoint and a health check.
func relayRouter(cfg RelayServer) *mux.Router {
	r := mux.NewRouter()
	h := &tunnel.RelayHandler{}
	if len(cfg.Allow) > 0 {
		allowed := make(map[string]bool, len(cfg.Allow))
		for _, t := range cfg.Allow {
			allowed[t] = true
		}
		h.Allow = func(target string) bool { return allowed[target] }
	}
	r.Handle(cfg.Path, h).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return r
}
