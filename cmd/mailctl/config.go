package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mailiner/go-imap/model"
	"github.com/mailiner/go-imap/tunnel"
)

const (
	prefix      = "mailctl"
	tableFormat = `mailctl is configured via a YAML profile and the environment. Environment
variables override the profile. The following environment variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

// Config wraps all mailctl settings.
type Config struct {
	Profile        string        `required:"true" default:"~/.config/mailctl/profile.yaml" desc:"YAML account profile"`
	Backend        string        `required:"true" default:"imap" desc:"imap or memory"`
	LogLevel       string        `required:"true" default:"warn" split_words:"true" desc:"debug, info, warn or error"`
	LogJSON        bool          `default:"false" split_words:"true" desc:"Write logs as JSON"`
	Retries        int           `default:"2" desc:"Fresh connection attempts after the first"`
	DialTimeout    time.Duration `default:"15s" split_words:"true" desc:"TCP dial timeout"`
	CommandTimeout time.Duration `default:"60s" split_words:"true" desc:"IMAP command timeout, 0 for none"`
	Secret         string        `desc:"Password or access token, overrides the keyring"`
	Account        Account
	Relay          RelayServer
}

// Account describes the mailbox to connect to. Every field may come from the
// profile file; none has an environment default so the profile is not
// overwritten.
type Account struct {
	Host       string          `yaml:"host" desc:"IMAP server host"`
	Port       int             `yaml:"port" desc:"IMAP server port (993)"`
	Security   tunnel.Security `yaml:"security" desc:"tls or plain (tls)"`
	Username   string          `yaml:"username" desc:"Login name"`
	Mechanism  string          `yaml:"mechanism" desc:"login, plain or xoauth2 (login)"`
	RelayURL   string          `yaml:"relay_url" split_words:"true" desc:"WebSocket relay, ws:// or wss://"`
	SkipVerify bool            `yaml:"skip_verify" split_words:"true" desc:"Skip TLS certificate checks"`
}

// RelayServer configures the relay command.
type RelayServer struct {
	Addr  string   `required:"true" default:"127.0.0.1:8143" desc:"Relay listen host:port"`
	Path  string   `required:"true" default:"/relay" desc:"Relay endpoint path"`
	Allow []string `desc:"Reachable targets (host:port), empty allows ports 143 and 993"`
}

func defaultAccount() Account {
	return Account{Port: 993, Security: tunnel.TLS, Mechanism: "login"}
}

// Load layers the environment over the profile file over the built-in
// defaults. A missing profile is not an error. Non-empty profile and backend
// arguments override the environment.
func Load(profile, backend string) (*Config, error) {
	c := &Config{Account: defaultAccount()}
	if err := envconfig.Process(prefix, c); err != nil {
		return nil, err
	}
	if profile != "" {
		c.Profile = profile
	}
	data, err := os.ReadFile(expandHome(c.Profile))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &c.Account); err != nil {
			return nil, fmt.Errorf("profile %s: %w", c.Profile, err)
		}
		// Environment wins over the file.
		if err := envconfig.Process(prefix, c); err != nil {
			return nil, err
		}
		if profile != "" {
			c.Profile = profile
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	if backend != "" {
		c.Backend = backend
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "imap":
	default:
		return fmt.Errorf("backend %q not one of: imap, memory", c.Backend)
	}
	if c.Account.Host == "" {
		return errors.New("no IMAP host: set host in the profile or MAILCTL_ACCOUNT_HOST")
	}
	if c.Account.Username == "" {
		return errors.New("no username: set username in the profile or MAILCTL_ACCOUNT_USERNAME")
	}
	if _, ok := model.ParseMechanism(c.Account.Mechanism); !ok {
		return fmt.Errorf("mechanism %q not one of: login, plain, xoauth2", c.Account.Mechanism)
	}
	return nil
}

// Target returns the configured server address.
func (a Account) Target() tunnel.Target {
	return tunnel.Target{Host: a.Host, Port: a.Port}
}

// SecretKey names the account's entry in the keyring.
func (a Account) SecretKey() string {
	return a.Username + "@" + a.Target().Addr()
}

// Usage prints the envconfig usage to Stderr.
func Usage() error {
	tabs := tabwriter.NewWriter(os.Stderr, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(prefix, &Config{}, tabs, tableFormat); err != nil {
		return err
	}
	return tabs.Flush()
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
