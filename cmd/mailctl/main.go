// mailctl is a command line client for IMAP mailboxes built on the mailiner
// connector.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	imap "github.com/mailiner/go-imap"
)

var (
	profile = flag.String("profile", "", "YAML account profile, overrides MAILCTL_PROFILE")
	backend = flag.String("backend", "", "imap or memory, overrides MAILCTL_BACKEND")
	verbose = flag.Bool("v", false, "Log every IMAP command and response")
)

func main() {
	subcommands.ImportantFlag("profile")
	subcommands.ImportantFlag("backend")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&foldersCmd{}, "folders")
	subcommands.Register(&mkdirCmd{}, "folders")
	subcommands.Register(&rmdirCmd{}, "folders")
	subcommands.Register(&listCmd{}, "messages")
	subcommands.Register(&showCmd{}, "messages")
	subcommands.Register(&flagCmd{}, "messages")
	subcommands.Register(&partCmd{}, "messages")
	subcommands.Register(&secretCmd{}, "setup")
	subcommands.Register(&envCmd{}, "setup")
	subcommands.Register(&relayCmd{}, "relay")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

// configure loads the configuration and sets up logging and the library
// knobs it controls.
func configure() (*Config, error) {
	c, err := Load(*profile, *backend)
	if err != nil {
		return nil, err
	}
	if err := openLog(c.LogLevel, c.LogJSON, os.Stderr); err != nil {
		return nil, err
	}
	imap.Verbose = *verbose
	imap.RetryCount = c.Retries
	imap.DialTimeout = c.DialTimeout
	imap.CommandTimeout = c.CommandTimeout
	return c, nil
}

// openLog configures zerolog output and routes library logs through it.
func openLog(level string, json bool, w io.Writer) error {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		return fmt.Errorf("log level %q not one of: debug, info, warn, error", level)
	}
	w = zerolog.SyncWriter(w)
	if json {
		log.Logger = log.Output(w)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:     w,
			NoColor: runtime.GOOS == "windows",
		})
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	imap.SetLogger(imap.ZerologLogger(log.With().Str("module", "imap").Logger()))
	return nil
}

func fatal(msg string, err error) subcommands.ExitStatus {
	log.Debug().Err(err).Msg(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	return subcommands.ExitFailure
}

func usage(msg string) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitUsageError
}
