package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relayreport/internal/broker"
	"github.com/agentworkforce/relayreport/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr, os.Getenv).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries what every subcommand shares: resolved flags, the environment
// and the output streams.
type cli struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	configPath string
	logLevel   string
	logFormat  string
	storageDSN string
	queueDSN   string
	deadDSN    string
}

func newRootCmd(stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, getenv: getenv}
	root := &cobra.Command{
		Use:          "relayreport",
		Short:        "Asynchronous test-reporting ingestion pipeline",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "YAML config file (also RELAYREPORT_CONFIG)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&c.logFormat, "log-format", "", "log format: auto, json or console")
	flags.StringVar(&c.storageDSN, "storage-dsn", "", "persistence DSN (memory:// or postgres://...)")
	flags.StringVar(&c.queueDSN, "queue-dsn", "", "queue DSN (memory://, file:///dir or postgres://...)")
	flags.StringVar(&c.deadDSN, "deadletter-dsn", "", "dead-letter DSN (memory://, file:///path, postgres://..., s3://bucket/prefix)")

	root.AddCommand(
		newServeCmd(c),
		newDeadLettersCmd(c),
		newPublishCmd(c),
	)
	return root
}

// load resolves configuration: defaults, file, environment, then any flag
// the user set explicitly.
func (c *cli) load(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	bootstrap := newLogger("info", "auto", c.stderr)
	cfg, err := config.Loader{Getenv: c.getenv, Logger: bootstrap}.Load(c.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	if changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = c.logFormat
	}
	if changed("storage-dsn") {
		cfg.StorageDSN = c.storageDSN
	}
	if changed("queue-dsn") {
		cfg.QueueDSN = c.queueDSN
	}
	if changed("deadletter-dsn") {
		cfg.DeadLetterDSN = c.deadDSN
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.LogLevel, cfg.LogFormat, c.stderr), nil
}

// requireShared rejects in-process backends in commands that run beside the
// serve process: whatever they publish or inspect would die with them.
func requireShared(setting, dsn string) error {
	if broker.InProcess(dsn) {
		return fmt.Errorf("%s %q only exists inside one process; point it at the file:// or postgres:// backend the serve process uses", setting, dsn)
	}
	return nil
}

func newLogger(level, format string, out io.Writer) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	if format == "console" || ((format == "auto" || format == "") && isTerminal(out)) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano}
	}
	return zerolog.New(out).Level(parsed).With().Timestamp().Str("service", "relayreport").Logger()
}

func isTerminal(out io.Writer) bool {
	file, ok := out.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
