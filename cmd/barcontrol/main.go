package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/torsten-rupp/bar-sub003/client"
	"github.com/torsten-rupp/bar-sub003/config"
	"github.com/torsten-rupp/bar-sub003/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logger     *slog.Logger
	cfg        *config.Config
	configPath string
	verbose    bool
)

type customHandler struct {
	level slog.Leveler
	out   io.Writer
}

// Enabled determines whether the customHandler should log messages at the given level.
func (h *customHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level.Level()
}

// Handle processes a log record using the customHandler.
func (h *customHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	// Include file and line number
	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			fmt.Fprintf(&b, " (%s:%d)", filepath.Base(frame.File), frame.Line)
		}
	}
	b.WriteByte('\n')
	_, err := io.WriteString(h.out, b.String())
	return err
}

// WithAttrs returns a new handler with the given attributes.
func (h *customHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

// WithGroup returns a new handler with the given group name.
func (h *customHandler) WithGroup(_ string) slog.Handler { return h }

// newLogger builds the CLI logger. Records go to stdout and, when a log file
// is configured, to a rotated file as well.
func newLogger(lc config.LogConfig, debug bool) *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(lc.Level))
	if debug {
		level.Set(slog.LevelDebug)
	}

	var out io.Writer = os.Stdout
	if lc.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    max(lc.MaxSizeMB, 1),
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		})
	}
	return slog.New(&customHandler{level: level, out: out})
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "barcontrol",
	Short: "barcontrol - command line client for a BAR backup server",
	Long: `barcontrol connects to a BAR backup server, negotiates TLS when
credentials are available, authorizes and runs server commands.

Settings are read from barcontrol.yaml, BARCONTROL_* environment variables
and the flags below, in increasing priority.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		logger = newLogger(cfg.Log, verbose)
		client.SetLogger(logger)
		transport.SetLogger(logger)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (default ./barcontrol.yaml or ~/.bar/barcontrol.yaml)")
	flags.StringP("host", "H", "localhost", "Server host name")
	flags.IntP("port", "p", config.DefaultPort, "Plain/START_TLS port (0 disables)")
	flags.Int("tls-port", config.DefaultTLSPort, "Direct TLS port (0 disables)")
	flags.Bool("force-tls", false, "Refuse unencrypted connections")
	flags.String("password", "", "Server password")
	flags.Duration("timeout", client.DefaultTimeout, "Command timeout (negative disables)")
	flags.String("ca-file", "", "CA certificate (PEM)")
	flags.String("cert-file", "", "Client certificate (PEM)")
	flags.String("key-file", "", "Client key (PEM)")
	flags.String("keystore", "", "PKCS#12 keystore")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also log to this file, rotated")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect and print server information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		v := c.ServerVersion()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "transport:      %s\n", c.Strategy())
		fmt.Fprintf(out, "server version: %d.%d\n", v.Major, v.Minor)
		fmt.Fprintf(out, "path separator: %s\n", c.PathSeparator())
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec NAME [param=value ...]",
	Short: "Run one server command and print its results",
	Long: `Run one server command and print every result it returns.

Examples:
  barcontrol exec STATUS
  barcontrol exec JOB_LIST
  barcontrol exec JOB_START jobUUID=5d3c... type=FULL`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		raw, err := RunCommand(c, args[0], params)
		if err != nil {
			return err
		}
		return printResults(cmd.OutOrStdout(), raw)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and log server callbacks until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer func() {
			c.Close()
			logger.Info("Program finished.")
		}()
		return Watch(ctx, c)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

// connect opens a client with the loaded configuration. Callbacks are
// answered interactively when stdin is a terminal.
func connect(ctx context.Context) (*client.Client, error) {
	opts := cfg.ClientOptions()
	opts.DialTimeout = 10 * time.Second
	if isTerminal(os.Stdin) {
		opts.Prompter = newTerminalPrompter(os.Stdin, os.Stderr)
	}
	c := client.New(opts)
	if err := c.ConnectContext(ctx); err != nil {
		logger.Error("Failed to connect", "host", cfg.Host, "error", err)
		return nil, err
	}
	logger.Debug("Connected", "host", cfg.Host, "transport", c.Strategy().String())
	return c, nil
}
