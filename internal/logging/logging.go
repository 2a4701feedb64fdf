// Package logging builds the structured logger used throughout zreplicate:
// log/slog with a colourised human handler for terminals, a syslog sink,
// and an optional file sink, following the teacher's "thin wrapper around
// slog with level-aware sinks" logger pattern (spec.md §6, SPEC_FULL.md
// AMBIENT STACK).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/muesli/reflow/wordwrap"
)

// Options controls sink selection and verbosity, translated 1:1 from the
// --verbose/--quiet/--log-syslog-*/--log-config-file CLI surface.
type Options struct {
	Verbose int  // repeated --verbose
	Quiet   bool // --quiet

	SyslogAddress  string
	SyslogSockType string // "UDP" or "TCP"
	SyslogFacility string
	SyslogLevel    string
	SyslogPrefix   string

	FilePath string

	// Color forces ANSI colour on/off for the stdout sink; nil defers to
	// fatih/color's terminal autodetection.
	Color *bool

	// Width wraps the stdout handler's message and any embedded stderr tail
	// to this column count; 0 disables wrapping.
	Width int
}

func (o Options) level() slog.Level {
	switch {
	case o.Quiet:
		return slog.LevelError
	case o.Verbose >= 2:
		return slog.LevelDebug - slog.Level(o.Verbose-2)
	case o.Verbose == 1:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// New builds the composed logger. Sinks that fail to open (bad syslog
// address, unwritable file) are reported as an error, not silently
// dropped, since a misconfigured sink can hide every subsequent failure.
func New(opts Options) (*slog.Logger, error) {
	level := opts.level()
	var handlers []slog.Handler

	handlers = append(handlers, newHumanHandler(os.Stdout, level, opts))

	if opts.SyslogAddress != "" || opts.SyslogFacility != "" {
		h, err := newSyslogHandler(opts, level)
		if err != nil {
			return nil, fmt.Errorf("logging: syslog sink: %w", err)
		}
		handlers = append(handlers, h)
	}

	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: file sink %q: %w", opts.FilePath, err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(fanoutHandler{handlers: handlers}), nil
}

// fanoutHandler dispatches every record to all configured sinks.
type fanoutHandler struct {
	handlers []slog.Handler
	attrs    []slog.Attr
	group    string
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}

// humanHandler renders records as "LEVEL subsystem: message key=value ...",
// colourised per level and word-wrapped to a terminal width, matching the
// teacher's StdoutLoggingOutlet.Color behaviour.
type humanHandler struct {
	w     io.Writer
	level slog.Level
	opts  Options
	attrs []slog.Attr
}

func newHumanHandler(w io.Writer, level slog.Level, opts Options) *humanHandler {
	return &humanHandler{w: w, level: level, opts: opts}
}

func (h *humanHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *humanHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("%s %-5s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	if h.opts.Width > 0 {
		line = wordwrap.String(line, h.opts.Width)
	}

	colored := h.colorFor(r.Level)
	if colored != nil {
		line = colored.Sprint(line)
	}
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *humanHandler) colorFor(level slog.Level) *color.Color {
	if h.opts.Color != nil && !*h.opts.Color {
		return nil
	}
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed)
	case level >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case level < slog.LevelInfo:
		return color.New(color.FgHiBlack)
	default:
		return nil
	}
}

func (h *humanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *humanHandler) WithGroup(string) slog.Handler { return h }

func newSyslogHandler(opts Options, level slog.Level) (slog.Handler, error) {
	network := "udp"
	if opts.SyslogSockType == "TCP" {
		network = "tcp"
	}
	facility := syslogFacility(opts.SyslogFacility)
	w, err := syslog.Dial(network, opts.SyslogAddress, facility|syslog.LOG_INFO, opts.SyslogPrefix)
	if err != nil {
		return nil, err
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
}

func syslogFacility(name string) syslog.Priority {
	switch name {
	case "local0":
		return syslog.LOG_LOCAL0
	case "local1":
		return syslog.LOG_LOCAL1
	case "local2":
		return syslog.LOG_LOCAL2
	case "local3":
		return syslog.LOG_LOCAL3
	case "local4":
		return syslog.LOG_LOCAL4
	case "local5":
		return syslog.LOG_LOCAL5
	case "local6":
		return syslog.LOG_LOCAL6
	case "local7":
		return syslog.LOG_LOCAL7
	case "daemon", "":
		return syslog.LOG_DAEMON
	default:
		return syslog.LOG_DAEMON
	}
}

// WithSubsystem tags a child logger with a subsystem name, the teacher's
// WithError-adjacent convention for attributing log lines to a component.
func WithSubsystem(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("subsystem", name))
}

// WithError attaches err under a fixed "error" key, mirroring the teacher's
// logger.WithError helper.
func WithError(l *slog.Logger, err error) *slog.Logger {
	return l.With(slog.String("error", err.Error()))
}
