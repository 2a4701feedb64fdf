// Package executor implements the Remote executor component from
// spec.md §4.2: uniform execution of a command vector on a named endpoint,
// wrapping non-local endpoints in a secure remote shell, multiplexing
// connections, budgeting command-line length and validating argv for
// shell-sensitive characters.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/ondisk/zreplicate/internal/faultinjection"
	"github.com/ondisk/zreplicate/internal/zerrors"
)

// MaxCapturedBytes bounds how much stdout/stderr Run retains for a
// non-streaming invocation, per spec.md §4.2 ("capture stdout/stderr
// (bounded)").
const MaxCapturedBytes = 1 << 20

// Executor runs commands on LOCAL, SRC or DST endpoints.
type Executor struct {
	Local EndpointConfig
	Src   EndpointConfig
	Dst   EndpointConfig

	Faults *faultinjection.Registry

	mu       sync.Mutex
	sockets  map[string]struct{} // observed ControlPath values, for cleanup bookkeeping
}

// New returns an Executor. Call CleanStaleSockets once at process start
// before issuing any command, per spec.md §5 ("Shared-resource policy").
func New(local, src, dst EndpointConfig) *Executor {
	return &Executor{Local: local, Src: src, Dst: dst, sockets: map[string]struct{}{}}
}

func (e *Executor) config(ep Endpoint) EndpointConfig {
	switch ep {
	case SRC:
		return e.Src
	case DST:
		return e.Dst
	default:
		return e.Local
	}
}

// RunOptions controls one invocation.
type RunOptions struct {
	Stdin    io.Reader
	AllowAll bool // skip shell-metacharacter validation
	Elevate  bool // request privilege elevation for this command
}

// Result is the outcome of a non-streaming Run.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Run executes argv on ep and waits for completion, capturing bounded
// stdout/stderr. A non-zero exit status surfaces as *zerrors.CommandFailure.
func (e *Executor) Run(ctx context.Context, ep Endpoint, argv []string, opts RunOptions) (Result, error) {
	if err := validateArgv(argv, opts.AllowAll); err != nil {
		return Result{}, err
	}
	if e.Faults != nil {
		if err := e.Faults.Maybe("executor.run:" + ep.String()); err != nil {
			return Result{}, err
		}
	}

	cmd, err := e.buildCommand(ctx, ep, argv, opts.Elevate)
	if err != nil {
		return Result{}, err
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &boundedWriter{buf: &stdout, limit: MaxCapturedBytes}
	cmd.Stderr = &boundedWriter{buf: &stderr, limit: MaxCapturedBytes}

	runErr := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if exitErrAs(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &zerrors.CommandFailure{
			Endpoint:   ep.String(),
			Argv:       argv,
			Status:     res.ExitCode,
			StderrTail: tail(stderr.Bytes(), 4096),
		}
	}
	// Spawn failure (missing binary, context cancellation, ...) is transient
	// from the driver's point of view -- it may succeed on retry once the
	// network/transport recovers.
	return res, &zerrors.TransientFailure{Op: fmt.Sprintf("exec %s", ep), Err: runErr}
}

func exitErrAs(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// StreamHandle exposes a running command's stdio for pipeline use.
type StreamHandle struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr *bytes.Buffer

	cmd *exec.Cmd
}

// Wait waits for the command to exit, returning *zerrors.CommandFailure on
// non-zero status.
func (h *StreamHandle) Wait(ep Endpoint, argv []string) error {
	err := h.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if exitErrAs(err, &exitErr) {
		return &zerrors.CommandFailure{
			Endpoint:   ep.String(),
			Argv:       argv,
			Status:     exitErr.ExitCode(),
			StderrTail: tail(h.Stderr.Bytes(), 4096),
		}
	}
	return &zerrors.TransientFailure{Op: fmt.Sprintf("exec %s", ep), Err: err}
}

// Start begins argv on ep and returns a handle streaming its stdio, for use
// as one stage of a Pipeline builder pipeline.
func (e *Executor) Start(ctx context.Context, ep Endpoint, argv []string, opts RunOptions) (*StreamHandle, error) {
	if err := validateArgv(argv, opts.AllowAll); err != nil {
		return nil, err
	}
	cmd, err := e.buildCommand(ctx, ep, argv, opts.Elevate)
	if err != nil {
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &zerrors.TransientFailure{Op: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &zerrors.TransientFailure{Op: "stdout pipe", Err: err}
	}
	var stderr bytes.Buffer
	cmd.Stderr = &boundedWriter{buf: &stderr, limit: MaxCapturedBytes}

	if opts.Stdin != nil {
		// caller supplied stdin directly (e.g. a prior stage's stdout); wire it
		// instead of the pipe we just opened.
		stdin.Close()
		cmd.Stdin = opts.Stdin
		stdin = nopWriteCloser{}
	}

	if err := cmd.Start(); err != nil {
		return nil, &zerrors.TransientFailure{Op: fmt.Sprintf("start %s", ep), Err: err}
	}
	return &StreamHandle{Stdin: stdin, Stdout: stdout, Stderr: &stderr, cmd: cmd}, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), fmt.Errorf("stdin already wired to a prior stage") }
func (nopWriteCloser) Close() error                { return nil }

func (e *Executor) buildCommand(ctx context.Context, ep Endpoint, argv []string, elevate bool) (*exec.Cmd, error) {
	cfg := e.config(ep)
	full := argv
	if elevate && cfg.ElevatePrivilege && !cfg.NoPrivilegeElevation && cfg.SudoProgram != "-" {
		full = append([]string{cfg.sudoProgram()}, argv...)
	}

	if cfg.isLocal() {
		if len(full) == 0 {
			return nil, &zerrors.UsageError{Msg: "empty command vector"}
		}
		return exec.CommandContext(ctx, full[0], full[1:]...), nil
	}

	sshArgv := e.sshArgv(cfg)
	sshArgv = append(sshArgv, quoteArgv(full))
	return exec.CommandContext(ctx, cfg.sshProgram(), sshArgv...), nil
}

func (e *Executor) sshArgv(cfg EndpointConfig) []string {
	var argv []string
	if cfg.Port != 0 {
		argv = append(argv, "-p", fmt.Sprint(cfg.Port))
	}
	if cfg.ConfigFile != "" {
		argv = append(argv, "-F", cfg.ConfigFile)
	}
	for _, id := range cfg.IdentityFiles {
		argv = append(argv, "-i", id)
	}
	if cfg.Cipher != "" {
		argv = append(argv, "-c", cfg.Cipher)
	}
	if cfg.ControlDir != "" {
		path := controlPath(cfg)
		e.mu.Lock()
		e.sockets[path] = struct{}{}
		e.mu.Unlock()
		argv = append(argv,
			"-o", "ControlMaster=auto",
			"-o", "ControlPersist=10m",
			"-o", "ControlPath="+path,
		)
	}
	argv = append(argv, cfg.ExtraOpts...)
	host := cfg.Host
	if cfg.User != "" {
		host = cfg.User + "@" + host
	}
	return append(argv, host)
}

func controlPath(cfg EndpointConfig) string {
	return fmt.Sprintf("%s/cm-%s-%s-%d", cfg.ControlDir, cfg.User, cfg.Host, cfg.Port)
}

var shellSensitive = regexp.MustCompile(`[;&|$` + "`" + `"'<>(){}*?\[\]~\n\r\x00]`)

func validateArgv(argv []string, allowAll bool) error {
	if allowAll {
		return nil
	}
	for _, a := range argv {
		if shellSensitive.MatchString(a) {
			return &zerrors.InvalidArgument{Arg: a}
		}
	}
	return nil
}

// quoteArgv joins argv into a single POSIX-shell-safe string for the remote
// side to parse, single-quoting each element.
func quoteArgv(argv []string) string {
	var b bytes.Buffer
	for i, a := range argv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(a, "'", `'\''`))
		b.WriteByte('\'')
	}
	return b.String()
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // drop silently once bounded; caller only needs a tail
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
	} else {
		w.buf.Write(p)
	}
	return len(p), nil
}
