package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/scripthost/process"
	"github.com/guseggert/scripthost/stream"
	"github.com/guseggert/scripthost/tempfile"
	"go.uber.org/zap"
)

const (
	DefaultNodePath          = "node"
	DefaultInvocationTimeout = 60 * time.Second

	// closeWaitTimeout bounds how long Close waits for the killed child to be reaped.
	closeWaitTimeout = 5 * time.Second
)

// Options configure a Host.
type Options struct {
	// ProjectPath is the working directory of the child. Module names are resolved relative to it.
	ProjectPath string
	// EntrypointScript is the content of the script the runtime is started on.
	EntrypointScript string
	// NodePath is the runtime executable. Defaults to DefaultNodePath.
	NodePath string
	// Port is the port the child should listen on. Zero lets the child pick one.
	Port int
	// EnvironmentVariables are merged over the current environment.
	EnvironmentVariables map[string]string
	// InvocationTimeout bounds each invocation. Defaults to DefaultInvocationTimeout.
	InvocationTimeout time.Duration

	// LaunchWithDebugging starts the runtime with --inspect-brk, on DebuggingPort if it is non-zero.
	LaunchWithDebugging bool
	DebuggingPort       int

	// ReadinessMarker is the marker expected in the readiness line. Defaults to DefaultReadinessMarker.
	ReadinessMarker string

	Logger *zap.SugaredLogger
	// OutputObserver, if set, receives every forwarded stdout and stderr line, with the stream name.
	OutputObserver func(streamName, line string)
	// ProgressWriter receives stderr output that arrives without a trailing newline, such as progress bars.
	// Defaults to os.Stdout.
	ProgressWriter io.Writer
}

func (o Options) withDefaults() Options {
	if o.NodePath == "" {
		o.NodePath = DefaultNodePath
	}
	if o.InvocationTimeout == 0 {
		o.InvocationTimeout = DefaultInvocationTimeout
	}
	if o.ReadinessMarker == "" {
		o.ReadinessMarker = DefaultReadinessMarker
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.ProgressWriter == nil {
		o.ProgressWriter = os.Stdout
	}
	return o
}

// args builds the runtime command line for the given script path.
func (o Options) args(scriptPath string) []string {
	var args []string
	if o.LaunchWithDebugging {
		if o.DebuggingPort > 0 {
			args = append(args, "--inspect-brk="+strconv.Itoa(o.DebuggingPort))
		} else {
			args = append(args, "--inspect-brk")
		}
	}
	return append(args,
		scriptPath,
		"--parentPid", strconv.Itoa(os.Getpid()),
		"--port", strconv.Itoa(o.Port),
	)
}

// Host is a running script host child process.
type Host struct {
	log  *zap.SugaredLogger
	opts Options

	script *tempfile.File
	proc   *process.Handle

	// ready is closed once endpoint and client are set, or readyErr is.
	ready    chan struct{}
	endpoint Endpoint
	client   *Client
	readyErr error

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Start launches the child. It returns once the process is started, without waiting for it to become ready.
// ctx is the application's stopping signal: when it is done, the child is killed and the script file is deleted.
func Start(ctx context.Context, opts Options) (*Host, error) {
	opts = opts.withDefaults()
	log := opts.Logger.Named("scripthost")

	script, err := tempfile.Create(ctx, opts.EntrypointScript)
	if err != nil {
		return nil, fmt.Errorf("writing entrypoint script: %w", err)
	}

	h := &Host{
		log:    log,
		opts:   opts,
		script: script,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	sup := &process.Supervisor{Log: log}
	proc, err := sup.Launch(ctx, process.Request{
		Command:       opts.NodePath,
		Args:          opts.args(script.Path()),
		Dir:           opts.ProjectPath,
		Env:           opts.EnvironmentVariables,
		StderrOptions: []stream.Option{stream.WithChunkObserver(h.mirrorProgress)},
	}, h.onExit)
	if err != nil {
		if closeErr := script.Close(); closeErr != nil {
			log.Debugf("error removing entrypoint script: %s", closeErr)
		}
		return nil, fmt.Errorf("launching script host: %w", err)
	}
	h.proc = proc

	go h.consumeStdout()
	go h.consumeStderr()

	return h, nil
}

func (h *Host) onExit(info process.ExitInfo) {
	h.log.Debugw("script host exited", "Pid", info.Pid, "ExitCode", info.ExitCode)
}

// mirrorProgress copies stderr chunks that carry no newline, which are progress output rather than log lines.
func (h *Host) mirrorProgress(chunk []byte) {
	if bytes.IndexByte(chunk, '\n') >= 0 {
		return
	}
	_, _ = h.opts.ProgressWriter.Write(chunk)
}

func (h *Host) forward(streamName string, logf func(args ...interface{})) func(line string) {
	return func(line string) {
		if h.opts.OutputObserver != nil {
			h.opts.OutputObserver(streamName, line)
		}
		if line = stream.StripANSIColors(line); strings.TrimSpace(line) != "" {
			logf(line)
		}
	}
}

func (h *Host) consumeStdout() {
	sink := h.forward("stdout", h.log.Named("stdout").Info)
	ctx := context.Background()

	ep, err := awaitEndpoint(ctx, h.proc.Stdout(), ReadinessPattern(h.opts.ReadinessMarker), sink)
	if err != nil {
		h.log.Debugf("script host never became ready: %s", err)
		h.readyErr = fmt.Errorf("%w: %w", ErrProcessNotReady, err)
		close(h.ready)
		return
	}

	h.endpoint = ep
	h.client = NewClient(ep.URL(), h.opts.InvocationTimeout, WithClientLogger(h.log.Named("client")))
	h.log.Debugw("script host ready", "Endpoint", ep.URL())
	close(h.ready)

	if err := stream.Forward(ctx, h.proc.Stdout(), sink); err != nil {
		h.log.Debugf("forwarding stdout: %s", err)
	}
}

func (h *Host) consumeStderr() {
	sink := h.forward("stderr", h.log.Named("stderr").Error)
	if err := stream.Forward(context.Background(), h.proc.Stderr(), sink); err != nil {
		h.log.Debugf("forwarding stderr: %s", err)
	}
}

func (h *Host) waitReady(ctx context.Context) error {
	select {
	case <-h.closed:
		return h.closedErr()
	default:
	}
	select {
	case <-h.ready:
		select {
		case <-h.closed:
			return h.closedErr()
		default:
			return h.readyErr
		}
	case <-h.closed:
		return h.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("waiting for script host: %w", stream.ContextErr(ctx))
	}
}

// closedErr also wraps ErrProcessNotReady if the host was closed before it ever became ready.
func (h *Host) closedErr() error {
	select {
	case <-h.ready:
		if h.readyErr == nil {
			return ErrClosed
		}
	default:
	}
	return fmt.Errorf("%w: %w", ErrClosed, ErrProcessNotReady)
}

// Endpoint waits for the child to announce its endpoint.
func (h *Host) Endpoint(ctx context.Context) (Endpoint, error) {
	if err := h.waitReady(ctx); err != nil {
		return Endpoint{}, err
	}
	return h.endpoint, nil
}

// Ready reports whether the child has announced its endpoint.
func (h *Host) Ready() bool {
	select {
	case <-h.ready:
		return h.readyErr == nil
	default:
		return false
	}
}

// Pid is the process ID of the child.
func (h *Host) Pid() int { return h.proc.Pid() }

// Done is closed when the child has exited.
func (h *Host) Done() <-chan struct{} { return h.proc.Done() }

// Invoke waits for the child to be ready, then invokes req and decodes the result into out. See Client.Invoke.
func (h *Host) Invoke(ctx context.Context, req Request, out any) error {
	log := h.log.With("InvocationID", uuid.NewString(), "Module", req.ModuleName, "Export", req.ExportedFunctionName)

	if err := h.waitReady(ctx); err != nil {
		log.Debugf("script host not available: %s", err)
		return err
	}

	start := time.Now()
	log.Debug("invoking")
	err := h.client.Invoke(ctx, req, out)
	log.Debugw("invocation finished", "Duration", time.Since(start), "Error", err)
	return err
}

// Do waits for the child to be ready, then invokes req and returns the undecoded response. See Client.Do.
func (h *Host) Do(ctx context.Context, req Request) (*Response, error) {
	if err := h.waitReady(ctx); err != nil {
		return nil, err
	}
	h.log.Debugw("invoking", "InvocationID", uuid.NewString(), "Module", req.ModuleName, "Export", req.ExportedFunctionName)
	return h.client.Do(ctx, req)
}

// Close kills the child process tree, deletes the entrypoint script and closes idle connections.
// It is safe to call more than once.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)

		var errs []error
		if err := h.proc.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("killing script host: %w", err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeWaitTimeout)
		defer cancel()
		if _, err := h.proc.Wait(ctx); err != nil {
			errs = append(errs, err)
		}

		if err := h.script.Close(); err != nil {
			errs = append(errs, err)
		}

		select {
		case <-h.ready:
			if h.client != nil {
				h.client.Close()
			}
		default:
		}
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
