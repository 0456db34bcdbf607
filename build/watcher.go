// Package build runs a package script in watch mode and waits until it reports a completed build.
package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/scripthost/internal/files"
	"github.com/guseggert/scripthost/process"
	"github.com/guseggert/scripthost/stream"
	"go.uber.org/zap"
)

const (
	DefaultPackageManager = "npm"
	DefaultOccurrences    = 2
	DefaultTimeout        = 5 * time.Minute

	// drainTimeout bounds how long a failed build waits for the rest of its output.
	drainTimeout = 2 * time.Second
)

// DefaultMarker is the line announcing a completed build.
var DefaultMarker = regexp.MustCompile(`Build at:`)

var (
	ErrBuildFailed   = errors.New("exited without indicating success")
	ErrBuildTimedOut = errors.New("timed out without indicating success")
)

// BuildError is returned when the build did not report completion. It carries all output for diagnosis.
type BuildError struct {
	PackageManager string
	Script         string
	Stdout         string
	Stderr         string

	// Err is ErrBuildFailed, ErrBuildTimedOut or stream.ErrCancelled.
	Err   error
	cause error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("the %s script %q %s\nOutput was: %s\nError output was: %s", e.PackageManager, e.Script, e.Err, e.Stdout, e.Stderr)
}

func (e *BuildError) Unwrap() []error { return []error{e.Err, e.cause} }

// Watcher runs "<PackageManager> run <Script> -- --watch [Args...]" and waits for the Nth line matching Marker.
// The zero value of each optional field selects its default.
type Watcher struct {
	PackageManager string
	Script         string
	// SourceDir is where the build runs. If it has no package.json, the nearest ancestor that has one is used.
	SourceDir   string
	Marker      *regexp.Regexp
	Occurrences int
	Timeout     time.Duration
	Args        []string
	Env         map[string]string

	Log *zap.SugaredLogger
	// ProgressWriter receives stderr output that arrives without a trailing newline. Defaults to os.Stdout.
	ProgressWriter io.Writer
}

func (w *Watcher) withDefaults() Watcher {
	c := *w
	if c.PackageManager == "" {
		c.PackageManager = DefaultPackageManager
	}
	if c.Marker == nil {
		c.Marker = DefaultMarker
	}
	if c.Occurrences <= 0 {
		c.Occurrences = DefaultOccurrences
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
	if c.ProgressWriter == nil {
		c.ProgressWriter = os.Stdout
	}
	return c
}

// capture accumulates lines for diagnostics.
type capture struct {
	m sync.Mutex
	b strings.Builder
}

func (c *capture) line(s string) {
	c.m.Lock()
	defer c.m.Unlock()
	c.b.WriteString(s)
	c.b.WriteByte('\n')
}

func (c *capture) String() string {
	c.m.Lock()
	defer c.m.Unlock()
	return c.b.String()
}

func logLine(logf func(args ...interface{})) func(string) {
	return func(line string) {
		if line = stream.StripANSIColors(line); strings.TrimSpace(line) != "" {
			logf(line)
		}
	}
}

// Run starts the build and blocks until the marker has been seen Occurrences times, the output ends, the timeout
// elapses or ctx is done. The build process tree is always killed before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	cfg := w.withDefaults()
	if cfg.Script == "" {
		return errors.New("build script must not be empty")
	}
	if cfg.SourceDir == "" {
		return errors.New("build source directory must not be empty")
	}
	log := cfg.Log.Named("build").With("Script", cfg.Script)

	dir, err := files.FindUp("package.json", cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("locating package.json: %w", err)
	}
	if dir == "" {
		dir = cfg.SourceDir
	}

	stdout, stderr := &capture{}, &capture{}
	sup := &process.Supervisor{Log: log}
	h, err := sup.Launch(ctx, process.Request{
		Command:    cfg.PackageManager,
		Args:       append([]string{"run", cfg.Script, "--", "--watch"}, cfg.Args...),
		Dir:        dir,
		Env:        cfg.Env,
		Dispatcher: true,
		StdoutOptions: []stream.Option{
			stream.WithLineObserver(stdout.line),
			stream.WithLineObserver(logLine(log.Named("stdout").Info)),
		},
		StderrOptions: []stream.Option{
			stream.WithLineObserver(stderr.line),
			stream.WithLineObserver(logLine(log.Named("stderr").Error)),
			stream.WithChunkObserver(func(chunk []byte) {
				if bytes.IndexByte(chunk, '\n') < 0 {
					_, _ = cfg.ProgressWriter.Write(chunk)
				}
			}),
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("starting build: %w", err)
	}
	defer func() {
		if err := h.Kill(); err != nil {
			log.Debugf("error killing build: %s", err)
		}
	}()
	// stderr is only observed, so keep its queue drained
	go func() { _ = stream.Forward(context.Background(), h.Stderr(), func(string) {}) }()

	waitCtx, cancel := context.WithTimeoutCause(ctx, cfg.Timeout, stream.ErrTimeout)
	defer cancel()

	log.Debugw("waiting for build", "Dir", dir, "Occurrences", cfg.Occurrences)
	for i := 0; i < cfg.Occurrences; i++ {
		m, err := h.Stdout().WaitForMatch(waitCtx, cfg.Marker, 0)
		if err != nil {
			return cfg.buildError(waitCtx, h, stdout, stderr, err)
		}
		log.Debugw("build marker seen", "N", i+1, "Line", m.Line)
	}
	log.Info("build completed")
	return nil
}

func (w Watcher) buildError(ctx context.Context, h *process.Handle, stdout, stderr *capture, err error) error {
	// a stopping context also kills the build and ends its output, which must not read as a failed build
	if ctxErr := stream.ContextErr(ctx); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}

	var kind error
	switch {
	case errors.Is(err, stream.ErrTimeout):
		kind = ErrBuildTimedOut
	case errors.Is(err, stream.ErrCancelled):
		kind = stream.ErrCancelled
	default:
		kind = ErrBuildFailed
	}

	// collect whatever output is still in flight before reporting it
	_ = h.Kill()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, r := range []*stream.Reader{h.Stdout(), h.Stderr()} {
		select {
		case <-r.Done():
		case <-drainCtx.Done():
		}
	}

	return &BuildError{
		PackageManager: w.PackageManager,
		Script:         w.Script,
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		Err:            kind,
		cause:          err,
	}
}
