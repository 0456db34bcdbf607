package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/scripthost/stream"
	"go.uber.org/zap"
)

// killTimeout bounds how long killing descendants may take.
const killTimeout = 10 * time.Second

// Supervisor launches child processes.
type Supervisor struct {
	Log *zap.SugaredLogger
}

func (s *Supervisor) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

// Launch starts the process described by req.
//
// When ctx is done, the process tree is killed. onExit, if non-nil, is called once after the process exits.
// The returned Handle's stdout and stderr readers are already running.
func (s *Supervisor) Launch(ctx context.Context, req Request, onExit func(ExitInfo)) (*Handle, error) {
	name, args := resolveCommand(req.Command, req.Args, req.Dispatcher)
	cmd := exec.Command(name, args...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)
	setProcAttr(cmd)

	// the command is resolved against our own PATH, not the one passed to the child
	launchErr := func(err error) error {
		return &LaunchError{Command: req.Command, Args: req.Args, Path: os.Getenv("PATH"), Err: err}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, launchErr(fmt.Errorf("creating stdin pipe: %w", err))
	}

	// Use OS pipes rather than cmd.StdoutPipe: Wait must not close the read side before the readers drain it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, launchErr(fmt.Errorf("creating stdout pipe: %w", err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, launchErr(fmt.Errorf("creating stderr pipe: %w", err))
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// the child has its own copies of the write ends now
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, launchErr(err)
	}

	log := s.logger().Named("process").With("Pid", cmd.Process.Pid)
	log.Debugw("process started", "Command", cmd.String(), "Dir", cmd.Dir)

	h := &Handle{
		log:    log,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdin,
		stdout: stream.NewReader("stdout", stdoutR, append([]stream.Option{stream.WithLogger(log)}, req.StdoutOptions...)...),
		stderr: stream.NewReader("stderr", stderrR, append([]stream.Option{stream.WithLogger(log)}, req.StderrOptions...)...),
		done:   make(chan struct{}),
	}

	for _, pair := range []struct {
		r *stream.Reader
		f *os.File
	}{{h.stdout, stdoutR}, {h.stderr, stderrR}} {
		pair.r.Start()
		go func(r *stream.Reader, f *os.File) {
			<-r.Done()
			f.Close()
		}(pair.r, pair.f)
	}

	go h.wait(onExit)

	h.killMut.Lock()
	h.stopAfter = context.AfterFunc(ctx, func() {
		log.Debug("stop signal received, killing process tree")
		if err := h.Kill(); err != nil {
			log.Debugf("error killing process tree: %s", err)
		}
	})
	h.killMut.Unlock()

	return h, nil
}

// Handle owns one launched process. Once the process has terminated, the Handle cannot be restarted.
type Handle struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd
	pid int

	stdin  io.WriteCloser
	stdout *stream.Reader
	stderr *stream.Reader

	done chan struct{}
	exit ExitInfo

	killMut   sync.Mutex
	killed    bool
	stopAfter func() bool
}

func (h *Handle) wait(onExit func(ExitInfo)) {
	err := h.cmd.Wait()
	info := ExitInfo{Pid: h.pid, ExitCode: h.cmd.ProcessState.ExitCode()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			info.Err = err
		}
	}
	h.log.Debugw("process exited", "ExitCode", info.ExitCode, "Error", info.Err)
	h.exit = info
	close(h.done)

	if onExit != nil {
		onExit(info)
	}
}

func (h *Handle) Pid() int { return h.pid }

func (h *Handle) Stdin() io.Writer { return h.stdin }

func (h *Handle) Stdout() *stream.Reader { return h.stdout }

func (h *Handle) Stderr() *stream.Reader { return h.stderr }

// Done is closed when the direct child has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait waits for the direct child to exit.
func (h *Handle) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return ExitInfo{}, fmt.Errorf("waiting for process %d: %w", h.pid, stream.ContextErr(ctx))
	}
}

// ExitCode returns the exit code of the process, or -1 if it has not exited yet or was killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exit.ExitCode
	default:
		return -1
	}
}

// Kill kills the process and all of its descendants. Only the first call does anything.
// It does not wait for the process to be reaped; use Wait for that.
func (h *Handle) Kill() error {
	h.killMut.Lock()
	defer h.killMut.Unlock()
	if h.killed {
		return nil
	}
	h.killed = true
	if h.stopAfter != nil {
		h.stopAfter()
	}
	h.stdin.Close()

	// Snapshot first: once the root dies its children are reparented and can no longer be found through it.
	descendants := Descendants(h.pid)
	h.log.Debugw("killing process tree", "Descendants", descendants)

	var errs []error
	if err := killGroup(h.pid); err != nil {
		errs = append(errs, err)
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("killing process %d: %w", h.pid, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := killPids(ctx, descendants); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// mergeEnv overlays overrides on base, which is in os.Environ form.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[k]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
