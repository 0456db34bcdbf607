package hostserver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const parentPollInterval = 500 * time.Millisecond

// NewApp builds the test host command line: [script] --parentPid <pid> --port <port>.
// The script argument is accepted for compatibility with real script runtimes and ignored.
func NewApp() *cli.App {
	return &cli.App{
		Name:      "testhost",
		Usage:     "a script host that serves built-in Go modules",
		ArgsUsage: "[script]",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "parentPid",
				Usage: "Exit when the process with this PID exits. Zero disables the watch.",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "The port to listen on. Zero picks a free port.",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "The address to listen on.",
				Value: "127.0.0.1",
			},
			&cli.StringFlag{
				Name:    "marker",
				Usage:   "The marker printed in the readiness line.",
				Value:   "HttpNodeHost",
				EnvVars: []string{"SCRIPTHOST_READINESS_MARKER"},
			},
			&cli.DurationFlag{
				Name:    "invocationTimeout",
				Usage:   "Answer invocations still running after this long with an error. Zero disables the limit.",
				EnvVars: []string{"SCRIPTHOST_INVOCATION_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The level of logs written to stderr.",
				Value:   "info",
				EnvVars: []string{"SCRIPTHOST_LOG_LEVEL"},
			},
		},
		Action: func(c *cli.Context) error {
			level, err := zap.ParseAtomicLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = level
			l, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer l.Sync()
			log := l.Named("testhost").Sugar()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if ppid := c.Int("parentPid"); ppid > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				go watchParent(ctx, log, int32(ppid), cancel)
			}

			s := &Server{
				Log:    log,
				Marker:            c.String("marker"),
				InvocationTimeout: c.Duration("invocationTimeout"),
				Out:               os.Stdout,
			}
			s.Modules = BuiltinModules(s)
			return s.Serve(ctx, c.String("host"), c.Int("port"))
		},
	}
}

// watchParent calls onGone once the parent process no longer exists.
func watchParent(ctx context.Context, log *zap.SugaredLogger, pid int32, onGone func()) {
	t := time.NewTicker(parentPollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		exists, err := ps.PidExistsWithContext(ctx, pid)
		if err != nil {
			log.Debugf("checking parent %d: %s", pid, err)
			continue
		}
		if !exists {
			log.Infof("parent process %d exited, shutting down", pid)
			onGone()
			return
		}
	}
}

// Main runs the test host with args, not including the program name, and returns the exit code.
// A leading script path is moved after the flags so that runtime-style command lines parse.
func Main(args []string) int {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		args = append(append([]string{}, args[1:]...), args[0])
	}
	if err := NewApp().Run(append([]string{"testhost"}, args...)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
