package process

import (
	"fmt"
	"strings"

	"github.com/guseggert/scripthost/stream"
)

// Request describes a process to launch.
type Request struct {
	Command string
	Args    []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is merged over the current environment.
	Env map[string]string

	// Dispatcher marks Command as a script dispatcher (such as npm) that some platforms cannot execute directly.
	// On Windows it is run through "cmd /c".
	Dispatcher bool

	// StdoutOptions and StderrOptions configure the stream readers, e.g. to attach observers before any output is read.
	StdoutOptions []stream.Option
	StderrOptions []stream.Option
}

// ExitInfo describes how a process ended.
type ExitInfo struct {
	Pid      int
	ExitCode int
	// Err is set if the exit status could not be determined. A non-zero exit code is not an error.
	Err error
}

// LaunchError is returned when the executable could not be started.
type LaunchError struct {
	Command string
	Args    []string
	// Path is this process's PATH, which the command was looked up in. A PATH in Request.Env only reaches the child.
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	cmdline := strings.TrimSpace(e.Command + " " + strings.Join(e.Args, " "))
	return fmt.Sprintf("failed to start %q (%s): %s; ensure %q is installed and can be found in one of the PATH directories, current PATH is %q",
		e.Command, cmdline, e.Err, e.Command, e.Path)
}

func (e *LaunchError) Unwrap() error { return e.Err }
