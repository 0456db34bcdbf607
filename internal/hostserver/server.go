// Package hostserver is a Go implementation of the child side of the script host protocol.
//
// It announces its endpoint with a readiness line on stdout, then serves invocations against a registry of modules.
// It stands in for a real script runtime in tests and local tooling.
package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Export is an exported function. args holds the raw JSON arguments.
//
// The result is encoded by type: a string is sent as text/plain, []byte or io.Reader as application/octet-stream,
// *Raw verbatim, and anything else as JSON.
type Export func(ctx context.Context, args []json.RawMessage) (any, error)

// Module maps export names to functions. The empty name is the default export.
type Module map[string]Export

// Error is an error reported to the caller with a message and details.
type Error struct {
	Message string
	Details string
}

func (e *Error) Error() string { return e.Message }

// Raw is a response written exactly as given.
type Raw struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type invocation struct {
	ModuleName           string            `json:"moduleName"`
	ExportedFunctionName string            `json:"exportedFunctionName"`
	Args                 []json.RawMessage `json:"args"`
}

type errorPayload struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
}

type Server struct {
	Log     *zap.SugaredLogger
	Marker  string
	Modules map[string]Module
	// InvocationTimeout, if positive, bounds each export. An export still running when it elapses is answered with
	// a structured error.
	InvocationTimeout time.Duration

	// Out receives the readiness line and any output written by modules.
	Out   io.Writer
	outMu sync.Mutex
}

// Println writes a line to Out. It is safe for concurrent use, so modules can emit log lines.
func (s *Server) Println(a ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.Out, a...)
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.POST("/", s.handleInvoke)
	return router
}

// Serve listens on host:port, prints the readiness line and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, host string, port int) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	addr := l.Addr().(*net.TCPAddr)

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.Println(fmt.Sprintf("[%s:Listening on {%s} port %d]", s.Marker, host, addr.Port))
	s.Log.Debugw("serving", "Addr", addr.String())

	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var inv invocation
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		s.writeError(w, http.StatusBadRequest, &Error{Message: fmt.Sprintf("decoding invocation: %s", err)})
		return
	}
	log := s.Log.With("Module", inv.ModuleName, "Export", inv.ExportedFunctionName)

	mod, ok := s.Modules[inv.ModuleName]
	if !ok {
		s.writeError(w, http.StatusNotFound, &Error{Message: fmt.Sprintf("module %q not found", inv.ModuleName)})
		return
	}
	f, ok := mod[inv.ExportedFunctionName]
	if !ok {
		s.writeError(w, http.StatusNotFound, &Error{Message: fmt.Sprintf("module %q has no export %q", inv.ModuleName, inv.ExportedFunctionName)})
		return
	}

	ctx := r.Context()
	if s.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.InvocationTimeout)
		defer cancel()
	}

	log.Debug("invoking")
	result, err := f(ctx, inv.Args)
	if err != nil {
		var e *Error
		switch {
		case errors.As(err, &e):
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			e = &Error{
				Message: fmt.Sprintf("invocation of %q timed out after %s", inv.ModuleName, s.InvocationTimeout),
				Details: err.Error(),
			}
		default:
			e = &Error{Message: err.Error()}
		}
		s.writeError(w, http.StatusInternalServerError, e)
		return
	}

	switch v := result.(type) {
	case *Raw:
		if v.ContentType != "" {
			w.Header().Set("Content-Type", v.ContentType)
		}
		w.WriteHeader(v.StatusCode)
		_, _ = w.Write(v.Body)
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, v)
	case []byte:
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(v)
	case io.Reader:
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := io.Copy(w, v); err != nil {
			log.Debugf("streaming result: %s", err)
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, &Error{Message: fmt.Sprintf("encoding result: %s", err)})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, e *Error) {
	b, err := json.Marshal(errorPayload{ErrorMessage: e.Message, ErrorDetails: e.Details})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
