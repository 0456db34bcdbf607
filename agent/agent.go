// Package agent exposes a running script host over HTTP, for use from other processes and for debugging.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/scripthost/host"
	"github.com/guseggert/scripthost/stream"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const DefaultListenAddr = "127.0.0.1:8080"

// heartbeatEndpointTimeout bounds the endpoint lookup of a heartbeat, which only succeeds once the host is ready.
const heartbeatEndpointTimeout = 100 * time.Millisecond

// ScriptHost is the part of *host.Host the agent serves.
type ScriptHost interface {
	Do(ctx context.Context, req host.Request) (*host.Response, error)
	Endpoint(ctx context.Context) (host.Endpoint, error)
	Ready() bool
}

// Heartbeat is the response of GET /heartbeat.
type Heartbeat struct {
	Ready    bool   `json:"ready"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Agent is an HTTP server in front of one script host.
type Agent struct {
	logger *zap.SugaredLogger

	host       ScriptHost
	output     *Broadcaster
	listenAddr string

	httpServer *http.Server
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithOutput sets the broadcaster served on GET /output. It should also be the host's OutputObserver.
func WithOutput(b *Broadcaster) Option {
	return func(a *Agent) {
		a.output = b
	}
}

// New constructs an agent serving h.
func New(h ScriptHost, opts ...Option) *Agent {
	a := &Agent{
		logger:     zap.NewNop().Sugar(),
		host:       h,
		output:     NewBroadcaster(),
		listenAddr: DefaultListenAddr,
	}
	for _, o := range opts {
		o(a)
	}
	a.httpServer = &http.Server{Handler: a.router()}
	return a
}

func (a *Agent) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.POST("/invoke", a.invoke)
	router.GET("/output", a.tailOutput)
	return router
}

// Output is the broadcaster served on GET /output.
func (a *Agent) Output() *Broadcaster { return a.output }

// Run listens on the configured address and serves until Stop is called.
func (a *Agent) Run() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return a.Serve(l)
}

// Serve serves on l until Stop is called.
func (a *Agent) Serve(l net.Listener) error {
	a.logger.Infow("agent listening", "Addr", l.Addr().String())
	err := a.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the server and ends all output subscriptions.
func (a *Agent) Stop() error {
	// hijacked WebSocket connections are not closed by the server, so end their subscriptions first
	a.output.Close()
	return a.httpServer.Close()
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := Heartbeat{Ready: a.host.Ready()}
	if resp.Ready {
		ctx, cancel := context.WithTimeout(r.Context(), heartbeatEndpointTimeout)
		defer cancel()
		if ep, err := a.host.Endpoint(ctx); err == nil {
			resp.Endpoint = ep.URL()
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *Agent) invoke(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req host.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ModuleName == "" {
		http.Error(w, "request contained no module name", http.StatusBadRequest)
		return
	}

	resp, err := a.host.Do(r.Context(), req)
	if err != nil {
		a.logger.Debugw("invocation failed", "Module", req.ModuleName, "Export", req.ExportedFunctionName, "Error", err)
		a.writeError(w, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		a.logger.Debugf("error copying invocation response: %s", err)
	}
}

// writeError writes err in the same {errorMessage, errorDetails} shape the child uses.
func (a *Agent) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	payload := map[string]string{"errorMessage": err.Error()}

	var invErr *host.InvocationError
	switch {
	case errors.As(err, &invErr):
		status = http.StatusInternalServerError
		payload = map[string]string{"errorMessage": invErr.Message, "errorDetails": invErr.Details}
	case errors.Is(err, host.ErrProcessNotReady), errors.Is(err, host.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, stream.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	a.writeJSON(w, status, payload)
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(b); err != nil {
		a.logger.Debugf("error writing response: %s", err)
	}
}

// tailOutput streams forwarded output lines over a WebSocket until the client goes away or the agent stops.
func (a *Agent) tailOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debugf("output WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	id, lines := a.output.Subscribe()
	defer a.output.Unsubscribe(id)
	log := a.logger.With("Subscriber", id)
	log.Debug("output subscriber connected")

	// nothing is read from the client, CloseRead only watches for it going away
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug("output subscriber disconnected")
			return
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, line); err != nil {
				log.Debugf("error writing output line: %s", err)
				return
			}
		}
	}
}
