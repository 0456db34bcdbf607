package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/guseggert/scripthost/host"
	"github.com/guseggert/scripthost/stream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit is the largest output message the client accepts.
const readLimit = 1 << 20

// Client talks to an Agent. It implements host.Invoker, so host.Invoke works against it.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	invoker                  *host.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// retryConnectionErrors retries requests that never got a response. Invocations may have side effects, so a
// response of any status is final.
func retryConnectionErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient builds a client for the agent listening on addr, a host:port pair.
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:       log.Named("agent_client"),
		baseURL:      "http://" + addr,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = retryConnectionErrors
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.invoker = host.NewClient(c.baseURL+"/invoke", 0,
		host.WithHTTPClient(c.HTTPClient),
		host.WithClientLogger(c.Logger.Named("invoke")),
	)
	return c
}

// SendHeartbeat fetches the agent's view of its host.
func (c *Client) SendHeartbeat(ctx context.Context) (Heartbeat, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var hb Heartbeat
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return hb, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return hb, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hb, fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		return hb, fmt.Errorf("decoding heartbeat: %w", err)
	}
	return hb, nil
}

// WaitForServer polls the heartbeat until the agent answers.
func (c *Client) WaitForServer(ctx context.Context) error {
	return c.waitFor(ctx, func(Heartbeat) bool { return true })
}

// WaitForReady polls the heartbeat until the agent's host has announced its endpoint.
func (c *Client) WaitForReady(ctx context.Context) error {
	return c.waitFor(ctx, func(hb Heartbeat) bool { return hb.Ready })
}

func (c *Client) waitFor(ctx context.Context, done func(Heartbeat) bool) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return stream.ContextErr(ctx)
		case <-ticker.C:
			hb, err := c.SendHeartbeat(ctx)
			if err != nil {
				c.Logger.Debugf("got heartbeat error: %s", err)
				continue
			}
			if done(hb) {
				c.Logger.Debugw("done waiting for agent", "Ready", hb.Ready, "Endpoint", hb.Endpoint)
				return nil
			}
		}
	}
}

// Do invokes req through the agent and returns the undecoded response. See host.Client.Do.
func (c *Client) Do(ctx context.Context, req host.Request) (*host.Response, error) {
	return c.invoker.Do(ctx, req)
}

// Invoke invokes req through the agent and decodes the result into out. See host.Client.Invoke.
func (c *Client) Invoke(ctx context.Context, req host.Request, out any) error {
	return c.invoker.Invoke(ctx, req, out)
}

// TailOutput calls fn with each output line the host forwards, until ctx is done or the agent stops.
// A stopping agent ends the tail with a nil error.
func (c *Client) TailOutput(ctx context.Context, fn func(OutputLine)) error {
	u := c.baseURL + "/output"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	for {
		var line OutputLine
		err := wsjson.Read(ctx, conn, &line)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if ctxErr := stream.ContextErr(ctx); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reading output: %w", err)
		}
		fn(line)
	}
}

// Close closes idle connections.
func (c *Client) Close() {
	c.HTTPClient.CloseIdleConnections()
}
