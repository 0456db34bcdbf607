package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/scripthost/stream"
	"go.uber.org/zap"
)

// transportGrace is added to the invocation timeout for the local deadlines, so a child enforcing the same timeout
// reports a structured error before the caller gives up.
const transportGrace = time.Second

const (
	mediaTypeText   = "text/plain"
	mediaTypeJSON   = "application/json"
	mediaTypeBinary = "application/octet-stream"
)

// Request names the function to invoke and its arguments.
type Request struct {
	ModuleName string `json:"moduleName"`
	// ExportedFunctionName is the export to call. If empty, the module's default export is called.
	ExportedFunctionName string `json:"exportedFunctionName,omitempty"`
	Args                 []any  `json:"args"`
}

// Response is a successful response whose body has not been decoded.
type Response struct {
	ContentType string
	Body        io.ReadCloser
}

// Invoker invokes functions in a script host.
type Invoker interface {
	Invoke(ctx context.Context, req Request, out any) error
}

// Invoke calls req and decodes the result into a T.
func Invoke[T any](ctx context.Context, inv Invoker, req Request) (T, error) {
	var out T
	err := inv.Invoke(ctx, req, &out)
	return out, err
}

// Client sends invocations to one endpoint. It is safe for concurrent use and reuses connections across calls.
type Client struct {
	Log        *zap.SugaredLogger
	HTTPClient *http.Client

	url     string
	timeout time.Duration
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Log = l
	}
}

// WithHTTPTransport replaces the HTTP transport, e.g. to tune connection pooling.
func WithHTTPTransport(t http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.HTTPClient.Transport = t
	}
}

// WithHTTPClient replaces the whole HTTP client, e.g. with a retrying one. Its Timeout is used as is.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = hc
	}
}

// NewClient builds a client posting to url. Each call is bounded by invocationTimeout plus a fixed grace period,
// zero meaning unbounded.
func NewClient(url string, invocationTimeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		Log:        zap.NewNop().Sugar(),
		HTTPClient: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		url:        url,
		timeout:    invocationTimeout,
	}
	if invocationTimeout > 0 {
		c.HTTPClient.Timeout = invocationTimeout + transportGrace
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) URL() string { return c.url }

// Do posts req and returns the raw successful response. The caller must close its body.
// Non-2xx responses are returned as *InvocationError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Args == nil {
		req.Args = []any{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding invocation of %q: %w", req.ModuleName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mediaTypeJSON)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("posting invocation to %s: %w", c.url, c.transportErr(ctx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		// the body read is bound to the request context, so the invocation deadline still applies
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading error response: %w", c.transportErr(ctx, err))
		}
		c.Log.Debugw("invocation failed", "StatusCode", resp.StatusCode, "Body", string(b))

		var p *errorPayload
		if err := json.Unmarshal(b, &p); err != nil || p == nil {
			return nil, &InvocationError{Message: nullResponseMessage}
		}
		return nil, &InvocationError{Message: p.ErrorMessage, Details: p.ErrorDetails}
	}

	return &Response{ContentType: resp.Header.Get("Content-Type"), Body: resp.Body}, nil
}

// Invoke calls req and decodes the result into out according to the response content type:
//
//   - text/plain: out must be a *string
//   - application/json: out may be any pointer json.Unmarshal accepts
//   - application/octet-stream: out must be an *io.ReadCloser or *any, which receives the live body; the caller must close it
func (c *Client) Invoke(ctx context.Context, req Request, out any) error {
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout+transportGrace, stream.ErrTimeout)
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		cancel()
		return err
	}

	streamed, err := c.decode(ctx, resp, out, cancel)
	if !streamed {
		resp.Body.Close()
		cancel()
	}
	return err
}

// decode stores resp in out. If the body was handed to the caller, it reports true and release runs when the body is closed.
func (c *Client) decode(ctx context.Context, resp *Response, out any, release func()) (bool, error) {
	if resp.ContentType == "" {
		return false, fmt.Errorf("missing response content type: %w", ErrProtocol)
	}
	mediaType, _, err := mime.ParseMediaType(resp.ContentType)
	if err != nil {
		return false, fmt.Errorf("parsing response content type %q: %w", resp.ContentType, ErrProtocol)
	}

	switch mediaType {
	case mediaTypeText:
		s, ok := out.(*string)
		if !ok {
			return false, fmt.Errorf("script returned a plain string, which cannot be stored in %T: %w", out, ErrTypeMismatch)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, fmt.Errorf("reading response: %w", c.transportErr(ctx, err))
		}
		*s = string(b)
		return false, nil

	case mediaTypeJSON:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, fmt.Errorf("reading response: %w", c.transportErr(ctx, err))
		}
		err = json.Unmarshal(b, out)
		var typeErr *json.UnmarshalTypeError
		var invalidErr *json.InvalidUnmarshalError
		switch {
		case err == nil:
			return false, nil
		case errors.As(err, &typeErr), errors.As(err, &invalidErr):
			return false, fmt.Errorf("decoding JSON result into %T: %w: %s", out, ErrTypeMismatch, err)
		default:
			return false, fmt.Errorf("decoding JSON result: %w: %s", ErrProtocol, err)
		}

	case mediaTypeBinary:
		body := &releasingBody{ReadCloser: resp.Body, release: release}
		switch p := out.(type) {
		case *io.ReadCloser:
			*p = body
		case *any:
			*p = body
		default:
			return false, fmt.Errorf("script returned a binary stream, which cannot be stored in %T, use *io.ReadCloser: %w", out, ErrTypeMismatch)
		}
		return true, nil

	default:
		return false, fmt.Errorf("unexpected response content type %q: %w", mediaType, ErrProtocol)
	}
}

// transportErr maps deadline and cancellation failures onto the stream sentinels.
func (c *Client) transportErr(ctx context.Context, err error) error {
	if ctxErr := stream.ContextErr(ctx); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", stream.ErrTimeout, err)
	}
	return err
}

// Close closes idle connections.
func (c *Client) Close() {
	c.HTTPClient.CloseIdleConnections()
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
