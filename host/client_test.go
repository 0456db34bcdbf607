package host

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/guseggert/scripthost/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// respond returns a handler writing a fixed response.
func respond(status int, contentType, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func newTestClient(t *testing.T, h http.Handler, timeout time.Duration) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, timeout, WithClientLogger(log.Named(t.Name())))
	t.Cleanup(c.Close)
	return c
}

func TestClientSendsCamelCaseRequest(t *testing.T) {
	var (
		gotContentType string
		gotBody        map[string]any
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		respond(http.StatusOK, "application/json", "null")(w, r)
	}), time.Minute)

	var out any
	require.NoError(t, c.Invoke(context.Background(), Request{ModuleName: "m.js"}, &out))
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, map[string]any{"moduleName": "m.js", "args": []any{}}, gotBody)

	require.NoError(t, c.Invoke(context.Background(), Request{ModuleName: "m.js", ExportedFunctionName: "render", Args: []any{"a", 1}}, &out))
	assert.Equal(t, map[string]any{"moduleName": "m.js", "exportedFunctionName": "render", "args": []any{"a", float64(1)}}, gotBody)
}

func TestClientDecodesResults(t *testing.T) {
	type point struct {
		X int `json:"x"`
	}

	t.Run("json into struct", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/json; charset=utf-8", `{"x":1}`), time.Minute)
		p, err := Invoke[point](context.Background(), c, Request{ModuleName: "m"})
		require.NoError(t, err)
		assert.Equal(t, point{X: 1}, p)
	})

	t.Run("json type mismatch", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/json", `{"x":"one"}`), time.Minute)
		_, err := Invoke[point](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("malformed json", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/json", `{"x":`), time.Minute)
		_, err := Invoke[point](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("text into string", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "text/plain; charset=utf-8", "<html/>"), time.Minute)
		s, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
		require.NoError(t, err)
		assert.Equal(t, "<html/>", s)
	})

	t.Run("text into non-string", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "text/plain", "hi"), time.Minute)
		_, err := Invoke[point](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("octet-stream into stream", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/octet-stream", "\x00\x01binary"), time.Minute)
		body, err := Invoke[io.ReadCloser](context.Background(), c, Request{ModuleName: "m"})
		require.NoError(t, err)
		b, err := io.ReadAll(body)
		require.NoError(t, err)
		require.NoError(t, body.Close())
		assert.Equal(t, "\x00\x01binary", string(b))
	})

	t.Run("octet-stream into any", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/octet-stream", "xyz"), time.Minute)
		v, err := Invoke[any](context.Background(), c, Request{ModuleName: "m"})
		require.NoError(t, err)
		rc, ok := v.(io.ReadCloser)
		require.True(t, ok)
		defer rc.Close()
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "xyz", string(b))
	})

	t.Run("octet-stream into string", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "application/octet-stream", "xyz"), time.Minute)
		_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrTypeMismatch)
	})

	t.Run("unknown content type", func(t *testing.T) {
		c := newTestClient(t, respond(http.StatusOK, "text/html", "<p>"), time.Minute)
		_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrProtocol)
		assert.ErrorContains(t, err, "text/html")
	})

	t.Run("missing content type", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// suppress content sniffing
			w.Header()["Content-Type"] = nil
			w.WriteHeader(http.StatusOK)
		}), time.Minute)
		_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
		require.ErrorIs(t, err, ErrProtocol)
	})
}

func TestClientErrors(t *testing.T) {
	cases := []struct {
		name       string
		handler    http.HandlerFunc
		expMessage string
		expDetails string
	}{
		{
			name:       "error payload",
			handler:    respond(http.StatusInternalServerError, "application/json", `{"errorMessage":"boom","errorDetails":"trace"}`),
			expMessage: "boom",
			expDetails: "trace",
		},
		{
			name:       "null payload",
			handler:    respond(http.StatusInternalServerError, "application/json", "null"),
			expMessage: nullResponseMessage,
		},
		{
			name:       "unparseable payload",
			handler:    respond(http.StatusBadGateway, "text/plain", "upstream exploded"),
			expMessage: nullResponseMessage,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			client := newTestClient(t, c.handler, time.Minute)
			_, err := Invoke[string](context.Background(), client, Request{ModuleName: "m"})
			var invErr *InvocationError
			require.ErrorAs(t, err, &invErr)
			assert.Equal(t, c.expMessage, invErr.Message)
			assert.Equal(t, c.expDetails, invErr.Details)
		})
	}
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 100*time.Millisecond)
	// runs before the server is closed, which waits for handlers
	t.Cleanup(func() { close(release) })
	assert.Equal(t, 1100*time.Millisecond, c.HTTPClient.Timeout)

	start := time.Now()
	_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
	require.ErrorIs(t, err, stream.ErrTimeout)
	// the caller waits out the grace period before giving up
	assert.GreaterOrEqual(t, time.Since(start), 1100*time.Millisecond)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientGraceLetsRemoteTimeoutWin(t *testing.T) {
	// the remote side enforces the invocation timeout itself and answers just after it
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		respond(http.StatusInternalServerError, "application/json", `{"errorMessage":"remote timed out","errorDetails":"after 200ms"}`)(w, r)
	}), 200*time.Millisecond)

	_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "remote timed out", invErr.Message)
	assert.Equal(t, "after 200ms", invErr.Details)
	assert.NotErrorIs(t, err, stream.ErrTimeout)
}

func TestClientCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), time.Minute)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, err := Invoke[string](ctx, c, Request{ModuleName: "m"})
	require.ErrorIs(t, err, stream.ErrCancelled)
	assert.NotErrorIs(t, err, stream.ErrTimeout)
}

func TestClientTimeoutWhileReadingErrorBody(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"errorMessage":`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 100*time.Millisecond)
	t.Cleanup(func() { close(release) })

	_, err := Invoke[string](context.Background(), c, Request{ModuleName: "m"})
	require.ErrorIs(t, err, stream.ErrTimeout)
}
