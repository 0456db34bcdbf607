package hostserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type syncBuffer struct {
	m sync.Mutex
	b bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.String()
}

func newServer(t *testing.T) (*Server, *syncBuffer) {
	out := &syncBuffer{}
	s := &Server{Log: zaptest.NewLogger(t).Sugar(), Marker: "HttpNodeHost", Out: out}
	s.Modules = BuiltinModules(s)
	return s, out
}

func post(t *testing.T, url, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleInvoke(t *testing.T) {
	s, _ := newServer(t)
	srv := httptest.NewServer(s.router())
	t.Cleanup(srv.Close)

	cases := []struct {
		name           string
		body           string
		expStatus      int
		expContentType string
		expBody        string
	}{
		{
			name:           "json",
			body:           `{"moduleName":"echo","args":[1,"a"]}`,
			expStatus:      http.StatusOK,
			expContentType: "application/json",
			expBody:        `[1,"a"]`,
		},
		{
			name:           "text",
			body:           `{"moduleName":"text","args":["world"]}`,
			expStatus:      http.StatusOK,
			expContentType: "text/plain; charset=utf-8",
			expBody:        "hello world",
		},
		{
			name:           "binary",
			body:           `{"moduleName":"binary","args":[]}`,
			expStatus:      http.StatusOK,
			expContentType: "application/octet-stream",
			expBody:        "\x00\x01\x02\xff",
		},
		{
			name:           "error",
			body:           `{"moduleName":"fail","args":[]}`,
			expStatus:      http.StatusInternalServerError,
			expContentType: "application/json",
			expBody:        `{"errorMessage":"boom","errorDetails":"trace"}`,
		},
		{
			name:           "missing export",
			body:           `{"moduleName":"echo","exportedFunctionName":"nope","args":[]}`,
			expStatus:      http.StatusNotFound,
			expContentType: "application/json",
			expBody:        `{"errorMessage":"module \"echo\" has no export \"nope\"","errorDetails":""}`,
		},
		{
			name:           "bad request",
			body:           `{`,
			expStatus:      http.StatusBadRequest,
			expContentType: "application/json",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			resp := post(t, srv.URL, c.body)
			assert.Equal(t, c.expStatus, resp.StatusCode)
			assert.Equal(t, c.expContentType, resp.Header.Get("Content-Type"))
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			if c.expBody != "" {
				assert.Equal(t, c.expBody, string(b))
			}
		})
	}
}

func TestHandleInvokeTimeout(t *testing.T) {
	s, _ := newServer(t)
	s.InvocationTimeout = 100 * time.Millisecond
	srv := httptest.NewServer(s.router())
	t.Cleanup(srv.Close)

	start := time.Now()
	resp := post(t, srv.URL, `{"moduleName":"slow","args":[10000]}`)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got struct {
		ErrorMessage string `json:"errorMessage"`
		ErrorDetails string `json:"errorDetails"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, `invocation of "slow" timed out after 100ms`, got.ErrorMessage)
	assert.Equal(t, context.DeadlineExceeded.Error(), got.ErrorDetails)

	// exports that finish in time are unaffected
	resp = post(t, srv.URL, `{"moduleName":"slow","args":[1]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServePrintsReadinessLine(t *testing.T) {
	s, out := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, "127.0.0.1", 0) }()

	re := regexp.MustCompile(`^\[HttpNodeHost:Listening on \{127\.0\.0\.1\} port (\d+)\]$`)
	var port string
	require.Eventually(t, func() bool {
		m := re.FindStringSubmatch(strings.TrimSpace(out.String()))
		if m == nil {
			return false
		}
		port = m[1]
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp := post(t, "http://127.0.0.1:"+port+"/", `{"moduleName":"echo","exportedFunctionName":"first","args":[{"x":1}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, map[string]int{"x": 1}, got)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWatchParentStopsWhenParentIsGone(t *testing.T) {
	gone := make(chan struct{})
	// PIDs this large are never allocated
	go watchParent(context.Background(), zaptest.NewLogger(t).Sugar(), 1<<30, func() { close(gone) })

	select {
	case <-gone:
	case <-time.After(10 * time.Second):
		t.Fatal("parent watch never fired")
	}
}
