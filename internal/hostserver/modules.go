package hostserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// BuiltinModules returns the modules served by the test host.
func BuiltinModules(s *Server) map[string]Module {
	return map[string]Module{
		// echo returns its arguments as a JSON array.
		"echo": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return args, nil
			},
			"first": func(ctx context.Context, args []json.RawMessage) (any, error) {
				if len(args) == 0 {
					return nil, &Error{Message: "no arguments"}
				}
				return args[0], nil
			},
		},
		"text": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				var parts []string
				for _, a := range args {
					var s string
					if err := json.Unmarshal(a, &s); err != nil {
						s = string(a)
					}
					parts = append(parts, s)
				}
				return "hello " + strings.Join(parts, " "), nil
			},
		},
		"binary": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return bytes.NewReader([]byte{0x00, 0x01, 0x02, 0xff}), nil
			},
		},
		"fail": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return nil, &Error{Message: "boom", Details: "trace"}
			},
			"plain": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return nil, fmt.Errorf("plain failure")
			},
		},
		"raw": {
			"garbage": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return &Raw{StatusCode: http.StatusInternalServerError, ContentType: "text/plain", Body: []byte("not json")}, nil
			},
			"null": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return &Raw{StatusCode: http.StatusInternalServerError, ContentType: "application/json", Body: []byte("null")}, nil
			},
			"html": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return &Raw{StatusCode: http.StatusOK, ContentType: "text/html", Body: []byte("<p>hi</p>")}, nil
			},
			"malformed": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return &Raw{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"x":`)}, nil
			},
		},
		// slow sleeps for args[0] milliseconds.
		"slow": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				var ms int
				if len(args) > 0 {
					if err := json.Unmarshal(args[0], &ms); err != nil {
						return nil, &Error{Message: fmt.Sprintf("bad duration: %s", err)}
					}
				}
				t := time.NewTimer(time.Duration(ms) * time.Millisecond)
				defer t.Stop()
				select {
				case <-t.C:
					return "done", nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		// log writes each argument as a line to stdout, or to stderr for the "stderr" export.
		"log": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				for _, a := range args {
					var line string
					if err := json.Unmarshal(a, &line); err != nil {
						line = string(a)
					}
					s.Println(line)
				}
				return "logged", nil
			},
			"stderr": func(ctx context.Context, args []json.RawMessage) (any, error) {
				for _, a := range args {
					var line string
					if err := json.Unmarshal(a, &line); err != nil {
						line = string(a)
					}
					fmt.Fprintln(os.Stderr, line)
				}
				return "logged", nil
			},
		},
		"pid": {
			"": func(ctx context.Context, args []json.RawMessage) (any, error) {
				return map[string]int{"pid": os.Getpid()}, nil
			},
		},
	}
}
