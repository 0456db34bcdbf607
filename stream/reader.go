package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/smallnest/chanx"
	"go.uber.org/zap"
)

const defaultReadSize = 4096

// Reader splits a byte stream into lines and chunks. See the package docs.
type Reader struct {
	name     string
	log      *zap.SugaredLogger
	src      io.Reader
	readSize int

	lineObservers  []func(line string)
	chunkObservers []func(chunk []byte)

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}
	lines     *chanx.UnboundedChan[string]
	err       error
}

type Option func(r *Reader)

// WithLineObserver registers f to be called with every completed line, in order.
// f runs on the reader goroutine and must not block.
func WithLineObserver(f func(line string)) Option {
	return func(r *Reader) {
		r.lineObservers = append(r.lineObservers, f)
	}
}

// WithChunkObserver registers f to be called with every chunk read from the stream, including chunks without a newline.
// f runs on the reader goroutine and must not block. The slice is not reused by the reader.
func WithChunkObserver(f func(chunk []byte)) Option {
	return func(r *Reader) {
		r.chunkObservers = append(r.chunkObservers, f)
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Reader) {
		r.log = l
	}
}

// WithReadSize sets the size of each read from the underlying stream.
func WithReadSize(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.readSize = n
		}
	}
}

// NewReader builds a Reader over src. Nothing is read until Start is called.
func NewReader(name string, src io.Reader, opts ...Option) *Reader {
	r := &Reader{
		name:     name,
		log:      zap.NewNop().Sugar(),
		src:      src,
		readSize: defaultReadSize,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named(name)
	return r
}

// Start starts the reader goroutine. Subsequent calls are no-ops.
func (r *Reader) Start() {
	r.startOnce.Do(func() {
		// The queue lives until the source is exhausted, so it is not tied to any caller's context.
		r.lines = chanx.NewUnboundedChan[string](context.Background(), 16)
		close(r.started)
		go r.run()
	})
}

func (r *Reader) Name() string { return r.name }

// Done is closed once the underlying stream is exhausted and all observers have been called.
// Lines may still be queued for Next after Done is closed.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Err returns the read error that ended the stream, if it was something other than EOF or a closed pipe.
// It is only meaningful after Done is closed.
func (r *Reader) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *Reader) run() {
	defer close(r.done)
	defer close(r.lines.In)

	buf := make([]byte, r.readSize)
	var pending []byte
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, f := range r.chunkObservers {
				f(chunk)
			}

			pending = append(pending, chunk...)
			start := 0
			for {
				i := bytes.IndexByte(pending[start:], '\n')
				if i < 0 {
					break
				}
				r.emitLine(pending[start : start+i])
				start += i + 1
			}
			pending = append(pending[:0], pending[start:]...)
		}
		if err != nil {
			if len(pending) > 0 {
				r.emitLine(pending)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				r.log.Debugf("read error: %s", err)
				r.err = err
			}
			r.log.Debug("stream closed")
			return
		}
	}
}

func (r *Reader) emitLine(b []byte) {
	line := string(bytes.TrimSuffix(b, []byte{'\r'}))
	for _, f := range r.lineObservers {
		f(line)
	}
	r.lines.In <- line
}

// Next returns the next queued line. It returns ErrEndOfStream once the stream is closed and the queue is drained,
// and ErrTimeout or ErrCancelled if ctx is done first.
func (r *Reader) Next(ctx context.Context) (string, error) {
	select {
	case <-r.started:
	case <-ctx.Done():
		return "", fmt.Errorf("reading %s: %w", r.name, ContextErr(ctx))
	}

	select {
	case line, ok := <-r.lines.Out:
		if !ok {
			return "", fmt.Errorf("reading %s: %w", r.name, ErrEndOfStream)
		}
		return line, nil
	case <-ctx.Done():
		return "", fmt.Errorf("reading %s: %w", r.name, ContextErr(ctx))
	}
}

// Match is a line that matched a pattern, with its submatches.
type Match struct {
	Line string
	// Groups holds the whole match followed by the capture groups, as returned by regexp.FindStringSubmatch.
	Groups []string
}

// WaitForMatch consumes queued lines until one matches re.
// A timeout of zero means no deadline other than ctx's own.
// Lines consumed before the match are dropped from the queue, but were still delivered to the line observers.
func (r *Reader) WaitForMatch(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (Match, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}
	for {
		line, err := r.Next(ctx)
		if err != nil {
			return Match{}, fmt.Errorf("waiting for %q: %w", re.String(), err)
		}
		if groups := re.FindStringSubmatch(line); groups != nil {
			return Match{Line: line, Groups: groups}, nil
		}
	}
}

// Forward passes every queued line to sink until the stream ends, which returns nil, or ctx is done.
func Forward(ctx context.Context, r *Reader, sink func(line string)) error {
	for {
		line, err := r.Next(ctx)
		if errors.Is(err, ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		sink(line)
	}
}
