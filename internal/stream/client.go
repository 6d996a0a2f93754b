// Package stream consumes the generation endpoint's event stream.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/telemetry"
)

// DefaultIdleTimeout is how long a stream may go without receiving bytes
// before it is aborted.
const DefaultIdleTimeout = 60 * time.Second

// Phase is the observable lifecycle of one stream: loading until the first
// event parses, streaming afterwards, idle once closed.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseStreaming
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

type Client struct {
	endpoint    string
	httpClient  *http.Client
	credential  func(ctx context.Context) (string, error)
	reporter    telemetry.Reporter
	idleTimeout time.Duration
	onPhase     func(Phase)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredential sets the source of the Authorization header. An empty
// credential sends no header.
func WithCredential(fn func(ctx context.Context) (string, error)) Option {
	return func(c *Client) { c.credential = fn }
}

func WithReporter(r telemetry.Reporter) Option {
	return func(c *Client) { c.reporter = r }
}

func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) { c.idleTimeout = d }
}

// WithPhaseHook is called on every phase transition of every stream.
func WithPhaseHook(fn func(Phase)) Option {
	return func(c *Client) { c.onPhase = fn }
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{},
		reporter:    telemetry.Nop{},
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream runs one request to completion, handing each content or citation
// delta to onDelta in arrival order. The client does not accumulate content.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(Delta)) error {
	s, err := c.Open(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()

	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		onDelta(d)
	}
}

// Open sends the request and returns the stream once response headers
// arrive. The idle timer starts before the request is sent. The caller must
// Close the returned stream.
func (c *Client) Open(ctx context.Context, req Request) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		ctx:      ctx,
		cancel:   cancel,
		task:     req.Task,
		timeout:  c.idleTimeout,
		reporter: c.reporter,
		onPhase:  c.onPhase,
	}
	s.setPhase(PhaseLoading)
	s.watch = newWatchdog(c.idleTimeout, s.expire)

	fail := func(err error) (*Stream, error) {
		err = s.classify(err)
		s.Close()
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to build generation request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	if c.credential != nil {
		cred, err := c.credential(ctx)
		if err != nil {
			return fail(&Error{Kind: KindUnauthorized, Message: "Failed to acquire credentials", Err: err})
		}
		if cred != "" {
			httpReq.Header.Set("Authorization", cred)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fail(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return fail(statusError(resp))
	}
	if resp.Body == nil {
		return fail(&Error{Kind: KindMalformed, Status: resp.StatusCode, Message: "No response body"})
	}

	s.body = resp.Body
	s.dec = NewDecoder(&activityReader{r: resp.Body, w: s.watch})
	return s, nil
}

func statusError(resp *http.Response) *Error {
	msg := "HTTP error! status: " + strconv.Itoa(resp.StatusCode)
	var payload struct {
		Error string `json:"error"`
	}
	if resp.Body != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload); err == nil && payload.Error != "" {
			msg = payload.Error
		}
	}
	kind := KindUpstream
	if resp.StatusCode == http.StatusUnauthorized {
		kind = KindUnauthorized
	}
	return &Error{Kind: kind, Status: resp.StatusCode, Message: msg}
}

// Stream is one in-flight generation. It is not safe for concurrent Recv
// calls; Close may be called from any goroutine.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	task     string
	timeout  time.Duration
	reporter telemetry.Reporter
	onPhase  func(Phase)

	body  io.ReadCloser
	dec   *Decoder
	watch *watchdog

	phase    atomic.Int32
	received bool
	ended    atomic.Bool
	err      error

	closeOnce sync.Once
}

// Phase reports where the stream is in its lifecycle.
func (s *Stream) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Stream) setPhase(p Phase) {
	if Phase(s.phase.Swap(int32(p))) != p && s.onPhase != nil {
		s.onPhase(p)
	}
}

// Recv returns the next content or citation delta. It returns io.EOF after a
// clean finish and a *Error for every failure, including a stream that closed
// without message_end. Once an error is returned, every later call returns it.
func (s *Stream) Recv() (Delta, error) {
	if s.err != nil {
		return Delta{}, s.err
	}
	for {
		ev, err := s.dec.Next()
		if errors.Is(err, io.EOF) {
			s.err = s.finish()
			return Delta{}, s.err
		}
		if err != nil {
			s.err = s.classify(err)
			return Delta{}, s.err
		}

		if !s.received {
			s.received = true
			s.setPhase(PhaseStreaming)
		}

		switch ev.Type {
		case EventContentChunk:
			if ev.Delta != "" {
				return Delta{Content: ev.Delta}, nil
			}
		case EventCitation:
			if ev.Citation != nil {
				return Delta{Citations: []citation.Citation{*ev.Citation}}, nil
			}
		case EventMessageEnd:
			s.ended.Store(true)
		}
	}
}

func (s *Stream) finish() error {
	if !s.received {
		return &Error{Kind: KindMalformed, Message: "Stream ended without receiving any data"}
	}
	if !s.ended.Load() {
		err := &Error{Kind: KindTruncated, Message: "Stream ended without message_end"}
		s.reporter.ReportError(err, map[string]string{
			"kind":            KindTruncated.String(),
			"task":            s.task,
			"has_end_message": "false",
		})
		return err
	}
	return io.EOF
}

// classify maps transport errors onto the failure taxonomy, preferring the
// idle timeout when it is what cancelled the request.
func (s *Stream) classify(err error) error {
	var se *Error
	if cause := context.Cause(s.ctx); errors.As(cause, &se) && se.Kind == KindTimeout {
		return se
	}
	if errors.As(err, &se) {
		return se
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("stream cancelled: %w", context.Cause(s.ctx))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("stream cancelled: %w", err)
	}
	return &Error{Kind: KindUpstream, Message: "Failed to reach the assistant: " + err.Error(), Err: err}
}

func (s *Stream) expire(elapsed time.Duration) {
	err := &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("Response timeout after %dms", elapsed.Milliseconds()),
	}
	s.reporter.ReportError(err, map[string]string{
		"kind":                  KindTimeout.String(),
		"task":                  s.task,
		"timeout_ms":            strconv.FormatInt(s.timeout.Milliseconds(), 10),
		"time_since_last_chunk": strconv.FormatInt(elapsed.Milliseconds(), 10),
		"has_end_message":       strconv.FormatBool(s.ended.Load()),
	})
	s.cancel(err)
}

// Close stops the idle timer, releases the connection and returns the stream
// to idle. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.watch.stop()
		s.cancel(context.Canceled)
		if s.body != nil {
			err = s.body.Close()
		}
		s.setPhase(PhaseIdle)
	})
	return err
}

type activityReader struct {
	r io.Reader
	w *watchdog
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.w.touch()
	}
	return n, err
}

// watchdog fires onExpire once when no activity has been seen for timeout.
type watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	last     time.Time
	timer    *time.Timer
	stopped  bool
	onExpire func(elapsed time.Duration)
}

func newWatchdog(timeout time.Duration, onExpire func(time.Duration)) *watchdog {
	w := &watchdog{timeout: timeout, last: time.Now(), onExpire: onExpire}
	w.mu.Lock()
	w.timer = time.AfterFunc(timeout, w.fire)
	w.mu.Unlock()
	return w
}

func (w *watchdog) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.last = time.Now()
	w.timer.Reset(w.timeout)
}

func (w *watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	elapsed := time.Since(w.last)
	if elapsed < w.timeout {
		w.timer.Reset(w.timeout - elapsed)
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.onExpire(elapsed)
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}
