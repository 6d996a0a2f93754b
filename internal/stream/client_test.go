package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/article-assistant/internal/citation"
	"gwi.com/article-assistant/internal/telemetry"
)

type report struct {
	err  error
	msg  string
	tags map[string]string
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *recordingReporter) ReportError(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{err: err, tags: tags})
}

func (r *recordingReporter) ReportMessage(msg string, _ telemetry.Level, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{msg: msg, tags: tags})
}

func (r *recordingReporter) all() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

const (
	citationA = `{"type":"citation","citation":{"position":6,"references":[{"pages":[3],"file":{"name":"a.pdf","id":"fa","signed_url":"https://files/a.pdf"}}]}}`
	citationB = `{"type":"citation","citation":{"position":11,"references":[{"file":{"name":"b.pdf","id":"fb"}}]}}`
	endFrame  = `{"type":"message_end"}`
)

func chunk(s string) string {
	return fmt.Sprintf(`{"type":"content_chunk","delta":{"content":%q}}`, s)
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
		}
	}))
}

func TestStreamDeliversDeltasInArrivalOrder(t *testing.T) {
	server := sseServer(t,
		`{"type":"message_start","id":"m1","model":"test"}`,
		chunk("Hello "), citationA, chunk("world"), citationB, endFrame,
	)
	defer server.Close()

	client := NewClient(server.URL)

	var deltas []Delta
	err := client.Stream(context.Background(), Request{Task: "draft-article", Prompt: "hi"}, func(d Delta) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	require.Len(t, deltas, 4)

	assert.Equal(t, "Hello ", deltas[0].Content)
	require.Len(t, deltas[1].Citations, 1)
	assert.Equal(t, "world", deltas[2].Content)
	require.Len(t, deltas[3].Citations, 1)

	var content strings.Builder
	var cites []citation.Citation
	for _, d := range deltas {
		content.WriteString(d.Content)
		cites = append(cites, d.Citations...)
	}
	assert.Equal(t, "Hello world", content.String())
	require.Len(t, cites, 2)
	assert.Equal(t, 6, cites[0].Position)
	assert.Equal(t, "https://files/a.pdf", cites[0].References[0].File.URL)
	assert.Equal(t, []int{3}, cites[0].References[0].Pages)
	assert.Equal(t, 11, cites[1].Position)
	assert.Equal(t, []int{}, cites[1].References[0].Pages)
}

func TestStreamReassemblesFramesSplitAcrossReads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		payload := "data: " + chunk("héllo wörld") + "\n\ndata: " + endFrame + "\n\n"
		// Split inside the JSON and inside a multi-byte rune.
		cut1 := strings.Index(payload, "content")
		cut2 := strings.Index(payload, "é") + 1
		for _, part := range []string{payload[:cut1], payload[cut1:cut2], payload[cut2:]} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer server.Close()

	var content strings.Builder
	err := NewClient(server.URL).Stream(context.Background(), Request{Task: "qa"}, func(d Delta) {
		content.WriteString(d.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "héllo wörld", content.String())
}

func TestStreamSkipsUnparseableLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive comment\n\n")
		fmt.Fprint(w, "event: ping\n")
		fmt.Fprintf(w, "data: %s\n\n", chunk("one "))
		fmt.Fprint(w, "data: {\"type\":\"content_chunk\",\"delta\":\n\n")
		fmt.Fprintf(w, "data: %s\n\n", chunk("two"))
		fmt.Fprintf(w, "data: %s\n\n", endFrame)
	}))
	defer server.Close()

	var content strings.Builder
	err := NewClient(server.URL).Stream(context.Background(), Request{Task: "qa"}, func(d Delta) {
		content.WriteString(d.Content)
	})
	require.NoError(t, err)
	assert.Equal(t, "one two", content.String())
}

func TestStreamTimesOutWithoutData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	rep := &recordingReporter{}
	client := NewClient(server.URL, WithIdleTimeout(50*time.Millisecond), WithReporter(rep))

	called := false
	err := client.Stream(context.Background(), Request{Task: "research"}, func(Delta) { called = true })
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Contains(t, err.Error(), "Response timeout after")
	assert.False(t, called)

	reports := rep.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "research", reports[0].tags["task"])
	assert.Equal(t, "50", reports[0].tags["timeout_ms"])
	assert.Equal(t, "false", reports[0].tags["has_end_message"])
	assert.NotEmpty(t, reports[0].tags["time_since_last_chunk"])
}

func TestStreamTimesOutAfterStall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", chunk("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	rep := &recordingReporter{}
	client := NewClient(server.URL, WithIdleTimeout(80*time.Millisecond), WithReporter(rep))

	var got []string
	err := client.Stream(context.Background(), Request{Task: "qa"}, func(d Delta) {
		got = append(got, d.Content)
	})
	assert.True(t, IsKind(err, KindTimeout), "got %v", err)
	assert.Equal(t, []string{"partial"}, got)
	require.Len(t, rep.all(), 1)
}

func TestStreamTruncatedIsReported(t *testing.T) {
	server := sseServer(t, chunk("Hello "), citationA, chunk("world"))
	defer server.Close()

	rep := &recordingReporter{}
	client := NewClient(server.URL, WithReporter(rep))

	var content strings.Builder
	calls := 0
	err := client.Stream(context.Background(), Request{Task: "article"}, func(d Delta) {
		calls++
		content.WriteString(d.Content)
	})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTruncated))
	assert.Equal(t, "Stream ended without message_end", err.Error())
	assert.Equal(t, 3, calls)
	assert.Equal(t, "Hello world", content.String())

	reports := rep.all()
	require.Len(t, reports, 1)
	assert.Equal(t, "truncated_stream", reports[0].tags["kind"])
	assert.Equal(t, "article", reports[0].tags["task"])
}

func TestStreamWithoutAnyEvent(t *testing.T) {
	server := sseServer(t)
	defer server.Close()

	err := NewClient(server.URL).Stream(context.Background(), Request{Task: "qa"}, func(Delta) {
		t.Fatal("no delta expected")
	})
	assert.True(t, IsKind(err, KindMalformed))
	assert.Equal(t, "Stream ended without receiving any data", err.Error())
}

func TestStreamHTTPErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    Kind
		message string
	}{
		{name: "json error body", status: http.StatusBadRequest, body: `{"error":"Task and prompt are required"}`, kind: KindUpstream, message: "Task and prompt are required"},
		{name: "plain body", status: http.StatusBadGateway, body: "bad gateway", kind: KindUpstream, message: "HTTP error! status: 502"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":"Unauthorized"}`, kind: KindUnauthorized, message: "Unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			err := NewClient(server.URL).Stream(context.Background(), Request{Task: "qa"}, func(Delta) {})
			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, tt.message, se.Message)
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestStreamRequiresBody(t *testing.T) {
	tests := []struct {
		name    string
		body    io.ReadCloser
		message string
	}{
		{"missing body", nil, "No response body"},
		{"empty body", http.NoBody, "Stream ended without receiving any data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
				return &http.Response{StatusCode: http.StatusOK, Body: tt.body, Header: http.Header{}}, nil
			})}

			err := NewClient("http://assistant.invalid/api/generate", WithHTTPClient(hc)).
				Stream(context.Background(), Request{Task: "qa"}, func(Delta) {})
			assert.True(t, IsKind(err, KindMalformed))
			assert.Equal(t, tt.message, err.Error())
		})
	}
}

func TestStreamSendsRequestAndCredential(t *testing.T) {
	var gotAuth []string
	var gotBody Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprintf(w, "data: %s\n\ndata: %s\n\n", chunk("ok"), endFrame)
	}))
	defer server.Close()

	req := Request{Task: "draft-article", Prompt: "Write about rivers", BasePrompt: "Be complete", IncludeSpiritSoulDraft: true}

	withToken := NewClient(server.URL, WithCredential(func(context.Context) (string, error) { return "Bearer abc", nil }))
	require.NoError(t, withToken.Stream(context.Background(), req, func(Delta) {}))

	withoutToken := NewClient(server.URL, WithCredential(func(context.Context) (string, error) { return "", nil }))
	require.NoError(t, withoutToken.Stream(context.Background(), req, func(Delta) {}))

	assert.Equal(t, []string{"Bearer abc", ""}, gotAuth)
	assert.True(t, gotBody.Stream)
	assert.Equal(t, "draft-article", gotBody.Task)
	assert.Equal(t, "Write about rivers", gotBody.Prompt)
	assert.Equal(t, "Be complete", gotBody.BasePrompt)
	assert.True(t, gotBody.IncludeSpiritSoulDraft)
}

func TestStreamCredentialFailure(t *testing.T) {
	client := NewClient("http://assistant.invalid", WithCredential(func(context.Context) (string, error) {
		return "", errors.New("no session")
	}))
	err := client.Stream(context.Background(), Request{Task: "qa"}, func(Delta) {})
	assert.True(t, IsKind(err, KindUnauthorized))
}

func TestStreamPhaseTransitions(t *testing.T) {
	server := sseServer(t, chunk("a"), endFrame)
	defer server.Close()

	var mu sync.Mutex
	var phases []Phase
	client := NewClient(server.URL, WithPhaseHook(func(p Phase) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	}))

	s, err := client.Open(context.Background(), Request{Task: "qa"})
	require.NoError(t, err)
	assert.Equal(t, PhaseLoading, s.Phase())

	d, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "a", d.Content)
	assert.Equal(t, PhaseStreaming, s.Phase())

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, PhaseIdle, s.Phase())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseLoading, PhaseStreaming, PhaseIdle}, phases)
}

func TestStreamCallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", chunk("a"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	err := NewClient(server.URL).Stream(ctx, Request{Task: "qa"}, func(Delta) { cancel() })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsKind(err, KindTimeout))
}
