package connector

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// frameSink collects emitted frames for assertions.
type frameSink struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (s *frameSink) emit(f *protocol.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *frameSink) all() []*protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Frame(nil), s.frames...)
}

func newTestExecutor(llmURL string, caps protocol.Caps, mutate func(*config.Connector)) *executor {
	cfg := config.Connector{LLMURL: llmURL, LLMTimeout: 5}
	if mutate != nil {
		mutate(&cfg)
	}
	return newExecutor(cfg, caps, testLogger())
}

func requestPayload(t *testing.T, f *protocol.Frame) *protocol.RequestPayload {
	t.Helper()
	p, ok := f.Payload.(*protocol.RequestPayload)
	if !ok {
		t.Fatalf("frame payload is %T, want *RequestPayload", f.Payload)
	}
	return p
}

func singleFrame(t *testing.T, sink *frameSink) *protocol.Frame {
	t.Helper()
	frames := sink.all()
	if len(frames) != 1 {
		t.Fatalf("emitted %d frames, want 1: %+v", len(frames), frames)
	}
	return frames[0]
}

func TestExecutorBufferedPassthrough(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.RequestURI()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "up-123")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-1", "POST", "/v1/chat/completions",
		map[string]string{"content-type": "application/json"}, []byte(`{"model":"m"}`), "")

	e.do(context.Background(), "req-1", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeResponse || f.ID != "req-1" {
		t.Fatalf("got %s frame id=%s, want RESPONSE req-1", f.Type, f.ID)
	}
	p := f.Payload.(*protocol.ResponsePayload)
	if p.Status != http.StatusOK {
		t.Errorf("status = %d, want 200", p.Status)
	}
	body, err := p.Body()
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(body) != `{"choices":[{"message":{"content":"hi"}}]}` {
		t.Errorf("body = %q, not relayed verbatim", body)
	}
	if p.Headers["content-type"] != "application/json" {
		t.Errorf("content-type header = %q", p.Headers["content-type"])
	}
	if p.Headers["x-request-id"] != "up-123" {
		t.Errorf("x-request-id header = %q", p.Headers["x-request-id"])
	}
	if gotMethod != "POST" || gotPath != "/v1/chat/completions" {
		t.Errorf("upstream saw %s %s", gotMethod, gotPath)
	}
	if string(gotBody) != `{"model":"m"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
}

func TestExecutorUpstreamErrorStatusPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-2", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-2", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeResponse {
		t.Fatalf("got %s frame, want RESPONSE for upstream error status", f.Type)
	}
	p := f.Payload.(*protocol.ResponsePayload)
	if p.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 passed through", p.Status)
	}
	body, _ := p.Body()
	if string(body) != `{"error":{"message":"rate limited"}}` {
		t.Errorf("body = %q, not passed through", body)
	}
}

func TestExecutorStreamingChunks(t *testing.T) {
	events := []string{
		"data: {\"delta\":\"a\"}\n\n",
		"data: {\"delta\":\"b\"}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for _, ev := range events {
			io.WriteString(w, ev)
			fl.Flush()
		}
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-3", "POST", "/v1/chat/completions", nil, []byte(`{"stream":true}`), "")

	e.do(context.Background(), "req-3", requestPayload(t, req), sink.emit, testLogger())

	frames := sink.all()
	if len(frames) < 2 {
		t.Fatalf("emitted %d frames, want at least one chunk plus STREAM_END", len(frames))
	}
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeStreamEnd || last.ID != "req-3" {
		t.Fatalf("last frame is %s id=%s, want STREAM_END req-3", last.Type, last.ID)
	}
	var joined bytes.Buffer
	for _, f := range frames[:len(frames)-1] {
		if f.Type != protocol.TypeStreamChunk {
			t.Fatalf("mid-stream frame is %s, want STREAM_CHUNK", f.Type)
		}
		chunk, err := f.Payload.(*protocol.StreamChunkPayload).Chunk()
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		joined.Write(chunk)
	}
	if joined.String() != strings.Join(events, "") {
		t.Errorf("joined chunks = %q, want the upstream bytes verbatim", joined.String())
	}
}

func TestExecutorStreamSplitsLargeReads(t *testing.T) {
	payload := strings.Repeat("x", 30)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, payload)
	}))
	defer upstream.Close()

	caps := protocol.Caps{MaxChunkBytes: 8, MaxBodyBytes: protocol.DefaultMaxBodyBytes}
	e := newTestExecutor(upstream.URL, caps, nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-4", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-4", requestPayload(t, req), sink.emit, testLogger())

	frames := sink.all()
	if frames[len(frames)-1].Type != protocol.TypeStreamEnd {
		t.Fatalf("last frame is %s, want STREAM_END", frames[len(frames)-1].Type)
	}
	var joined bytes.Buffer
	for _, f := range frames[:len(frames)-1] {
		chunk, err := f.Payload.(*protocol.StreamChunkPayload).Chunk()
		if err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if len(chunk) > caps.MaxChunkBytes {
			t.Errorf("chunk of %d bytes exceeds the %d byte cap", len(chunk), caps.MaxChunkBytes)
		}
		joined.Write(chunk)
	}
	if joined.String() != payload {
		t.Errorf("joined chunks = %q, want %q", joined.String(), payload)
	}
}

func TestExecutorCredentialInjection(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), func(cfg *config.Connector) {
		cfg.LLMAPIKey = "sk-local"
	})

	// The key carried on the frame wins over the locally configured one.
	sink := &frameSink{}
	req := protocol.NewRequest("req-5", "POST", "/v1/chat/completions",
		map[string]string{"authorization": "Bearer sk-caller"}, []byte(`{}`), "sk-frame")
	e.do(context.Background(), "req-5", requestPayload(t, req), sink.emit, testLogger())
	if gotAuth != "Bearer sk-frame" {
		t.Errorf("Authorization = %q, want the frame key", gotAuth)
	}

	// Without a frame key the local key is the fallback.
	sink = &frameSink{}
	req = protocol.NewRequest("req-6", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")
	e.do(context.Background(), "req-6", requestPayload(t, req), sink.emit, testLogger())
	if gotAuth != "Bearer sk-local" {
		t.Errorf("Authorization = %q, want the local fallback key", gotAuth)
	}
}

func TestExecutorFiltersHopHeaders(t *testing.T) {
	var got http.Header
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotHost = r.Host
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-7", "POST", "/v1/chat/completions", map[string]string{
		"host":            "evil.example.com",
		"connection":      "close",
		"content-length":  "9999",
		"accept-encoding": "bogus-codec",
		"x-custom":        "kept",
	}, []byte(`{}`), "")

	e.do(context.Background(), "req-7", requestPayload(t, req), sink.emit, testLogger())

	if got.Get("X-Custom") != "kept" {
		t.Errorf("X-Custom = %q, want forwarded", got.Get("X-Custom"))
	}
	if gotHost == "evil.example.com" {
		t.Error("relayed host header reached the upstream")
	}
	if got.Get("Accept-Encoding") == "bogus-codec" {
		t.Error("relayed accept-encoding reached the upstream")
	}
	if got.Get("Connection") == "close" {
		t.Error("relayed connection header reached the upstream")
	}
}

func TestExecutorHostOverride(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), func(cfg *config.Connector) {
		cfg.LLMHost = "llm.internal"
	})
	sink := &frameSink{}
	req := protocol.NewRequest("req-8", "GET", "/v1/models", nil, nil, "")
	e.do(context.Background(), "req-8", requestPayload(t, req), sink.emit, testLogger())

	if gotHost != "llm.internal" {
		t.Errorf("upstream Host = %q, want the configured override", gotHost)
	}
}

func TestExecutorTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), func(cfg *config.Connector) {
		cfg.LLMTimeout = 0.1
	})
	sink := &frameSink{}
	req := protocol.NewRequest("req-9", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-9", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeError {
		t.Fatalf("got %s frame, want ERROR", f.Type)
	}
	p := f.Payload.(*protocol.ErrorPayload)
	if p.Status != http.StatusGatewayTimeout || p.Code != protocol.CodeTimeout {
		t.Errorf("error = %d/%s, want 504/%s", p.Status, p.Code, protocol.CodeTimeout)
	}
}

func TestExecutorUnreachableBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	e := newTestExecutor("http://"+addr, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-10", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-10", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeError {
		t.Fatalf("got %s frame, want ERROR", f.Type)
	}
	p := f.Payload.(*protocol.ErrorPayload)
	if p.Status != http.StatusBadGateway || p.Code != protocol.CodeLLMUnavailable {
		t.Errorf("error = %d/%s, want 502/%s", p.Status, p.Code, protocol.CodeLLMUnavailable)
	}
}

func TestExecutorOversizeBufferedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, strings.Repeat("x", 100))
	}))
	defer upstream.Close()

	caps := protocol.Caps{MaxChunkBytes: protocol.DefaultMaxChunkBytes, MaxBodyBytes: 64}
	e := newTestExecutor(upstream.URL, caps, nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-11", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-11", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeError {
		t.Fatalf("got %s frame, want ERROR", f.Type)
	}
	p := f.Payload.(*protocol.ErrorPayload)
	if p.Status != http.StatusBadGateway || p.Code != protocol.CodeLLMError {
		t.Errorf("error = %d/%s, want 502/%s", p.Status, p.Code, protocol.CodeLLMError)
	}
}

func TestExecutorStreamingErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "backend exploded")
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-12", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	e.do(context.Background(), "req-12", requestPayload(t, req), sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeError {
		t.Fatalf("got %s frame, want ERROR", f.Type)
	}
	p := f.Payload.(*protocol.ErrorPayload)
	if p.Status != http.StatusInternalServerError || p.Code != protocol.CodeLLMError {
		t.Errorf("error = %d/%s, want 500/%s", p.Status, p.Code, protocol.CodeLLMError)
	}
	if !strings.Contains(p.Error, "backend exploded") {
		t.Errorf("error message %q does not carry the upstream body", p.Error)
	}
}

func TestExecutorCancelSuppressesFrames(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	e := newTestExecutor(upstream.URL, protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	req := protocol.NewRequest("req-13", "POST", "/v1/chat/completions", nil, []byte(`{}`), "")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	e.do(ctx, "req-13", requestPayload(t, req), sink.emit, testLogger())

	if frames := sink.all(); len(frames) != 0 {
		t.Fatalf("emitted %d frames after cancellation, want none: %+v", len(frames), frames)
	}
}

func TestExecutorMalformedBodyEncoding(t *testing.T) {
	e := newTestExecutor("http://127.0.0.1:1", protocol.DefaultCaps(), nil)
	sink := &frameSink{}
	p := &protocol.RequestPayload{Method: "POST", Path: "/v1/chat/completions", BodyB64: "!!not-base64!!"}

	e.do(context.Background(), "req-14", p, sink.emit, testLogger())

	f := singleFrame(t, sink)
	if f.Type != protocol.TypeError {
		t.Fatalf("got %s frame, want ERROR", f.Type)
	}
	if code := f.Payload.(*protocol.ErrorPayload).Code; code != protocol.CodeInternalError {
		t.Errorf("code = %q, want %q", code, protocol.CodeInternalError)
	}
}
