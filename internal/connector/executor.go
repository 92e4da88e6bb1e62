package connector

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// executor reconstructs relayed requests against the local LLM backend and
// emits the reply frames.
type executor struct {
	baseURL      string
	localKey     string // fallback when the REQUEST frame carries no key
	hostOverride string
	timeout      time.Duration
	caps         protocol.Caps
	client       *http.Client
	log          *slog.Logger
}

func newExecutor(cfg config.Connector, caps protocol.Caps, log *slog.Logger) *executor {
	tr := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.LLMInsecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := time.Duration(cfg.LLMTimeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &executor{
		baseURL:      strings.TrimRight(cfg.LLMURL, "/"),
		localKey:     cfg.LLMAPIKey,
		hostOverride: cfg.LLMHost,
		timeout:      timeout,
		caps:         caps,
		client:       &http.Client{Transport: tr},
		log:          log,
	}
}

// Headers never forwarded to the upstream. Authorization is in the list
// because the executor sets its own from the injected key.
var dropHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"authorization":       {},
	"proxy-authorization": {},
	"content-length":      {},
	"accept-encoding":     {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"keep-alive":          {},
	"te":                  {},
	"trailer":             {},
}

// do forwards one relayed request upstream and emits RESPONSE, STREAM_CHUNK/
// STREAM_END, or ERROR frames through emit. A cancelled ctx suppresses all
// emission; the relay treats the CANCEL as the terminator.
func (e *executor) do(ctx context.Context, id string, p *protocol.RequestPayload, emit func(*protocol.Frame) error, log *slog.Logger) {
	body, err := p.Body()
	if err != nil {
		_ = emit(protocol.NewError(id, 500, "malformed request body encoding", protocol.CodeInternalError))
		return
	}

	// The upstream timeout covers the whole call for buffered responses but
	// only up to the response headers for streams; a live stream answers to
	// the relay's deadline and CANCEL instead.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	deadline := time.AfterFunc(e.timeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer deadline.Stop()

	req, err := http.NewRequestWithContext(reqCtx, p.Method, e.baseURL+p.Path, bytes.NewReader(body))
	if err != nil {
		_ = emit(protocol.NewError(id, 500, "build upstream request", protocol.CodeInternalError))
		return
	}
	for k, v := range p.Headers {
		if _, drop := dropHeaders[strings.ToLower(k)]; drop {
			continue
		}
		req.Header.Set(k, v)
	}
	key := p.LLMAPIKey
	if key == "" {
		key = e.localKey
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if e.hostOverride != "" {
		req.Host = e.hostOverride
	}

	log.Debug("forwarding to upstream", "method", p.Method, "path", p.Path, "body_bytes", len(body))
	resp, err := e.client.Do(req)
	if err != nil {
		switch {
		case timedOut.Load():
			log.Warn("upstream request timed out", "timeout", e.timeout)
			_ = emit(protocol.NewError(id, 504, "upstream request timed out", protocol.CodeTimeout))
		case ctx.Err() != nil:
			// Cancelled by the relay or session end.
		default:
			log.Warn("upstream unreachable", "error", err)
			_ = emit(protocol.NewError(id, 502, "LLM backend unavailable", protocol.CodeLLMUnavailable))
		}
		return
	}
	defer resp.Body.Close()

	if isStreamingResponse(resp.Header.Get("Content-Type")) {
		deadline.Stop()
		e.relayStream(id, resp, emit, log)
		return
	}
	e.relayBuffered(id, resp, emit, &timedOut, log)
}

func isStreamingResponse(contentType string) bool {
	return strings.Contains(contentType, "text/event-stream") ||
		strings.Contains(contentType, "application/x-ndjson")
}

// relayBuffered forwards a complete response as one RESPONSE frame. Upstream
// error statuses pass through verbatim.
func (e *executor) relayBuffered(id string, resp *http.Response, emit func(*protocol.Frame) error, timedOut *atomic.Bool, log *slog.Logger) {
	limit := int64(e.caps.MaxBodyBytes)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if timedOut.Load() {
			_ = emit(protocol.NewError(id, 504, "upstream request timed out", protocol.CodeTimeout))
		} else {
			log.Warn("reading upstream response failed", "error", err)
			_ = emit(protocol.NewError(id, 502, "reading upstream response failed", protocol.CodeLLMError))
		}
		return
	}
	if int64(len(raw)) > limit {
		log.Warn("upstream response over size cap", "status", resp.StatusCode)
		_ = emit(protocol.NewError(id, 502, "upstream response exceeds size cap", protocol.CodeLLMError))
		return
	}
	_ = emit(protocol.NewResponse(id, resp.StatusCode, responseHeaders(resp.Header), raw))
	log.Info("upstream response relayed", "status", resp.StatusCode, "bytes", len(raw))
}

// relayStream forwards a streaming response chunk by chunk, splitting reads
// that exceed the per-chunk cap.
func (e *executor) relayStream(id string, resp *http.Response, emit func(*protocol.Frame) error, log *slog.Logger) {
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.ToValidUTF8(string(raw), "�")
		if msg == "" {
			msg = "upstream streaming error"
		}
		_ = emit(protocol.NewError(id, resp.StatusCode, msg, protocol.CodeLLMError))
		return
	}

	chunks := 0
	buf := make([]byte, 1<<20)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, part := range protocol.SplitChunks(buf[:n], e.caps.MaxChunkBytes) {
				if emit(protocol.NewStreamChunk(id, part)) != nil {
					return
				}
				chunks++
			}
		}
		if err == io.EOF {
			_ = emit(protocol.NewStreamEnd(id))
			log.Info("upstream stream relayed", "chunks", chunks)
			return
		}
		if err != nil {
			if resp.Request != nil && resp.Request.Context().Err() != nil {
				return
			}
			log.Warn("upstream stream broke", "error", err)
			_ = emit(protocol.NewError(id, 502, "upstream stream failed", protocol.CodeLLMError))
			return
		}
	}
}

// responseHeaders picks the upstream headers that travel back over the
// tunnel, lowercased for wire consistency.
func responseHeaders(h http.Header) map[string]string {
	out := make(map[string]string, 2)
	if ct := h.Get("Content-Type"); ct != "" {
		out["content-type"] = ct
	}
	if rid := h.Get("X-Request-Id"); rid != "" {
		out["x-request-id"] = rid
	}
	return out
}
