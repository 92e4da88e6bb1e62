package broker

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// apiError is the JSON error body for every non-2xx API response.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func writeAPIError(w http.ResponseWriter, status int, message, code string) {
	body, err := json.Marshal(apiError{Error: apiErrorDetail{Message: message, Code: code}})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// statusForCode maps protocol error codes to the HTTP status surfaced to the
// external caller.
func statusForCode(code string) int {
	switch code {
	case protocol.CodeInvalidToken, protocol.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case protocol.CodeModelNotFound:
		return http.StatusNotFound
	case protocol.CodeFrameTooLarge:
		return http.StatusRequestEntityTooLarge
	case protocol.CodeLLMUnavailable, protocol.CodeLLMError:
		return http.StatusBadGateway
	case protocol.CodeTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeNoConnector, protocol.CodeSessionLost, protocol.CodeSlowConsumer, protocol.CodeShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorCode maps an in-flight failure cause to its protocol code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionLost), errors.Is(err, ErrSessionClosed):
		return protocol.CodeSessionLost
	case errors.Is(err, ErrShutdown):
		return protocol.CodeShutdown
	case errors.Is(err, ErrSlowConsumer):
		return protocol.CodeSlowConsumer
	default:
		return protocol.CodeInternalError
	}
}

func messageForCode(code string) string {
	switch code {
	case protocol.CodeSessionLost:
		return "connector session lost"
	case protocol.CodeShutdown:
		return "broker is shutting down"
	case protocol.CodeSlowConsumer:
		return "client too slow consuming stream"
	default:
		return "internal error"
	}
}

// authorizeUser validates the caller's API key. An empty key set leaves the
// API open. Rejections never include the presented key.
func (b *Server) authorizeUser(w http.ResponseWriter, r *http.Request) bool {
	keys := b.userKeys()
	if len(keys) == 0 {
		return true
	}
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		for _, want := range keys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1 {
				return true
			}
		}
	}
	writeAPIError(w, http.StatusUnauthorized, "invalid API key", protocol.CodeInvalidAPIKey)
	return false
}

// sanitizeHeaders copies client headers onto the relayed request, dropping
// the caller's credentials and anything hop-by-hop.
func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		case "Authorization", "Proxy-Authorization", "Host", "Connection",
			"Content-Length", "Accept-Encoding", "Transfer-Encoding",
			"Upgrade", "Te", "Trailer", "Keep-Alive":
			continue
		}
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// handleChatCompletions relays one completion request to the connector that
// owns the requested model and copies the reply back, streaming or not.
func (b *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if b.draining.Load() {
		writeAPIError(w, http.StatusServiceUnavailable, "broker is shutting down", protocol.CodeShutdown)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeShutdown).Inc()
		return
	}
	if !b.authorizeUser(w, r) {
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeInvalidAPIKey).Inc()
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(b.caps.MaxBodyBytes))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeAPIError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", b.caps.MaxBodyBytes), protocol.CodeFrameTooLarge)
			b.metrics.requestsTotal.WithLabelValues(protocol.CodeFrameTooLarge).Inc()
			return
		}
		b.log.Debug("client went away while sending body", "error", err)
		return
	}

	// The body stays opaque; only model and stream are inspected.
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		writeAPIError(w, http.StatusNotFound, "model not found", protocol.CodeModelNotFound)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeModelNotFound).Inc()
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()

	route, err := b.router.Route(model)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "model not found", protocol.CodeModelNotFound)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeModelNotFound).Inc()
		return
	}
	sess, ok := b.session(route.SessionID)
	if !ok {
		writeAPIError(w, http.StatusServiceUnavailable, "no connector available", protocol.CodeNoConnector)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeNoConnector).Inc()
		return
	}

	corrID := protocol.NewCorrelationID()
	log := b.log.With("correlation_id", corrID, "session_id", sess.id, "model", model)

	rec, err := sess.OpenRequest(corrID)
	if err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "connector session lost", protocol.CodeSessionLost)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeSessionLost).Inc()
		return
	}
	defer sess.removeInflight(corrID)

	req := protocol.NewRequest(corrID, r.Method, r.URL.RequestURI(), sanitizeHeaders(r.Header), body, route.Credential)
	if err := sess.Send(r.Context(), req); err != nil {
		writeAPIError(w, http.StatusServiceUnavailable, "connector session lost", protocol.CodeSessionLost)
		b.metrics.requestsTotal.WithLabelValues(protocol.CodeSessionLost).Inc()
		return
	}
	log.Debug("request relayed", "stream", stream, "body_bytes", len(body))

	outcome := b.relay(w, r, sess, rec, corrID)
	b.metrics.requestsTotal.WithLabelValues(outcome).Inc()
	b.metrics.requestDuration.Observe(time.Since(start).Seconds())
	log.Info("request finished", "outcome", outcome, "elapsed_ms", time.Since(start).Milliseconds())
}

var doneMarker = []byte("data: [DONE]")

// relay consumes the in-flight sink and writes the external response. It
// returns the outcome label for metrics: "ok", "canceled", or an error code.
func (b *Server) relay(w http.ResponseWriter, r *http.Request, sess *session, rec *inflight, corrID string) string {
	timer := time.NewTimer(b.dur(b.cfg.RequestTimeout))
	defer timer.Stop()

	wroteHeader := false
	// Rolling tail of the relayed stream, so the [DONE] terminator is added
	// only when the upstream tail did not already carry one.
	var tail []byte

	startStream := func() {
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		wroteHeader = true
	}
	flush := func() {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			sess.cancelRequest(corrID)
			return "canceled"

		case <-timer.C:
			sess.cancelRequest(corrID)
			if !wroteHeader {
				writeAPIError(w, http.StatusGatewayTimeout, "request deadline exceeded", protocol.CodeTimeout)
			}
			return protocol.CodeTimeout

		case f, open := <-rec.Frames():
			if !open {
				code := errorCode(rec.Err())
				if !wroteHeader {
					writeAPIError(w, statusForCode(code), messageForCode(code), code)
				}
				return code
			}

			switch f.Type {
			case protocol.TypeResponse:
				p := f.Payload.(*protocol.ResponsePayload)
				respBody, err := p.Body()
				if err != nil {
					writeAPIError(w, http.StatusInternalServerError, "internal error", protocol.CodeInternalError)
					return protocol.CodeInternalError
				}
				copyResponseHeaders(w.Header(), p.Headers)
				w.WriteHeader(p.Status)
				_, _ = w.Write(respBody)
				return "ok"

			case protocol.TypeStreamChunk:
				p := f.Payload.(*protocol.StreamChunkPayload)
				chunk, err := p.Chunk()
				if err != nil {
					if !wroteHeader {
						writeAPIError(w, http.StatusInternalServerError, "internal error", protocol.CodeInternalError)
					}
					sess.cancelRequest(corrID)
					return protocol.CodeInternalError
				}
				if !wroteHeader {
					startStream()
				}
				if _, err := w.Write(chunk); err != nil {
					sess.cancelRequest(corrID)
					return "canceled"
				}
				flush()
				b.metrics.streamChunks.Inc()
				tail = append(tail, chunk...)
				if n := len(tail); n > 32 {
					tail = tail[n-32:]
				}

			case protocol.TypeStreamEnd:
				if !wroteHeader {
					startStream()
				}
				if !bytes.Contains(tail, doneMarker) {
					_, _ = io.WriteString(w, "data: [DONE]\n\n")
				}
				flush()
				return "ok"

			case protocol.TypeError:
				p := f.Payload.(*protocol.ErrorPayload)
				status := p.Status
				if status == 0 {
					status = statusForCode(p.Code)
				}
				if !wroteHeader {
					writeAPIError(w, status, p.Error, p.Code)
				}
				// Mid-stream the connection just ends; the caller sees a
				// truncated stream with no [DONE].
				return p.Code
			}
		}
	}
}

// copyResponseHeaders surfaces the few upstream headers that matter to the
// caller. Everything else stays inside the tunnel.
func copyResponseHeaders(dst http.Header, src map[string]string) {
	contentType := "application/json"
	for k, v := range src {
		switch strings.ToLower(k) {
		case "content-type":
			contentType = v
		case "x-request-id":
			dst.Set("X-Request-Id", v)
		}
	}
	dst.Set("Content-Type", contentType)
}

// handleModels lists the union of models across live sessions in the
// OpenAI list shape.
func (b *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !b.authorizeUser(w, r) {
		return
	}
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	models := b.router.Models()
	// Stamped with the broker start so that repeated queries with unchanged
	// membership return identical bodies.
	created := b.started.Unix()
	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{ID: m, Object: "model", Created: created, OwnedBy: "remotellm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   entries,
	})
}
