// Package protocol defines the frames exchanged between broker and connector
// over the duplex tunnel. Every frame is one websocket text message holding a
// JSON envelope {type, id, payload}; binary bodies travel base64-encoded
// inside the payload.
package protocol

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
)

// MessageType tags a frame with its payload schema.
type MessageType string

const (
	TypeAuth        MessageType = "AUTH"
	TypeAuthOK      MessageType = "AUTH_OK"
	TypeAuthFail    MessageType = "AUTH_FAIL"
	TypeRequest     MessageType = "REQUEST"
	TypeResponse    MessageType = "RESPONSE"
	TypeStreamChunk MessageType = "STREAM_CHUNK"
	TypeStreamEnd   MessageType = "STREAM_END"
	TypeError       MessageType = "ERROR"
	TypeCancel      MessageType = "CANCEL"
	TypePing        MessageType = "PING"
	TypePong        MessageType = "PONG"
)

// Error codes carried in ERROR payloads and HTTP error bodies.
const (
	CodeInvalidToken   = "invalid_token"
	CodeInvalidAPIKey  = "invalid_api_key"
	CodeModelNotFound  = "model_not_found"
	CodeNoConnector    = "no_connector"
	CodeSessionLost    = "session_lost"
	CodeTimeout        = "timeout"
	CodeLLMUnavailable = "llm_unavailable"
	CodeLLMError       = "llm_error"
	CodeFrameTooLarge  = "frame_too_large"
	CodeSlowConsumer   = "slow_consumer"
	CodeShutdown       = "shutdown"
	CodeInternalError  = "internal_error"
)

// Frame is one message on the tunnel. ID correlates every frame belonging to
// a single relayed request; AUTH/PING exchanges use their own bootstrap ids.
// After Decode, Payload holds a pointer to the payload struct matching Type,
// or nil for the payload-less CANCEL, PING, and PONG frames.
type Frame struct {
	Type    MessageType
	ID      string
	Payload any
}

// AuthPayload is sent by the connector as the first frame on a new tunnel.
type AuthPayload struct {
	Token            string   `json:"token"`
	Name             string   `json:"name,omitempty"`
	ConnectorVersion string   `json:"connector_version"`
	Models           []string `json:"models"`
}

// AuthOKPayload confirms registration and carries the broker-assigned
// session id.
type AuthOKPayload struct {
	SessionID string `json:"session_id"`
}

// AuthFailPayload rejects an AUTH. The message never echoes the token.
type AuthFailPayload struct {
	Error string `json:"error"`
}

// RequestPayload relays one HTTP request to the connector's upstream.
// LLMAPIKey is injected by the broker from server-side configuration; it must
// never appear in any frame sent toward an external caller.
type RequestPayload struct {
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	BodyB64   string            `json:"body_b64"`
	LLMAPIKey string            `json:"llm_api_key,omitempty"`
}

// ResponsePayload carries a complete non-streaming upstream response.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"body_b64"`
}

// StreamChunkPayload carries one slice of a streaming response body.
type StreamChunkPayload struct {
	ChunkB64 string `json:"chunk_b64"`
	Done     bool   `json:"done"`
}

// StreamEndPayload terminates a streaming response.
type StreamEndPayload struct {
	Done bool `json:"done"`
}

// ErrorPayload terminates a request with an error. Status is the HTTP status
// the broker should surface; Code is one of the Code* constants.
type ErrorPayload struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// IsTerminal reports whether the frame ends the life of its correlation id.
func (f *Frame) IsTerminal() bool {
	switch f.Type {
	case TypeResponse, TypeStreamEnd, TypeError:
		return true
	}
	return false
}

// Body returns the decoded request body.
func (p *RequestPayload) Body() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.BodyB64)
}

// Body returns the decoded response body.
func (p *ResponsePayload) Body() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.BodyB64)
}

// Chunk returns the decoded chunk bytes.
func (p *StreamChunkPayload) Chunk() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.ChunkB64)
}

// NewAuth builds the connector's opening frame.
func NewAuth(token, name, version string, models []string) *Frame {
	return &Frame{
		Type: TypeAuth,
		ID:   NewAuthID(),
		Payload: &AuthPayload{
			Token:            token,
			Name:             name,
			ConnectorVersion: version,
			Models:           models,
		},
	}
}

// NewAuthOK builds the broker's acceptance reply, echoing the AUTH frame id.
func NewAuthOK(authID, sessionID string) *Frame {
	return &Frame{Type: TypeAuthOK, ID: authID, Payload: &AuthOKPayload{SessionID: sessionID}}
}

// NewAuthFail builds the broker's rejection reply, echoing the AUTH frame id.
func NewAuthFail(authID, message string) *Frame {
	return &Frame{Type: TypeAuthFail, ID: authID, Payload: &AuthFailPayload{Error: message}}
}

// NewRequest builds a relayed request frame. The body is base64-encoded here.
func NewRequest(id, method, path string, headers map[string]string, body []byte, llmAPIKey string) *Frame {
	return &Frame{
		Type: TypeRequest,
		ID:   id,
		Payload: &RequestPayload{
			Method:    method,
			Path:      path,
			Headers:   headers,
			BodyB64:   base64.StdEncoding.EncodeToString(body),
			LLMAPIKey: llmAPIKey,
		},
	}
}

// NewResponse builds a complete-response frame.
func NewResponse(id string, status int, headers map[string]string, body []byte) *Frame {
	return &Frame{
		Type: TypeResponse,
		ID:   id,
		Payload: &ResponsePayload{
			Status:  status,
			Headers: headers,
			BodyB64: base64.StdEncoding.EncodeToString(body),
		},
	}
}

// NewStreamChunk builds one streaming chunk frame.
func NewStreamChunk(id string, chunk []byte) *Frame {
	return &Frame{
		Type:    TypeStreamChunk,
		ID:      id,
		Payload: &StreamChunkPayload{ChunkB64: base64.StdEncoding.EncodeToString(chunk)},
	}
}

// NewStreamEnd builds the clean stream terminator.
func NewStreamEnd(id string) *Frame {
	return &Frame{Type: TypeStreamEnd, ID: id, Payload: &StreamEndPayload{Done: true}}
}

// NewError builds an error terminator.
func NewError(id string, status int, message, code string) *Frame {
	return &Frame{Type: TypeError, ID: id, Payload: &ErrorPayload{Status: status, Error: message, Code: code}}
}

// NewCancel builds a cancellation frame for an in-flight request.
func NewCancel(id string) *Frame {
	return &Frame{Type: TypeCancel, ID: id}
}

// NewPing builds a keepalive probe with a fresh ping id.
func NewPing() *Frame {
	return &Frame{Type: TypePing, ID: NewPingID()}
}

// NewPong answers a PING, echoing its id.
func NewPong(pingID string) *Frame {
	return &Frame{Type: TypePong, ID: pingID}
}

// NewSessionID returns a broker-assigned session identifier.
func NewSessionID() string { return "conn-" + randHex(8) }

// NewCorrelationID returns an identifier scoping one relayed request. Ids are
// only required to be unique within a session.
func NewCorrelationID() string { return "req-" + randHex(12) }

// NewAuthID returns the bootstrap id used by an AUTH exchange.
func NewAuthID() string { return "auth-" + randHex(8) }

// NewPingID returns the id for one PING/PONG exchange.
func NewPingID() string { return "ping-" + randHex(8) }

func randHex(n int) string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:n]
}
