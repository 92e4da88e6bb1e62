package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Default size caps for base64-carried bodies, measured on the decoded bytes.
const (
	DefaultMaxChunkBytes = 256 << 10 // per STREAM_CHUNK
	DefaultMaxBodyBytes  = 8 << 20   // per REQUEST/RESPONSE body
)

// ErrFrameTooLarge marks a frame whose body exceeds the configured cap. The
// session answers such frames with an ERROR carrying code frame_too_large.
var ErrFrameTooLarge = errors.New("frame body exceeds size cap")

// Caps bounds the decoded payload sizes a codec accepts.
type Caps struct {
	MaxChunkBytes int
	MaxBodyBytes  int
}

// DefaultCaps returns the standard size caps.
func DefaultCaps() Caps {
	return Caps{MaxChunkBytes: DefaultMaxChunkBytes, MaxBodyBytes: DefaultMaxBodyBytes}
}

// envelope is the wire form of a Frame.
type envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a frame to its wire form. The payload must be the struct
// matching the frame type (or nil for the payload-less types).
func Encode(f *Frame) ([]byte, error) {
	env := envelope{Type: f.Type, ID: f.ID}
	if f.Payload != nil {
		raw, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", f.Type, err)
		}
		env.Payload = raw
	} else {
		env.Payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses one wire message into a typed frame, enforcing the size caps.
// Unknown types and payloads that do not match the type's schema are errors;
// on an authenticated session a decode error is fatal to the session.
func Decode(data []byte, caps Caps) (*Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}
	f := &Frame{Type: env.Type, ID: env.ID}

	switch env.Type {
	case TypeAuth:
		p := &AuthPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		f.Payload = p
	case TypeAuthOK:
		p := &AuthOKPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		f.Payload = p
	case TypeAuthFail:
		p := &AuthFailPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		f.Payload = p
	case TypeRequest:
		p := &RequestPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		if exceedsB64(p.BodyB64, caps.MaxBodyBytes) {
			return f, fmt.Errorf("REQUEST %s: %w", env.ID, ErrFrameTooLarge)
		}
		f.Payload = p
	case TypeResponse:
		p := &ResponsePayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		if exceedsB64(p.BodyB64, caps.MaxBodyBytes) {
			return f, fmt.Errorf("RESPONSE %s: %w", env.ID, ErrFrameTooLarge)
		}
		f.Payload = p
	case TypeStreamChunk:
		p := &StreamChunkPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		if exceedsB64(p.ChunkB64, caps.MaxChunkBytes) {
			return f, fmt.Errorf("STREAM_CHUNK %s: %w", env.ID, ErrFrameTooLarge)
		}
		f.Payload = p
	case TypeStreamEnd:
		p := &StreamEndPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		f.Payload = p
	case TypeError:
		p := &ErrorPayload{}
		if err := unmarshalPayload(env, p); err != nil {
			return nil, err
		}
		f.Payload = p
	case TypeCancel, TypePing, TypePong:
		// No payload fields.
	default:
		return nil, fmt.Errorf("decode frame: unknown type %q", env.Type)
	}

	return f, nil
}

func unmarshalPayload(env envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("decode %s %s: missing payload", env.Type, env.ID)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s %s payload: %w", env.Type, env.ID, err)
	}
	return nil
}

// exceedsB64 reports whether a base64 string decodes to more than max bytes,
// without decoding it. Padding is subtracted so the cap is byte-exact.
func exceedsB64(s string, max int) bool {
	if max <= 0 {
		return false
	}
	n := len(s) / 4 * 3
	if strings.HasSuffix(s, "==") {
		n -= 2
	} else if strings.HasSuffix(s, "=") {
		n--
	}
	return n > max
}

// SplitChunks slices b into pieces of at most max bytes, preserving order.
// Used by the connector to keep relayed chunks under the per-chunk cap.
func SplitChunks(b []byte, max int) [][]byte {
	if len(b) == 0 {
		return nil
	}
	if max <= 0 || len(b) <= max {
		return [][]byte{b}
	}
	var out [][]byte
	for len(b) > max {
		out = append(out, b[:max])
		b = b[max:]
	}
	out = append(out, b)
	return out
}
