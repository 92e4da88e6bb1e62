package broker

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// wireLimit is the transport-level message cap: the largest legal frame
// (base64-expanded body) plus envelope headroom. Anything bigger kills the
// read before it can allocate.
func wireLimit(caps protocol.Caps) int64 {
	return int64(caps.MaxBodyBytes)/3*4 + 64<<10
}

// handleTunnel accepts one connector for the lifetime of its websocket.
// The handler goroutine owns session cleanup: router removal strictly before
// failing in-flight requests, so no REQUEST is ever written to a dead socket.
func (b *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	if b.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("tunnel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wireLimit(b.caps))

	sess, authID, err := b.authenticate(conn, r.RemoteAddr)
	if err != nil {
		b.log.Warn("connector auth failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Register before AUTH_OK so a connector that sees the acknowledgement
	// can rely on its models being routable.
	b.addSession(sess)
	b.router.Register(sess.id, sess.models, sess.credential)
	if err := writeDirect(conn, protocol.NewAuthOK(authID, sess.id)); err != nil {
		b.router.Unregister(sess.id)
		b.removeSession(sess.id)
		b.log.Warn("connector lost during handshake", "remote", r.RemoteAddr, "error", err)
		return
	}
	b.metrics.sessionsConnected.Inc()
	sess.log.Info("connector registered", "name", sess.name, "models", sess.models, "remote", r.RemoteAddr)

	runErr := sess.run(b.baseCtx)

	b.router.Unregister(sess.id)
	b.removeSession(sess.id)
	cause := ErrSessionLost
	if b.draining.Load() {
		cause = ErrShutdown
	}
	sess.failAll(cause)
	b.metrics.sessionsConnected.Dec()
	sess.log.Info("connector disconnected", "reason", runErr)
}

// authenticate performs the AUTH handshake: first frame must be a valid AUTH
// within the auth timeout, or the transport is dropped. Replies echo the AUTH
// frame's id. Token values never reach the log; rejections log a fingerprint.
// The AUTH_OK itself is sent by the caller once the session is registered.
func (b *Server) authenticate(conn *websocket.Conn, remote string) (*session, string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(b.dur(b.cfg.AuthTimeout))); err != nil {
		return nil, "", fmt.Errorf("set auth deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, "", fmt.Errorf("await AUTH: %w", err)
	}
	f, err := protocol.Decode(data, b.caps)
	if err != nil {
		_ = writeDirect(conn, protocol.NewAuthFail("", "malformed AUTH frame"))
		return nil, "", fmt.Errorf("decode AUTH: %w", err)
	}
	if f.Type != protocol.TypeAuth {
		_ = writeDirect(conn, protocol.NewAuthFail(f.ID, "expected AUTH"))
		return nil, "", fmt.Errorf("first frame was %s, not AUTH", f.Type)
	}
	p, ok := f.Payload.(*protocol.AuthPayload)
	if !ok || p.Token == "" {
		_ = writeDirect(conn, protocol.NewAuthFail(f.ID, "invalid token"))
		return nil, "", errors.New("AUTH without token")
	}

	credential, name, ok := b.lookupToken(p.Token)
	if !ok {
		b.log.Warn("connector token rejected", "remote", remote, "token_fp", config.Fingerprint(p.Token))
		_ = writeDirect(conn, protocol.NewAuthFail(f.ID, "invalid token"))
		return nil, "", errors.New("invalid token")
	}
	if p.Name != "" {
		name = p.Name
	}

	sess := newSession(conn, protocol.NewSessionID(), name, credential, p.Models,
		b.caps, b.dur(b.cfg.PingInterval), b.log)
	return sess, f.ID, nil
}

// writeDirect sends one frame outside the session writer. Only safe during
// the handshake, before the writer goroutine owns the socket.
func writeDirect(conn *websocket.Conn, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
