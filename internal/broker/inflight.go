package broker

import (
	"errors"
	"sync"

	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// sinkBuffer bounds the frames queued per request between the session reader
// and the HTTP handler. Overflow means the external caller has stopped
// reading; the request is failed rather than letting one consumer stall the
// tunnel.
const sinkBuffer = 8

// Terminal failure causes for an in-flight request. Surfaced to callers as
// HTTP errors via errorCode.
var (
	ErrSessionClosed = errors.New("session closed")
	ErrSessionLost   = errors.New("connector session lost")
	ErrSlowConsumer  = errors.New("caller too slow consuming stream")
	ErrShutdown      = errors.New("broker shutting down")
)

// inflight is the broker-side record for one relayed request. The session
// reader is the only producer; the HTTP handler is the only consumer. The
// frames channel closes after the terminal frame, or early with err set when
// the request fails without one.
type inflight struct {
	id     string
	frames chan *protocol.Frame

	mu     sync.Mutex
	closed bool
	err    error
}

func newInflight(id string) *inflight {
	return &inflight{id: id, frames: make(chan *protocol.Frame, sinkBuffer)}
}

// Frames is the handler's receive side. Ranging over it yields frames in
// tunnel receive order and ends after the terminal frame or a failure; check
// Err when the channel closes without a terminal.
func (r *inflight) Frames() <-chan *protocol.Frame { return r.frames }

// deliver queues one frame without blocking. A terminal frame closes the
// record. A full sink fails the record with ErrSlowConsumer and reports it so
// the session can CANCEL the connector side. Frames after close are dropped.
func (r *inflight) deliver(f *protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	select {
	case r.frames <- f:
		if f.IsTerminal() {
			r.closed = true
			close(r.frames)
		}
		return nil
	default:
		r.closed = true
		r.err = ErrSlowConsumer
		close(r.frames)
		return ErrSlowConsumer
	}
}

// fail closes the record with err unless already terminated. Idempotent.
func (r *inflight) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.err = err
	close(r.frames)
}

// Err returns the failure cause, nil when the request terminated normally.
func (r *inflight) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
