package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// outboundQueue bounds frames waiting for the session writer. REQUEST writes
// from HTTP handlers block here under load rather than interleaving on the
// socket.
const outboundQueue = 64

const writeTimeout = 10 * time.Second

// closeGrace is how long a closing session waits for its close frame to
// reach the peer before the transport is torn down under it.
const closeGrace = 500 * time.Millisecond

// session is one authenticated connector link. The reader goroutine is the
// only consumer of the socket and the only producer into per-request sinks;
// the writer goroutine is the only producer of bytes on the socket.
type session struct {
	id         string
	name       string
	models     []string
	credential string

	conn *websocket.Conn
	log  *slog.Logger
	caps protocol.Caps

	pingInterval time.Duration

	out  chan *protocol.Frame
	done chan struct{} // closed when run returns; gates Send

	mu       sync.Mutex
	inflight map[string]*inflight
}

func newSession(conn *websocket.Conn, id, name, credential string, models []string, caps protocol.Caps, pingInterval time.Duration, log *slog.Logger) *session {
	return &session{
		id:           id,
		name:         name,
		models:       models,
		credential:   credential,
		conn:         conn,
		log:          log.With("session_id", id),
		caps:         caps,
		pingInterval: pingInterval,
		out:          make(chan *protocol.Frame, outboundQueue),
		done:         make(chan struct{}),
		inflight:     make(map[string]*inflight),
	}
}

// run drives the reader/writer pair until the transport dies or ctx is
// cancelled. It does not clean up routing or in-flight state; the accept
// handler does that in the required order after run returns.
func (s *session) run(ctx context.Context) error {
	defer close(s.done)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(ctx) })
	g.Go(func() error { return s.writeLoop(ctx) })
	g.Go(func() error {
		// The reader blocks in ReadMessage and cannot watch ctx itself.
		// Once the session is ending, give the writer's close frame a
		// moment to flush, then unblock the reader by closing the
		// transport.
		<-ctx.Done()
		time.Sleep(closeGrace)
		return s.conn.Close()
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	// Anything inbound (PONG included) refreshes the deadline; a peer that
	// goes quiet for two ping intervals is declared dead.
	readTimeout := 2 * s.pingInterval
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		f, err := protocol.Decode(data, s.caps)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) && f != nil && f.ID != "" {
				// Oversized frame: reject it and kill that one request, the
				// session itself survives.
				s.log.Warn("frame over size cap", "correlation_id", f.ID, "type", f.Type)
				reply := protocol.NewError(f.ID, 413, "frame exceeds size cap", protocol.CodeFrameTooLarge)
				_ = s.Send(ctx, reply)
				s.dispatch(reply)
				continue
			}
			// Malformed or unknown frames are fatal on an authenticated session.
			return fmt.Errorf("decode: %w", err)
		}

		switch f.Type {
		case protocol.TypeResponse, protocol.TypeStreamChunk, protocol.TypeStreamEnd, protocol.TypeError:
			s.dispatch(f)
		case protocol.TypePing:
			_ = s.Send(ctx, protocol.NewPong(f.ID))
		case protocol.TypePong:
			// Deadline already refreshed above.
		default:
			s.log.Warn("unexpected frame from connector", "type", f.Type, "correlation_id", f.ID)
		}
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	lastWrite := time.Now()
	write := func(f *protocol.Frame) error {
		data, err := protocol.Encode(f)
		if err != nil {
			s.log.Error("encode outbound frame", "type", f.Type, "error", err)
			return nil
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("write %s: %w", f.Type, err)
		}
		lastWrite = time.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
			return ctx.Err()
		case f := <-s.out:
			if err := write(f); err != nil {
				return err
			}
		case <-ticker.C:
			if time.Since(lastWrite) < s.pingInterval {
				continue
			}
			if err := write(protocol.NewPing()); err != nil {
				return err
			}
		}
	}
}

// dispatch routes an inbound frame to its in-flight record. Unknown ids are
// dropped; they are usually late terminators after a local cancellation. A
// sink overflow cancels the connector side and drops the record.
func (s *session) dispatch(f *protocol.Frame) {
	s.mu.Lock()
	rec, ok := s.inflight[f.ID]
	if ok && f.IsTerminal() {
		delete(s.inflight, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("frame for unknown correlation id", "type", f.Type, "correlation_id", f.ID)
		return
	}

	if err := rec.deliver(f); err != nil {
		s.log.Warn("dropping slow consumer", "correlation_id", f.ID)
		s.removeInflight(f.ID)
		// Best-effort: release the connector's upstream call.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			_ = s.Send(ctx, protocol.NewCancel(f.ID))
		}()
	}
}

// Send enqueues a frame for the writer. It blocks while the outbound queue is
// full and fails with ErrSessionClosed once the session has ended.
func (s *session) Send(ctx context.Context, f *protocol.Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenRequest registers a new correlation id and returns its record.
func (s *session) OpenRequest(id string) (*inflight, error) {
	select {
	case <-s.done:
		return nil, ErrSessionClosed
	default:
	}
	rec := newInflight(id)
	s.mu.Lock()
	s.inflight[id] = rec
	s.mu.Unlock()
	// The session may have ended between the check and the insert, after
	// failAll already drained the map. Re-check so the record cannot be
	// left behind with no one to fail it.
	select {
	case <-s.done:
		s.removeInflight(id)
		return nil, ErrSessionClosed
	default:
	}
	return rec, nil
}

// removeInflight forgets a correlation id. Frames that arrive afterwards are
// dropped as unknown.
func (s *session) removeInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// cancelRequest tells the connector to abort id and forgets the record.
// Used for caller disconnects and deadline hits.
func (s *session) cancelRequest(id string) {
	s.removeInflight(id)
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = s.Send(ctx, protocol.NewCancel(id))
}

// failAll terminates every in-flight request with cause. Called after run
// returns and the session has left the router.
func (s *session) failAll(cause error) {
	s.mu.Lock()
	records := make([]*inflight, 0, len(s.inflight))
	for id, rec := range s.inflight {
		records = append(records, rec)
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	for _, rec := range records {
		rec.fail(cause)
	}
	if len(records) > 0 {
		s.log.Info("failed in-flight requests", "count", len(records), "cause", cause)
	}
}

// inflightCount reports how many requests the session still owns.
func (s *session) inflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
