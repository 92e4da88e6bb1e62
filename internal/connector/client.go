// Package connector implements the NAT-side half of the relay: a client that
// dials out to the broker, registers its models, and forwards relayed
// requests to a local LLM backend.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
)

// State names the connector's position in its connection lifecycle.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

const (
	outboundQueue = 64
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	authTimeout   = 10 * time.Second
	closeGrace    = 500 * time.Millisecond
)

// Client maintains one tunnel to the broker, reconnecting with jittered
// exponential backoff. The backoff resets after every successful
// registration.
type Client struct {
	cfg  config.Connector
	log  *slog.Logger
	caps protocol.Caps
	exec *executor

	mu        sync.Mutex
	state     State
	sessionID string
	models    []string
	inflight  map[string]context.CancelFunc

	wg       sync.WaitGroup // running request handlers
	draining atomic.Bool
}

// New builds a connector client from cfg. Zero timing values fall back to
// the documented defaults.
func New(cfg config.Connector, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 300
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 1
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30
	}
	caps := protocol.DefaultCaps()
	return &Client{
		cfg:      cfg,
		log:      log,
		caps:     caps,
		exec:     newExecutor(cfg, caps, log),
		state:    StateDisconnected,
		inflight: make(map[string]context.CancelFunc),
	}
}

// State returns the lifecycle state and, when connected, the broker-assigned
// session id.
func (c *Client) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.sessionID
}

// Models returns the model names this connector declares at registration.
func (c *Client) Models() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models...)
}

func (c *Client) setState(s State, sessionID string) {
	c.mu.Lock()
	c.state = s
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Run connects to the broker and serves relayed requests until ctx is done.
// Connection failures retry with exponential backoff (jittered, capped); a
// session that reached registration resets the backoff for the next attempt.
func (c *Client) Run(ctx context.Context) error {
	models := c.cfg.Models
	if len(models) == 0 {
		discovered, err := c.exec.DiscoverModels(ctx)
		if err != nil {
			c.log.Warn("model discovery failed, connecting without a model list", "error", err)
		}
		models = discovered
	}
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()

	for {
		backoff := retry.WithCappedDuration(c.dur(c.cfg.ReconnectMax),
			retry.WithJitterPercent(25, retry.NewExponential(c.dur(c.cfg.ReconnectMin))))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			registered, err := c.runSession(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if registered {
				c.log.Info("relay session ended, reconnecting", "error", err)
				return nil
			}
			c.log.Warn("relay connection failed, backing off", "error", err)
			return retry.RetryableError(err)
		})
		c.setState(StateDisconnected, "")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// runSession performs one dial/AUTH/serve cycle. The first return value
// reports whether registration succeeded, which is what resets the backoff.
func (c *Client) runSession(ctx context.Context) (bool, error) {
	c.setState(StateConnecting, "")
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.BrokerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial broker: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadLimit(int64(c.caps.MaxBodyBytes)/3*4 + 64<<10)

	c.setState(StateAuthenticating, "")
	models := c.Models()
	if err := writeFrame(conn, protocol.NewAuth(c.cfg.Token, c.cfg.Name, config.Version, models)); err != nil {
		return false, fmt.Errorf("send AUTH: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("await AUTH reply: %w", err)
	}
	f, err := protocol.Decode(data, c.caps)
	if err != nil {
		return false, fmt.Errorf("decode AUTH reply: %w", err)
	}
	switch f.Type {
	case protocol.TypeAuthOK:
	case protocol.TypeAuthFail:
		return false, fmt.Errorf("registration rejected: %s", f.Payload.(*protocol.AuthFailPayload).Error)
	default:
		return false, fmt.Errorf("unexpected %s frame during handshake", f.Type)
	}

	sessionID := f.Payload.(*protocol.AuthOKPayload).SessionID
	c.setState(StateConnected, sessionID)
	log := c.log.With("session_id", sessionID)
	log.Info("registered with relay", "models", models)

	err = c.pump(ctx, conn, log)
	c.setState(StateDisconnected, "")
	log.Info("relay session closed", "reason", err)
	return true, err
}

// pump runs the reader/writer pair for one registered session. Process
// shutdown (ctx) first drains in-flight requests, then closes the transport;
// transport death ends everything immediately.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn, log *slog.Logger) error {
	out := make(chan *protocol.Frame, outboundQueue)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	defer sessCancel()
	go func() {
		select {
		case <-ctx.Done():
			c.draining.Store(true)
			log.Info("draining in-flight requests", "timeout_s", c.cfg.DrainTimeout)
			waitTimeout(&c.wg, c.dur(c.cfg.DrainTimeout))
			sessCancel()
		case <-sessCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return c.readLoop(gctx, conn, out, log) })
	g.Go(func() error { return writeLoop(gctx, conn, out, log) })
	g.Go(func() error {
		<-gctx.Done()
		time.Sleep(closeGrace)
		return conn.Close()
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- *protocol.Frame, log *slog.Logger) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * pingInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		f, err := protocol.Decode(data, c.caps)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) && f != nil && f.ID != "" {
				log.Warn("frame over size cap", "correlation_id", f.ID, "type", f.Type)
				_ = send(ctx, out, protocol.NewError(f.ID, 413, "frame exceeds size cap", protocol.CodeFrameTooLarge))
				continue
			}
			return fmt.Errorf("decode: %w", err)
		}

		switch f.Type {
		case protocol.TypeRequest:
			c.acceptRequest(ctx, f.ID, f.Payload.(*protocol.RequestPayload), out, log)
		case protocol.TypeCancel:
			if cancel, ok := c.takeInflight(f.ID); ok {
				log.Info("request canceled by relay", "correlation_id", f.ID)
				cancel()
			}
		case protocol.TypeError:
			// The relay rejected our frames for this id (size cap, usually).
			// Abort the upstream call; the relay already failed the caller.
			if cancel, ok := c.takeInflight(f.ID); ok {
				log.Warn("relay rejected request", "correlation_id", f.ID)
				cancel()
			}
		case protocol.TypePing:
			_ = send(ctx, out, protocol.NewPong(f.ID))
		case protocol.TypePong:
			// Read deadline already refreshed.
		default:
			log.Warn("unexpected frame from relay", "type", f.Type, "correlation_id", f.ID)
		}
	}
}

// acceptRequest spawns the handler for one relayed request. During drain new
// work is refused with a shutdown error instead.
func (c *Client) acceptRequest(ctx context.Context, id string, p *protocol.RequestPayload, out chan<- *protocol.Frame, log *slog.Logger) {
	if c.draining.Load() {
		_ = send(ctx, out, protocol.NewError(id, 503, "connector is shutting down", protocol.CodeShutdown))
		return
	}
	reqCtx, cancel := context.WithCancel(ctx)
	c.addInflight(id, cancel)
	c.wg.Add(1)

	emit := func(f *protocol.Frame) error {
		// After a cancellation no further frames may be emitted for the id;
		// the CANCEL is the terminator as far as the relay is concerned.
		if reqCtx.Err() != nil {
			return reqCtx.Err()
		}
		select {
		case out <- f:
			return nil
		case <-reqCtx.Done():
			return reqCtx.Err()
		}
	}

	go func() {
		defer c.wg.Done()
		defer c.removeInflight(id)
		defer cancel()
		c.exec.do(reqCtx, id, p, emit, log.With("correlation_id", id))
	}()
}

func (c *Client) addInflight(id string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.inflight[id] = cancel
	c.mu.Unlock()
}

func (c *Client) removeInflight(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Client) takeInflight(id string) (context.CancelFunc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	return cancel, ok
}

func (c *Client) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

func (c *Client) dur(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// writeLoop is the sole producer of bytes on the transport. It sends a PING
// after an idle interval and a close frame when the session ends.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan *protocol.Frame, log *slog.Logger) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	lastWrite := time.Now()
	write := func(f *protocol.Frame) error {
		if err := writeFrame(conn, f); err != nil {
			return fmt.Errorf("write %s: %w", f.Type, err)
		}
		lastWrite = time.Now()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return ctx.Err()
		case f := <-out:
			if err := write(f); err != nil {
				return err
			}
		case <-ticker.C:
			if time.Since(lastWrite) < pingInterval {
				continue
			}
			if err := write(protocol.NewPing()); err != nil {
				return err
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func send(ctx context.Context, out chan<- *protocol.Frame, f *protocol.Frame) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
