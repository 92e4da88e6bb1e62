// Package broker implements the public half of the relay: the OpenAI-style
// HTTP API, the duplex tunnel that connectors dial into, and the router that
// binds models to live connector sessions.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/viljo/RemoteLLMconnector/api"
	"github.com/viljo/RemoteLLMconnector/internal/config"
	"github.com/viljo/RemoteLLMconnector/internal/protocol"
	"github.com/viljo/RemoteLLMconnector/internal/router"
)

// Server is one broker instance: three listeners (API, tunnel, health)
// sharing a router, a session table, and a reloadable credential set.
type Server struct {
	cfg  config.Broker
	log  *slog.Logger
	caps protocol.Caps

	router  *router.Table
	metrics *metrics

	upgrader websocket.Upgrader

	authMu sync.RWMutex
	static config.Credentials // from flags/env; file contents overlay it
	creds  config.Credentials

	sessMu   sync.RWMutex
	sessions map[string]*session

	apiMux    *http.ServeMux
	tunnelMux *http.ServeMux
	healthMux *http.ServeMux

	apiSrv    *http.Server
	tunnelSrv *http.Server
	healthSrv *http.Server

	// baseCtx scopes every connector session; Shutdown cancels it after the
	// API drain.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	draining atomic.Bool
	started  time.Time
}

// New builds a broker from cfg. Zero timing values fall back to the
// documented defaults so a partially filled config stays usable.
func New(cfg config.Broker, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 300
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30
	}

	static := config.Credentials{
		Connectors: config.ParseTokenSpecs(cfg.ConnectorTokens),
		APIKeys:    append([]string(nil), cfg.APIKeys...),
	}

	b := &Server{
		cfg:      cfg,
		log:      log,
		caps:     protocol.DefaultCaps(),
		router:   router.New(),
		metrics:  newMetrics(),
		static:   static,
		creds:    static,
		sessions: make(map[string]*session),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Connectors are servers, not browsers; the token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.baseCtx, b.baseCancel = context.WithCancel(context.Background())
	b.registerRoutes()

	b.apiSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.APIPort),
		Handler: b.apiMux,
		// WriteTimeout stays zero: SSE responses are open-ended.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	b.tunnelSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.TunnelPort),
		Handler: b.tunnelMux,
		// No read/write timeouts: tunnels live for hours and keep their own
		// deadlines per message.
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.healthSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.HealthPort),
		Handler:      b.healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return b
}

func (b *Server) registerRoutes() {
	b.apiMux = http.NewServeMux()
	b.apiMux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	b.apiMux.HandleFunc("GET /v1/models", b.handleModels)
	b.apiMux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	b.tunnelMux = http.NewServeMux()
	b.tunnelMux.HandleFunc("GET /ws", b.handleTunnel)

	b.healthMux = http.NewServeMux()
	b.healthMux.HandleFunc("GET /health", b.handleHealth)
	b.healthMux.HandleFunc("GET /ready", b.handleReady)
	b.healthMux.Handle("GET /metrics", b.metrics.handler())
}

// Start runs all three listeners and blocks until they stop. Call Shutdown
// from another goroutine to stop them.
func (b *Server) Start() error {
	g := new(errgroup.Group)
	serve := func(name string, srv *http.Server) func() error {
		return func() error {
			b.log.Info("listening", "server", name, "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		}
	}
	g.Go(serve("api", b.apiSrv))
	g.Go(serve("tunnel", b.tunnelSrv))
	g.Go(serve("health", b.healthSrv))
	return g.Wait()
}

// Shutdown drains the broker: new work is refused immediately, in-flight
// relays get the drain window to finish, then connector sessions are closed
// and the remaining listeners stop.
func (b *Server) Shutdown(ctx context.Context) error {
	if !b.draining.CompareAndSwap(false, true) {
		return nil
	}
	b.log.Info("draining", "timeout_s", b.cfg.DrainTimeout)

	drainCtx, cancel := context.WithTimeout(ctx, b.dur(b.cfg.DrainTimeout))
	defer cancel()
	drainErr := b.apiSrv.Shutdown(drainCtx)

	b.baseCancel()

	closeCtx, cancelClose := context.WithTimeout(ctx, 5*time.Second)
	defer cancelClose()
	_ = b.tunnelSrv.Shutdown(closeCtx)
	_ = b.healthSrv.Shutdown(closeCtx)

	if drainErr != nil {
		return fmt.Errorf("drain api server: %w", drainErr)
	}
	return nil
}

// SetCredentials installs a credentials-file snapshot, overlaid on the
// static flag/env credentials. Implements config.CredentialsReceiver.
func (b *Server) SetCredentials(c config.Credentials) {
	b.authMu.Lock()
	b.creds = config.Merge(b.static, c)
	b.authMu.Unlock()
	b.log.Info("credentials updated",
		"connectors", len(c.Connectors), "api_keys", len(c.APIKeys))
}

func (b *Server) lookupToken(token string) (credential, name string, ok bool) {
	b.authMu.RLock()
	defer b.authMu.RUnlock()
	credential, ok = b.creds.CredentialFor(token)
	if !ok {
		return "", "", false
	}
	return credential, b.creds.NameFor(token), true
}

func (b *Server) userKeys() []string {
	b.authMu.RLock()
	defer b.authMu.RUnlock()
	return b.creds.APIKeys
}

func (b *Server) addSession(s *session) {
	b.sessMu.Lock()
	b.sessions[s.id] = s
	b.sessMu.Unlock()
}

func (b *Server) removeSession(id string) {
	b.sessMu.Lock()
	delete(b.sessions, id)
	b.sessMu.Unlock()
}

func (b *Server) session(id string) (*session, bool) {
	b.sessMu.RLock()
	defer b.sessMu.RUnlock()
	s, ok := b.sessions[id]
	return s, ok
}

func (b *Server) dur(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
