// Package gateway is the management surface: HTTP + WebSocket on a single
// port. The WebSocket side speaks the req/res/event frame protocol and
// receives a health event broadcast every 30 seconds; the HTTP side
// exposes the /api routes and falls through to static file serving.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/archive"
	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/channels"
	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/cron"
	"github.com/nextlevelbuilder/attache/internal/heartbeat"
	"github.com/nextlevelbuilder/attache/internal/sessions"
	"github.com/nextlevelbuilder/attache/internal/worldmodel"
	"github.com/nextlevelbuilder/attache/pkg/protocol"
)

// healthInterval is the WS health broadcast period.
const healthInterval = 30 * time.Second

// maxBodyBytes caps every HTTP request body.
const maxBodyBytes = 1 << 20

// Deps carries the server's collaborators.
type Deps struct {
	Config     *config.Config
	Store      *config.Store
	Runtime    agent.Runtime
	Queue      *agent.Queue
	Sessions   *sessions.Log
	Archive    *archive.Store
	WorldModel *worldmodel.Model
	Heartbeat  *heartbeat.Runner
	Cron       *cron.Service
	Hub        *channels.Hub
	Events     bus.EventPublisher
	Restart    func(reason string) error
	StaticDir  string
	SkillsDir  string
}

// Server is the management server.
type Server struct {
	deps    Deps
	skills  *SkillStore
	logger  *slog.Logger
	started time.Time

	upgrader websocket.Upgrader
	limiter  *ipLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	httpServer *http.Server
}

// NewServer creates the server.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		skills:  NewSkillStore(deps.SkillsDir),
		logger:  slog.Default(),
		started: time.Now(),
		clients: make(map[string]*Client),
		limiter: newIPLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Localhost-only surface; browser dashboards connect from
			// file:// or the served SPA.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return s
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()

	addr := fmt.Sprintf("%s:%d", s.deps.Config.Gateway.Host, s.deps.Config.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.limiter.middleware(mux)}

	go s.broadcastHealth(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	s.logger.Info("management api listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("management api: %w", err)
	}
	return nil
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.registerAPIRoutes(mux)
	mux.Handle("/", s.staticHandler())
	return mux
}

// broadcastHealth sends a health event to every WS client on a fixed
// interval.
func (s *Server) broadcastHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventHealth, s.healthPayload()))
		}
	}
}

func (s *Server) healthPayload() protocol.HealthPayload {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()
	return protocol.HealthPayload{
		Status:    "ok",
		Uptime:    int64(time.Since(s.started).Seconds()),
		Clients:   clients,
		Sessions:  s.deps.Sessions.Count(),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

// BroadcastEvent sends an event frame to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	if s.deps.Events != nil {
		s.deps.Events.Subscribe(c.id, func(event bus.Event) {
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}
	s.logger.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	if s.deps.Events != nil {
		s.deps.Events.Unsubscribe(c.id)
	}
	s.logger.Info("ws client disconnected", "id", c.id)
}
