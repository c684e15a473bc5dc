package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marionet-dev/marionet/internal/infrastructure/logging"
	"github.com/marionet-dev/marionet/internal/shared/id"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address; empty means an ephemeral loopback port.
	Addr string
	// MaxSessions caps concurrent sessions; zero means 16.
	MaxSessions int
	// AuthToken, when set, is required as a bearer token on every route
	// except the health checks.
	AuthToken string
	// Executor handles command frames. Defaults to the stub engine.
	Executor Executor
	// Intervener handles human interventions; nil rejects them.
	Intervener Intervener

	Logger *logging.Logger
}

// Server is the in-sandbox control plane: health checks, session CRUD and
// the websocket command endpoint, all on one listener.
type Server struct {
	store      *Store
	executor   Executor
	intervener Intervener
	logger     *logging.Logger

	engine   *gin.Engine
	httpSrv  *http.Server
	listener net.Listener
	ready    atomic.Bool
}

// NewServer builds the routing table. Start binds the listener.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Executor == nil {
		opts.Executor = NewStubExecutor()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	s := &Server{
		store:      NewStore(opts.MaxSessions),
		executor:   opts.Executor,
		intervener: opts.Intervener,
		logger:     opts.Logger,
		engine:     engine,
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)

	authed := engine.Group("/", authMiddleware(opts.AuthToken))
	authed.POST("/sessions", s.handleCreateSession)
	authed.GET("/sessions", s.handleListSessions)
	authed.GET("/sessions/:id", s.handleGetSession)
	authed.DELETE("/sessions/:id", s.handleDestroySession)
	authed.GET("/ws", func(c *gin.Context) { s.handleSocket(c, "") })
	authed.GET("/sessions/:id/ws", s.handleSessionSocket)

	return s
}

func authMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "unauthorized", "message": "missing or invalid token",
			})
			return
		}
		c.Next()
	}
}

// Start binds the listener and begins serving. The server is ready as
// soon as Start returns.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.engine}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control plane serve failed", zap.Error(err))
		}
	}()

	s.ready.Store(true)
	s.logger.Info("control plane listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address; empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ControlEndpoint returns the sandbox-level websocket URL.
func (s *Server) ControlEndpoint() string {
	return "ws://" + s.Addr() + "/ws"
}

// Shutdown stops serving and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UnixMilli()})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type createSessionRequest struct {
	Viewport *Viewport `json:"viewport"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "invalid_params", "message": err.Error()})
		return
	}

	sess, err := s.store.Create(req.Viewport)
	if err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code": "session_limit_reached", "message": err.Error(),
		})
		return
	}
	sess.ControlEndpoint = fmt.Sprintf("ws://%s/sessions/%s/ws", s.Addr(), sess.ID)

	s.logger.Info("session created",
		zap.String("session_id", sess.ID.String()),
		zap.Int("width", sess.Viewport.Width),
		zap.Int("height", sess.Viewport.Height))
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.store.List()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
		"capacity": s.store.Capacity(),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess := s.store.Get(id.SessionID(c.Param("id")))
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "session_not_found", "message": "no such session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDestroySession(c *gin.Context) {
	if !s.store.Delete(id.SessionID(c.Param("id"))) {
		c.JSON(http.StatusNotFound, gin.H{"code": "session_not_found", "message": "no such session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSessionSocket rejects sockets for sessions that do not exist, so
// a client cannot command a destroyed session.
func (s *Server) handleSessionSocket(c *gin.Context) {
	sessID := c.Param("id")
	if s.store.Get(id.SessionID(sessID)) == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "session_not_found", "message": "no such session"})
		return
	}
	s.store.Touch(id.SessionID(sessID))
	s.handleSocket(c, sessID)
}
