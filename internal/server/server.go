package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/unitychant/chant/internal/auth"
	"github.com/unitychant/chant/internal/moderation"
	"github.com/unitychant/chant/internal/ratelimit"
	"github.com/unitychant/chant/internal/service/engine"
	"github.com/unitychant/chant/internal/storage"
)

// Server is the chant HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds the dependencies and settings for a Server.
// Optional (nil-safe): Moderator, Limiter, AuthLimiter, Broker, MCPServer,
// OpenAPISpec; an empty ServiceKeyHash disables POST /auth/token.
type ServerConfig struct {
	Engine *engine.Engine
	DB     *storage.DB
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	ServiceKeyHash string
	Moderator      moderation.Moderator
	Limiter        ratelimit.Limiter // participant writes, keyed by user id
	AuthLimiter    ratelimit.Limiter // POST /auth/token, keyed by client IP
	Broker         *Broker
	MCPServer      *mcpserver.MCPServer
	// Middlewares wrap the whole handler; the first is outermost.
	Middlewares []func(http.Handler) http.Handler

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// New creates an HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		ServiceKeyHash:      cfg.ServiceKeyHash,
		Moderator:           cfg.Moderator,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }
	writeRL := ratelimit.Middleware(cfg.Limiter, userKeyFunc, reqID, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.AuthLimiter, ipKeyFunc, reqID, cfg.Logger)

	anyone := requireRole(auth.RoleParticipant, auth.RoleFacilitator)
	facilitator := requireRole(auth.RoleFacilitator)
	participantWrite := func(fn http.HandlerFunc) http.Handler { return anyone(writeRL(fn)) }

	mux := http.NewServeMux()

	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Deliberation lifecycle.
	mux.Handle("POST /v1/deliberations", facilitator(http.HandlerFunc(h.HandleCreateDeliberation)))
	mux.Handle("GET /v1/deliberations/{id}", anyone(http.HandlerFunc(h.HandleGetStatus)))
	mux.Handle("GET /v1/deliberations/{id}/results", anyone(http.HandlerFunc(h.HandleResults)))
	mux.Handle("POST /v1/deliberations/{id}/start", facilitator(http.HandlerFunc(h.HandleStartVoting)))
	mux.Handle("POST /v1/deliberations/{id}/close", facilitator(http.HandlerFunc(h.HandleCloseSubmissions)))
	mux.Handle("POST /v1/deliberations/{id}/advance", facilitator(http.HandlerFunc(h.HandleForceAdvance)))

	// Participant writes are rate limited per user.
	mux.Handle("POST /v1/deliberations/{id}/ideas", participantWrite(h.HandleSubmitIdea))
	mux.Handle("POST /v1/deliberations/{id}/join", participantWrite(h.HandleJoin))
	mux.Handle("POST /v1/cells/{cell_id}/votes", participantWrite(h.HandleCastVote))

	mux.Handle("POST /v1/cells/{cell_id}/open", facilitator(http.HandlerFunc(h.HandleOpenVoting)))
	mux.Handle("POST /v1/cells/{cell_id}/complete", facilitator(http.HandlerFunc(h.HandleCompleteCell)))

	// Long-lived; not rate limited.
	mux.Handle("GET /v1/subscribe", anyone(http.HandlerFunc(h.HandleSubscribe)))

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", anyone(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Outermost first: request ID, security headers, tracing, logging, auth,
	// recovery, then the handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
