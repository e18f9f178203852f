package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/unitychant/chant/internal/auth"
	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/moderation"
	"github.com/unitychant/chant/internal/service/engine"
	"github.com/unitychant/chant/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	serviceKeyHash      string
	moderator           moderation.Moderator
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds the dependencies for NewHandlers.
// Optional (nil-safe): Moderator, Broker, OpenAPISpec; an empty
// ServiceKeyHash disables POST /auth/token.
type HandlersDeps struct {
	Engine              *engine.Engine
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	ServiceKeyHash      string
	Moderator           moderation.Moderator
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates Handlers.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.Moderator == nil {
		d.Moderator = moderation.Noop{}
	}
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		engine:              d.Engine,
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		serviceKeyHash:      d.ServiceKeyHash,
		moderator:           d.Moderator,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.serviceKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "token issuance is not enabled")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	ok, err := auth.VerifyServiceKey(req.ServiceKey, h.serviceKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	role := auth.Role(req.Role)
	if role == "" {
		role = auth.RoleParticipant
	}
	if !role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(req.UserID, role)
	if err != nil {
		writeEngineError(w, r, h.logger, err)
		return
	}

	h.logger.Info("token issued",
		"user_id", req.UserID,
		"role", role,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe handles GET /v1/subscribe (SSE). The optional
// deliberation_id query parameter narrows the stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}
	filter := uuid.Nil
	if v := r.URL.Query().Get("deliberation_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid deliberation_id")
			return
		}
		filter = id
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// Long-lived stream: lift the server's WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else if depth, err := h.db.TierQueueDepth(ctx); err == nil {
		resp.TierQueueDepth = int(depth)
		// A backed-up outbox means batches are resolving late.
		if depth > 1000 {
			resp.Status = "degraded"
		}
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	v := r.PathValue(name)
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s %q", model.ErrInvalidInput, name, v)
	}
	return id, nil
}
