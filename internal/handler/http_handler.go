package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/realtime-service/internal/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/idgen"
	"github.com/weiawesome/wes-io-live/realtime-service/internal/store"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// PresenceReader returns the last known presence of a user.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (*domain.Presence, error)
}

// CallReader exposes live call sessions.
type CallReader interface {
	Get(ctx context.Context, sessionID string) (*domain.CallSession, error)
	Pending(receiverID string) []*domain.CallSession
}

// Handler serves the realtime HTTP surface: the WebSocket endpoint, health
// and read-only REST queries.
type Handler struct {
	presence       PresenceReader
	calls          CallReader
	store          store.Store
	ids            idgen.Generator
	authMiddleware *middleware.AuthMiddleware
	ws             http.Handler

	lookups singleflight.Group
}

// NewHandler creates a new HTTP handler.
func NewHandler(
	presence PresenceReader,
	calls CallReader,
	st store.Store,
	ids idgen.Generator,
	authMiddleware *middleware.AuthMiddleware,
	ws http.Handler,
) *Handler {
	return &Handler{
		presence:       presence,
		calls:          calls,
		store:          st,
		ids:            ids,
		authMiddleware: authMiddleware,
		ws:             ws,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.HealthCheck)
	r.GET("/ws", gin.WrapH(h.ws))

	api := r.Group("/api/v1")
	api.Use(h.authMiddleware.RequireAuth())
	{
		api.GET("/presence/:userId", h.GetPresence)

		api.GET("/calls", h.ListCalls)
		api.GET("/calls/incoming", h.IncomingCalls)
		api.GET("/calls/:sessionId", h.GetCall)

		api.GET("/messages/:id", h.GetMessage)
		api.GET("/sessions", h.ListSessions)
	}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

const presenceLookupTimeout = 3 * time.Second

// GetPresence returns a user's presence. Concurrent lookups of the same
// user share one store read.
func (h *Handler) GetPresence(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	// The shared read must outlive any single caller's request.
	v, err, _ := h.lookups.Do("presence:"+userID, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceLookupTimeout)
		defer cancel()
		return h.presence.Get(lookupCtx, userID)
	})
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldUserID, userID).Msg("presence lookup failed")
		response.InternalError(c, "failed to get presence")
		return
	}
	p := v.(*domain.Presence)
	response.Success(c, p.Body())
}

// GetCall returns one call session. Only its participants may read it.
func (h *Handler) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	call, err := h.calls.Get(ctx, c.Param("sessionId"))
	if err != nil {
		h.fail(c, err, "failed to get call session")
		return
	}
	if !call.HasParticipant(userID) {
		response.ErrorCode(c, response.CodeForbidden, "not a participant of this call")
		return
	}
	response.Success(c, call.Body(domain.MsgTypeCallStatus))
}

// ListCalls returns the call history of the authenticated user.
func (h *Handler) ListCalls(c *gin.Context) {
	ctx := c.Request.Context()
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	calls, err := h.store.ListCallsByUser(ctx, middleware.GetUserID(c), limit)
	if err != nil {
		h.fail(c, err, "failed to list calls")
		return
	}
	out := make([]*domain.CallBody, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.Body(domain.MsgTypeCallStatus))
	}
	response.Success(c, out)
}

// IncomingCalls returns calls still waiting for the authenticated user to
// answer.
func (h *Handler) IncomingCalls(c *gin.Context) {
	pending := h.calls.Pending(middleware.GetUserID(c))
	out := make([]*domain.CallBody, 0, len(pending))
	for _, call := range pending {
		out = append(out, call.Body(domain.MsgTypeCallInvite))
	}
	response.Success(c, out)
}

// GetMessage returns one message. Only its sender and receiver may read it.
func (h *Handler) GetMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := h.ids.Validate(id); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	msg, err := h.store.GetMessage(ctx, id)
	if err != nil {
		h.fail(c, err, "failed to get message")
		return
	}
	userID := middleware.GetUserID(c)
	if msg.SenderID != userID && msg.ReceiverID != userID {
		response.ErrorCode(c, response.CodeForbidden, "not a participant of this message")
		return
	}
	response.Success(c, msg.Body())
}

type sessionView struct {
	ConnID         string   `json:"connId"`
	ConnectedAt    int64    `json:"connectedAt"`
	DisconnectedAt *int64   `json:"disconnectedAt,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Subscriptions  []string `json:"subscriptions"`
}

// ListSessions returns the recent connections of the authenticated user.
func (h *Handler) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	recs, err := h.store.ListSessions(ctx, middleware.GetUserID(c), limit)
	if err != nil {
		h.fail(c, err, "failed to list sessions")
		return
	}
	out := make([]sessionView, 0, len(recs))
	for _, rec := range recs {
		v := sessionView{
			ConnID:        rec.ConnID,
			ConnectedAt:   rec.ConnectedAt.UnixMilli(),
			Reason:        rec.Reason,
			Subscriptions: rec.Subscriptions,
		}
		if rec.DisconnectedAt != nil {
			at := rec.DisconnectedAt.UnixMilli()
			v.DisconnectedAt = &at
		}
		if v.Subscriptions == nil {
			v.Subscriptions = []string{}
		}
		out = append(out, v)
	}
	response.Success(c, out)
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCallNotFound) {
		response.NotFound(c, "not found")
		return
	}
	l := log.Ctx(c.Request.Context())
	l.Error().Err(err).Msg(msg)
	response.InternalError(c, msg)
}

func parseLimit(c *gin.Context) (int, bool) {
	limitStr := c.Query("limit")
	if limitStr == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		response.BadRequest(c, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, true
}
