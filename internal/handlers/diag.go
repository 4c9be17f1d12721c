package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-engine/internal/connection"
	"chat-engine/internal/models"
	"chat-engine/internal/presence"
	"chat-engine/internal/store"
)

// DiagHandler exposes the engine's operator surface: health, state, and the
// conversation summary the UI would render.
type DiagHandler struct {
	conn     *connection.Manager
	store    *store.Store
	presence *presence.Tracker
}

// NewDiagHandler constructs a DiagHandler.
func NewDiagHandler(conn *connection.Manager, st *store.Store, tracker *presence.Tracker) *DiagHandler {
	return &DiagHandler{conn: conn, store: st, presence: tracker}
}

// RegisterRoutes wires the diagnostics endpoints.
func (h *DiagHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/state", h.State)
	router.GET("/conversations", h.Conversations)
	router.GET("/presence/:user_id", h.Presence)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Health round-trips a keepalive through the live socket.
func (h *DiagHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if !h.conn.TestConnection(ctx) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// State reports the synchronous connection-state snapshot.
func (h *DiagHandler) State(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connection": h.conn.Status(),
		"presence":   h.presence.Local(),
	})
}

// Conversations lists conversation summaries.
func (h *DiagHandler) Conversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.store.Conversations()})
}

// Presence reports the last known availability of a user.
func (h *DiagHandler) Presence(c *gin.Context) {
	userID := c.Param("user_id")
	state := h.presence.StateOf(userID)
	c.JSON(http.StatusOK, gin.H{
		"user_id": userID,
		"state":   state,
		"online":  state == models.PresenceOnline,
	})
}
