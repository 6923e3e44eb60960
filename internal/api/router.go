package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tourline/migration-guard/internal/flags"
	"github.com/tourline/migration-guard/internal/models"
	"github.com/tourline/migration-guard/internal/notify"
	"github.com/tourline/migration-guard/internal/rollback"
	"github.com/tourline/migration-guard/internal/services"
	"github.com/tourline/migration-guard/internal/utils"
)

const adminTokenHeader = "X-Admin-Token"

// Handler serves the admin and ingest HTTP API.
type Handler struct {
	svc        *services.MigrationService
	adminToken string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewRouter wires public, read and admin endpoints.
// Public: /healthz, /readyz
// Admin (X-Admin-Token): flag writes, forced checks, manual rollback
func NewRouter(svc *services.MigrationService, adminToken string, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	h := &Handler{
		svc:        svc,
		adminToken: strings.TrimSpace(adminToken),
		logger:     utils.ComponentLogger(logger, "api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", h.ready)

	v1 := r.Group("/v1")
	v1.POST("/tracking/legacy", h.recordAttempt(models.SystemLegacy))
	v1.POST("/tracking/new", h.recordAttempt(models.SystemNew))
	v1.GET("/sessions/:id/assignment", h.assignment)
	v1.GET("/flags", h.getFlags)
	v1.GET("/health", h.getHealth)
	v1.GET("/validation/summary", h.validationSummary)
	v1.GET("/validation/comparisons", h.comparisons)
	v1.GET("/rollback/status", h.rollbackStatus)
	v1.GET("/notifications", h.notifications)

	admin := v1.Group("/")
	admin.Use(h.requireAdmin())
	admin.PUT("/flags/:name", h.updateFlag)
	admin.POST("/flags/reset-rollback", h.resetRollback)
	admin.POST("/health/check", h.forceHealthCheck)
	admin.POST("/rollback", h.triggerRollback)

	return r
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints disabled"})
			return
		}
		got := strings.TrimSpace(c.GetHeader(adminTokenHeader))
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (h *Handler) ready(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	body := gin.H{"status": "ready", "phase": h.svc.Flags.Phase()}
	if latest, ok := h.svc.Monitor.Latest(); ok {
		body["overallHealth"] = latest.OverallHealth
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) recordAttempt(system models.TrackingSystem) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req conversionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		data, err := req.toConversionData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		recorded := h.svc.RecordAttempt(c.Request.Context(), req.SessionID, system, data)
		c.JSON(http.StatusAccepted, gin.H{"recorded": recorded, "system": system})
	}
}

func (h *Handler) assignment(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.AssignmentFor(c.Request.Context(), c.Param("id")))
}

func (h *Handler) getFlags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"flags":        h.svc.Flags.Snapshot(),
		"phase":        h.svc.Flags.Phase(),
		"rolloutValid": h.svc.Flags.RolloutValid(),
	})
}

func (h *Handler) getHealth(c *gin.Context) {
	if c.Query("history") == "true" {
		c.JSON(http.StatusOK, gin.H{"history": h.svc.Monitor.History()})
		return
	}
	latest, ok := h.svc.Monitor.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no health check has completed yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (h *Handler) validationSummary(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration"})
			return
		}
		window = d
	}
	c.JSON(http.StatusOK, h.svc.Validator.GetValidationSummary(window))
}

func (h *Handler) comparisons(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"comparisons": h.svc.Validator.Comparisons(limit)})
}

func (h *Handler) rollbackStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Rollback.Status())
}

func (h *Handler) notifications(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := notify.NewClient(conn, h.logger)
	hub := h.svc.Notifications
	hub.Register(client)
	go func() {
		defer func() {
			hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Handler) updateFlag(c *gin.Context) {
	name := c.Param("name")
	if _, known := flags.Defaults()[name]; !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown flag " + name})
		return
	}
	var req flagUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be a boolean or number"})
		return
	}
	h.svc.Flags.UpdateFlag(c.Request.Context(), name, *req.Value)
	value, _ := h.svc.Flags.GetFlag(name)
	h.logger.Info("flag updated via admin api", slog.String("flag", name), slog.String("value", value.String()))
	c.JSON(http.StatusOK, gin.H{"flag": name, "value": value, "phase": h.svc.Flags.Phase()})
}

func (h *Handler) resetRollback(c *gin.Context) {
	h.svc.Flags.ResetRollback(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"phase": h.svc.Flags.Phase()})
}

func (h *Handler) forceHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, h.svc.Monitor.ForceHealthCheck(ctx))
}

func (h *Handler) triggerRollback(c *gin.Context) {
	var req rollbackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
	}
	event, err := h.svc.TriggerRollback(c.Request.Context(), req.Reason)
	if errors.Is(err, rollback.ErrRollbackInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed"})
		return
	}
	c.JSON(http.StatusOK, event)
}
