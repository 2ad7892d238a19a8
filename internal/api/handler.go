// Package api serves the admin HTTP surface: health, reporting, agent
// lifecycle, and a manually triggered tick.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clawsnetwork/stream-agency/internal/admin"
	"github.com/clawsnetwork/stream-agency/internal/config"
	"github.com/clawsnetwork/stream-agency/internal/scheduler"
	"github.com/clawsnetwork/stream-agency/internal/store"
)

// Ticker runs one scheduler cycle on demand. *scheduler.Scheduler implements it.
type Ticker interface {
	Tick(ctx context.Context) scheduler.TickResult
}

// Handler wires the admin routes onto a Gin engine.
type Handler struct {
	admin  *admin.Service
	ticker Ticker
	cfg    *config.Config
	log    *zap.Logger
}

func NewHandler(svc *admin.Service, ticker Ticker, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{admin: svc, ticker: ticker, cfg: cfg, log: log}
}

// NewRouter assembles the admin engine. Health and metrics stay outside the
// token check so probes and scrapers need no credentials.
func NewRouter(h *Handler, token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := r.Group("/", TokenMiddleware(token))
	h.Register(guarded)
	return r
}

func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/report", h.handleReport)
	rg.GET("/agent", h.handleAgent)
	rg.POST("/enroll", h.handleEnroll)
	rg.POST("/pause", h.handlePause)
	rg.POST("/resume", h.handleResume)
	rg.POST("/remove", h.handleRemove)
	rg.POST("/tick", h.handleTick)
}

// bindJSON decodes the request body. An empty body is a valid empty object,
// matching how the lifecycle endpoints treat missing fields as blank.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Body must be valid JSON"})
		return false
	}
	return true
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, admin.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	case errors.Is(err, store.ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "Agent not found"})
	default:
		h.log.Error("admin api error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "internal error"})
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"time_ms":         time.Now().UnixMilli(),
		"billing_enabled": h.cfg.Billing.Enabled,
	})
}

func (h *Handler) handleReport(c *gin.Context) {
	rows, err := h.admin.Report(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "agents": rows})
}

type attemptView struct {
	AttemptedMS int64  `json:"attempted_ms"`
	OK          bool   `json:"ok"`
	StatusCode  int64  `json:"status_code"`
	Reason      string `json:"reason"`
	EndStreamMS *int64 `json:"end_stream_ms"`
}

func (h *Handler) handleAgent(c *gin.Context) {
	address := strings.TrimSpace(c.Query("address"))
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Missing address query parameter"})
		return
	}

	attempts, err := h.admin.RecentAttempts(c.Request.Context(), address, 10)
	if err != nil {
		h.fail(c, err)
		return
	}

	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		v := attemptView{
			AttemptedMS: a.AttemptedMS,
			OK:          a.OK,
			StatusCode:  a.StatusCode,
			Reason:      a.Reason,
		}
		if a.EndStreamMS != 0 {
			end := a.EndStreamMS
			v.EndStreamMS = &end
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "address": address, "recent_attempts": views})
}

type enrollRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	FeeBps    *int64 `json:"fee_bps"`
}

func (h *Handler) handleEnroll(c *gin.Context) {
	var req enrollRequest
	if !bindJSON(c, &req) {
		return
	}
	feeBps := int64(500)
	if req.FeeBps != nil {
		feeBps = *req.FeeBps
	}

	res, err := h.admin.Enroll(c.Request.Context(), req.Address, req.Signature, feeBps)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"address": res.Address,
		"fee_bps": res.FeeBps,
		"probe":   res.Probe,
	})
}

type addressRequest struct {
	Address string `json:"address"`
}

func (h *Handler) handlePause(c *gin.Context) {
	h.handleStatusChange(c, h.admin.Pause, "paused")
}

func (h *Handler) handleResume(c *gin.Context) {
	h.handleStatusChange(c, h.admin.Resume, "active")
}

func (h *Handler) handleStatusChange(c *gin.Context, op func(context.Context, string) error, status string) {
	var req addressRequest
	if !bindJSON(c, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if err := op(c.Request.Context(), address); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "address": address, "status": status})
}

func (h *Handler) handleRemove(c *gin.Context) {
	var req addressRequest
	if !bindJSON(c, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if err := h.admin.Remove(c.Request.Context(), address); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "address": address, "removed": true})
}

type tickResponse struct {
	OK bool `json:"ok"`
	scheduler.TickResult
}

func (h *Handler) handleTick(c *gin.Context) {
	result := h.ticker.Tick(c.Request.Context())
	c.JSON(http.StatusOK, tickResponse{OK: true, TickResult: result})
}
