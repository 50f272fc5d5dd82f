// Package httpapi implements the thin gin transport collaborator
// described in spec section 6: request decoding and response encoding
// over pkg/scheduler, with no scheduling logic of its own. It follows
// discovery_service/internal/handlers.Handler's shape (a struct holding
// dependencies, a RegisterRoutes method, one method per route) and its
// requestLogger middleware for structured request logging.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/internal/agentauth"
	"github.com/acamarata/cutroom/internal/artifacts"
	"github.com/acamarata/cutroom/internal/cache"
	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/scheduler"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// Handler holds dependencies for every orchestrator HTTP route.
type Handler struct {
	Scheduler  *scheduler.Scheduler
	ReadyCache *cache.ReadySetCache
	Signer     *agentauth.Signer
	Artifacts  *artifacts.Resolver
	Log        *logrus.Logger
}

// NewHandler creates a Handler with the given dependencies. resolver
// may be nil when no object storage is configured — ResolveArtifact
// then reports NOT_FOUND instead of presigning a URL.
func NewHandler(s *scheduler.Scheduler, readyCache *cache.ReadySetCache, signer *agentauth.Signer, resolver *artifacts.Resolver, log *logrus.Logger) *Handler {
	return &Handler{Scheduler: s, ReadyCache: readyCache, Signer: signer, Artifacts: resolver, Log: log}
}

// RegisterRoutes sets up all HTTP routes on the given Gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		api.POST("/pipelines", h.CreatePipeline)
		api.GET("/pipelines", h.ListPipelines)
		api.GET("/pipelines/:id", h.GetPipeline)
		api.POST("/pipelines/:id/start", h.StartPipeline)

		api.GET("/ready", h.ListReady)

		api.POST("/pipelines/:id/stages/:stage/claim", h.agentAuth(), h.ClaimStage)
		api.POST("/stages/:stageId/start", h.StartStage)
		api.POST("/stages/:stageId/complete", h.CompleteStage)
		api.POST("/stages/:stageId/fail", h.FailStage)
		api.GET("/stages/:stageId/artifacts/:index/url", h.ResolveArtifact)
	}
}

// Health reports whether the service is up. The orchestrator's
// dependencies (store, cache) are checked by the caller's own readiness
// probe against those systems directly; this endpoint only confirms the
// process itself is serving.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "cutroom-orchestrator",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type createPipelineRequest struct {
	Topic       string `json:"topic" binding:"required"`
	Description string `json:"description"`
}

// CreatePipeline handles POST /pipelines.
func (h *Handler) CreatePipeline(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}

	p, err := h.Scheduler.CreatePipeline(c.Request.Context(), req.Topic, req.Description)
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// StartPipeline handles POST /pipelines/:id/start.
func (h *Handler) StartPipeline(c *gin.Context) {
	p, err := h.Scheduler.StartPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	h.invalidateReadyCache(c)
	c.JSON(http.StatusOK, p)
}

// GetPipeline handles GET /pipelines/:id.
func (h *Handler) GetPipeline(c *gin.Context) {
	p, stages, err := h.Scheduler.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline": p, "stages": stages})
}

// ListPipelines handles GET /pipelines?status=&limit=.
func (h *Handler) ListPipelines(c *gin.Context) {
	pipelineStatus := stagecontract.PipelineStatus(c.Query("status"))
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	pipelines, err := h.Scheduler.ListPipelines(c.Request.Context(), pipelineStatus, limit)
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pipelines, "count": len(pipelines)})
}

// ListReady handles GET /ready?stage=. Falls back to querying the
// scheduler directly when no ready-set cache is configured.
func (h *Handler) ListReady(c *gin.Context) {
	stageFilter := registry.StageName(c.Query("stage"))

	loader := func() ([]stagecontract.ReadyItem, error) {
		return h.Scheduler.ReadySet(c.Request.Context(), stageFilter)
	}

	var items []stagecontract.ReadyItem
	var err error
	if h.ReadyCache == nil {
		items, err = loader()
	} else {
		items, err = h.ReadyCache.GetOrLoad(c.Request.Context(), stageFilter, loader)
	}
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "count": len(items)})
}

// ClaimStage handles POST /pipelines/:id/stages/:stage/claim. The
// claiming agent's identity comes from the bearer token validated by
// agentAuth, not from the request body — a worker cannot claim on
// behalf of an agent it doesn't hold a token for.
func (h *Handler) ClaimStage(c *gin.Context) {
	identity := c.MustGet(agentIdentityKey).(agentauth.AgentIdentity)

	stage, err := h.Scheduler.ClaimStage(c.Request.Context(), c.Param("id"),
		registry.StageName(c.Param("stage")), identity.AgentID, identity.AgentName)
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	h.invalidateReadyCache(c)
	c.JSON(http.StatusOK, stage)
}

// StartStage handles POST /stages/:stageId/start.
func (h *Handler) StartStage(c *gin.Context) {
	stage, err := h.Scheduler.StartStage(c.Request.Context(), c.Param("stageId"))
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, stage)
}

type completeStageRequest struct {
	Output    map[string]interface{} `json:"output"`
	Artifacts []string               `json:"artifacts"`
}

// CompleteStage handles POST /stages/:stageId/complete.
func (h *Handler) CompleteStage(c *gin.Context) {
	var req completeStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}

	output, err := json.Marshal(req.Output)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}

	stage, pipeline, err := h.Scheduler.CompleteStage(c.Request.Context(), c.Param("stageId"), output, req.Artifacts)
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	h.invalidateReadyCache(c)
	c.JSON(http.StatusOK, gin.H{"stage": stage, "pipeline": pipeline})
}

type failStageRequest struct {
	Error string `json:"error" binding:"required"`
}

// FailStage handles POST /stages/:stageId/fail.
func (h *Handler) FailStage(c *gin.Context) {
	var req failStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_INPUT", "message": err.Error()})
		return
	}

	stage, pipeline, err := h.Scheduler.FailStage(c.Request.Context(), c.Param("stageId"), req.Error)
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	h.invalidateReadyCache(c)
	c.JSON(http.StatusOK, gin.H{"stage": stage, "pipeline": pipeline})
}

// ResolveArtifact handles GET /stages/:stageId/artifacts/:index/url. It
// is a caller-side convenience: the scheduler stores artifacts as
// opaque handles and never resolves them itself, so this is the only
// place object storage is presigned.
func (h *Handler) ResolveArtifact(c *gin.Context) {
	if h.Artifacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": string(orcherr.NotFound), "message": "no artifact store configured"})
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": string(orcherr.InvalidInput), "message": "index must be a non-negative integer"})
		return
	}

	stage, err := h.Scheduler.GetStage(c.Request.Context(), c.Param("stageId"))
	if err != nil {
		status, body := writeErrorBody(err)
		c.JSON(status, body)
		return
	}
	if index >= len(stage.Artifacts) {
		c.JSON(http.StatusNotFound, gin.H{"error": string(orcherr.NotFound), "message": "artifact index out of range"})
		return
	}

	url, err := h.Artifacts.PresignedURL(stage.Artifacts[index], artifacts.DefaultPresignExpiry)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(orcherr.Internal), "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

// invalidateReadyCache drops the advisory ready-set cache so the next
// read reflects this mutation immediately rather than waiting out its TTL.
func (h *Handler) invalidateReadyCache(c *gin.Context) {
	if h.ReadyCache == nil {
		return
	}
	h.ReadyCache.Invalidate(c.Request.Context())
}
