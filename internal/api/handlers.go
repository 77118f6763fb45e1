package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agenthub/internal/dispatcher"
	"agenthub/internal/ingest"
	"agenthub/internal/models"
	"agenthub/internal/service/session"
)

// Streamer is the dispatcher surface the HTTP layer depends on.
type Streamer interface {
	Stream(dispatcher.StreamRequest) (*models.Message, error)
	Invalidate(sessionID string)
}

// Ingestor runs background ingestion jobs and records external status updates.
type Ingestor interface {
	Enqueue(ctx context.Context, tenantID string, kind models.JobKind, source string) (*models.IngestionJob, error)
	Get(ctx context.Context, id string) (*models.IngestionJob, error)
	RecordUpdate(ctx context.Context, jobID string, status models.JobStatus, pages int, errMsg string) (*models.IngestionJob, error)
}

// Handler wires HTTP routes to the session service, the dispatcher, and the
// ingestion runner.
type Handler struct {
	sessions        *session.Service
	streamer        Streamer
	ingestor        Ingestor
	defaultProvider string
}

// NewHandler constructs a Handler instance.
func NewHandler(sessions *session.Service, streamer Streamer, ingestor Ingestor, defaultProvider string) *Handler {
	return &Handler{
		sessions:        sessions,
		streamer:        streamer,
		ingestor:        ingestor,
		defaultProvider: defaultProvider,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.GET("/sessions/:id/chats", h.getSessionChats)
	api.POST("/sessions/:id/end", h.endSession)
	api.POST("/sessions/:id/clear", h.clearSession)
	api.POST("/tenants/:tenant_id/agents/:agent_id/stream", h.streamMessage)
	api.POST("/ingestions", h.createIngestion)
	api.GET("/ingestions/:id", h.getIngestion)

	hooks := router.Group("/webhooks")
	hooks.POST("/document-status-update", h.documentStatusUpdate)
	hooks.POST("/website-scrape-update", h.websiteScrapeUpdate)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func sessionPayload(s *models.Session) gin.H {
	payload := gin.H{
		"id":            s.ID,
		"tenant_id":     s.TenantID,
		"agent_id":      s.AgentID,
		"status":        s.Status,
		"created_at":    s.CreatedAt,
		"last_activity": s.LastActivity,
		"message_count": s.MessageCount,
	}
	if s.EndedAt != nil {
		payload["ended_at"] = s.EndedAt
	}
	return payload
}

func messagePayload(m *models.Message) gin.H {
	return gin.H{
		"id":         m.ID,
		"session_id": m.SessionID,
		"role":       m.Role,
		"content":    m.Content,
		"seq":        m.Seq,
		"created_at": m.CreatedAt,
	}
}

func (h *Handler) createSession(c *gin.Context) {
	var req struct {
		TenantID string `json:"tenant_id"`
		AgentID  string `json:"agent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.AgentID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and agent_id are required"})
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), req.TenantID, req.AgentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sessionPayload(sess))
}

func (h *Handler) listSessions(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}
	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)
	includeInactive := c.Query("include_inactive") == "true"

	list, pagination, err := h.sessions.ListSessions(c.Request.Context(), tenantID, page, limit, includeInactive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	payload := make([]gin.H, 0, len(list))
	for i := range list {
		payload = append(payload, sessionPayload(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":   payload,
		"pagination": pagination,
	})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.sessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionPayload(sess))
}

func (h *Handler) getSessionChats(c *gin.Context) {
	sessionID := c.Param("id")
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	sess, err := h.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	messages, err := h.sessions.ListMessages(c.Request.Context(), sessionID, limit, offset)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	payload := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		payload = append(payload, messagePayload(m))
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   payload,
		"total":      sess.MessageCount,
		"limit":      limit,
		"offset":     offset,
	})
}

func (h *Handler) endSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// body is optional
	_ = c.ShouldBindJSON(&req)

	summary, err := h.sessions.EndSession(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.streamer.Invalidate(summary.SessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id":     summary.SessionID,
		"duration":       summary.Duration.Seconds(),
		"total_messages": summary.TotalMessages,
		"reason":         summary.Reason,
	})
}

func (h *Handler) clearSession(c *gin.Context) {
	sessionID := c.Param("id")
	cleared, err := h.sessions.ClearMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	h.streamer.Invalidate(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"cleared":    cleared,
	})
}

type streamInput struct {
	SessionID string      `json:"session_id"`
	Content   string      `json:"content"`
	Role      models.Role `json:"role"`
	Provider  string      `json:"provider"`
	Model     string      `json:"model"`
}

func (h *Handler) streamMessage(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	agentID := c.Param("agent_id")

	var req streamInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content cannot be empty"})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleUser
	}
	provider := req.Provider
	if provider == "" {
		provider = h.defaultProvider
	}

	sess, err := h.sessions.GetSession(c.Request.Context(), req.SessionID)
	if err != nil {
		h.sessionError(c, err)
		return
	}
	if sess.TenantID != tenantID || sess.AgentID != agentID {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !sess.Active() {
		c.JSON(http.StatusConflict, gin.H{"error": "session has ended"})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendFrame := func(payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	reply, err := h.streamer.Stream(dispatcher.StreamRequest{
		Context:   streamCtx,
		TenantID:  tenantID,
		AgentID:   agentID,
		SessionID: req.SessionID,
		Provider:  provider,
		Model:     req.Model,
		Role:      req.Role,
		Content:   req.Content,
		ChunkFn: func(fragment string) error {
			return sendFrame(gin.H{"type": "chunk", "content": fragment})
		},
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, dispatcher.ErrDispatcherBusy) {
			msg = "server is busy, please retry"
		}
		_ = sendFrame(gin.H{"type": "error", "error": msg})
		return
	}
	_ = sendFrame(gin.H{
		"type":       "end",
		"session_id": reply.SessionID,
		"content":    reply.Content,
		"seq":        reply.Seq,
	})
}

func jobPayload(job *models.IngestionJob) gin.H {
	payload := gin.H{
		"id":         job.ID,
		"tenant_id":  job.TenantID,
		"kind":       job.Kind,
		"source":     job.Source,
		"status":     job.Status,
		"retries":    job.Retries,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.Pages > 0 {
		payload["pages"] = job.Pages
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	return payload
}

func (h *Handler) createIngestion(c *gin.Context) {
	var req struct {
		TenantID string         `json:"tenant_id"`
		Kind     models.JobKind `json:"kind"`
		Source   string         `json:"source"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Kind != models.JobDocument && req.Kind != models.JobScrape {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be document or scrape"})
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
		return
	}

	job, err := h.ingestor.Enqueue(c.Request.Context(), req.TenantID, req.Kind, req.Source)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrJobActive):
			c.JSON(http.StatusConflict, gin.H{"error": "an ingestion for this source is already active"})
		case errors.Is(err, ingest.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "ingestion queue is full, please retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, jobPayload(job))
}

func (h *Handler) getIngestion(c *gin.Context) {
	job, err := h.ingestor.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ingest.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ingestion not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobPayload(job))
}

type statusUpdateRequest struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Pages  int    `json:"pages"`
	Error  string `json:"error"`
}

func (h *Handler) documentStatusUpdate(c *gin.Context) {
	h.recordStatusUpdate(c, map[string]models.JobStatus{
		"processing": models.JobRunning,
		"completed":  models.JobSucceeded,
		"failed":     models.JobFailed,
	})
}

func (h *Handler) websiteScrapeUpdate(c *gin.Context) {
	h.recordStatusUpdate(c, map[string]models.JobStatus{
		"scraping":  models.JobRunning,
		"completed": models.JobSucceeded,
		"failed":    models.JobFailed,
	})
}

func (h *Handler) recordStatusUpdate(c *gin.Context, statuses map[string]models.JobStatus) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
		return
	}
	status, ok := statuses[req.Status]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	job, err := h.ingestor.RecordUpdate(c.Request.Context(), req.JobID, status, req.Pages, req.Error)
	if err != nil {
		if errors.Is(err, ingest.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ingestion not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobPayload(job))
}

func (h *Handler) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, session.ErrSessionEnded), errors.Is(err, session.ErrAlreadyEnded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dispatcher.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
