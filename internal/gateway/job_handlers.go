package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/job"
	"github.com/opendispatch/opendispatch/internal/orchestrator"
	ws "github.com/opendispatch/opendispatch/pkg/websocket"
)

// JobHandlers serves read-only job snapshots over HTTP and WebSocket.
// Snapshots never include the job's bearer token.
type JobHandlers struct {
	manager *orchestrator.Manager
	logger  *logger.Logger
}

// NewJobHandlers creates the job handlers.
func NewJobHandlers(m *orchestrator.Manager, log *logger.Logger) *JobHandlers {
	return &JobHandlers{
		manager: m,
		logger:  log.WithFields(zap.String("component", "job-handlers")),
	}
}

// RegisterJobRoutes registers the job routes on both transports.
func RegisterJobRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, m *orchestrator.Manager, log *logger.Logger) {
	handlers := NewJobHandlers(m, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *JobHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/jobs", h.httpListJobs)
	api.GET("/jobs/:id", h.httpGetJob)
}

func (h *JobHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionJobList, h.wsListJobs)
	dispatcher.RegisterFunc(ws.ActionJobGet, h.wsGetJob)
}

type listJobsResponse struct {
	Jobs  []*job.Snapshot `json:"jobs"`
	Total int             `json:"total"`
}

func (h *JobHandlers) listJobs() listJobsResponse {
	jobs := h.manager.ListJobs()
	snaps := make([]*job.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		snaps = append(snaps, j.Serialize())
	}
	return listJobsResponse{Jobs: snaps, Total: len(snaps)}
}

// HTTP handlers

func (h *JobHandlers) httpListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, h.listJobs())
}

func (h *JobHandlers) httpGetJob(c *gin.Context) {
	j, ok := h.manager.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j.Serialize())
}

// WebSocket handlers

func (h *JobHandlers) wsListJobs(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.listJobs())
}

type wsGetJobRequest struct {
	JobID string `json:"job_id"`
}

func (h *JobHandlers) wsGetJob(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsGetJobRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.JobID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "job_id is required", nil)
	}
	j, ok := h.manager.GetJob(req.JobID)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Job not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, j.Serialize())
}
