package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/common/logger"
	"github.com/opendispatch/opendispatch/internal/orchestrator"
	ws "github.com/opendispatch/opendispatch/pkg/websocket"
)

// InstanceHandlers serves the instance surface over HTTP and WebSocket.
type InstanceHandlers struct {
	manager *orchestrator.Manager
	logger  *logger.Logger
}

// NewInstanceHandlers creates the instance handlers.
func NewInstanceHandlers(m *orchestrator.Manager, log *logger.Logger) *InstanceHandlers {
	return &InstanceHandlers{
		manager: m,
		logger:  log.WithFields(zap.String("component", "instance-handlers")),
	}
}

// RegisterInstanceRoutes registers the instance routes on both transports.
func RegisterInstanceRoutes(router *gin.Engine, dispatcher *ws.Dispatcher, m *orchestrator.Manager, log *logger.Logger) {
	handlers := NewInstanceHandlers(m, log)
	handlers.registerHTTP(router)
	handlers.registerWS(dispatcher)
}

func (h *InstanceHandlers) registerHTTP(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.POST("/instances", h.httpStartInstance)
	api.GET("/instances", h.httpListInstances)
	api.GET("/instances/:id", h.httpGetInstance)
	api.DELETE("/instances/:id", h.httpStopInstance)
	api.POST("/instances/:id/messages", h.httpSendMessage)
}

func (h *InstanceHandlers) registerWS(dispatcher *ws.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionInstanceList, h.wsListInstances)
	dispatcher.RegisterFunc(ws.ActionInstanceGet, h.wsGetInstance)
	dispatcher.RegisterFunc(ws.ActionInstanceStart, h.wsStartInstance)
	dispatcher.RegisterFunc(ws.ActionInstanceStop, h.wsStopInstance)
	dispatcher.RegisterFunc(ws.ActionInstanceSend, h.wsSendMessage)
}

type startInstanceRequest struct {
	InstanceID string `json:"instance_id,omitempty"`
	ProjectDir string `json:"project_dir"`
	ChannelID  string `json:"channel_id"`
	Persistent bool   `json:"persistent,omitempty"`
	Image      string `json:"image,omitempty"`
	Repo       string `json:"repo,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

type sendMessageRequest struct {
	Message   string `json:"message"`
	Repo      string `json:"repo,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Image     string `json:"image,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

type listInstancesResponse struct {
	Instances []orchestrator.InstanceSnapshot `json:"instances"`
	Total     int                             `json:"total"`
}

func (h *InstanceHandlers) listInstances() listInstancesResponse {
	instances := h.manager.List()
	snaps := make([]orchestrator.InstanceSnapshot, 0, len(instances))
	for _, inst := range instances {
		snaps = append(snaps, inst.Snapshot())
	}
	return listInstancesResponse{Instances: snaps, Total: len(snaps)}
}

func (h *InstanceHandlers) startInstance(ctx context.Context, req *startInstanceRequest) *orchestrator.StartResult {
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return h.manager.StartInstance(ctx, instanceID, req.ProjectDir, req.ChannelID, orchestrator.StartOptions{
		Persistent: req.Persistent,
		Image:      req.Image,
		Repo:       req.Repo,
		Branch:     req.Branch,
	})
}

func (h *InstanceHandlers) sendMessage(ctx context.Context, instanceID string, req *sendMessageRequest) *orchestrator.SendResult {
	return h.manager.SendToInstance(ctx, instanceID, req.Message, orchestrator.SendOptions{
		Repo:      req.Repo,
		Branch:    req.Branch,
		Image:     req.Image,
		TimeoutMs: req.TimeoutMs,
		AgentID:   req.AgentID,
	})
}

// HTTP handlers

func (h *InstanceHandlers) httpStartInstance(c *gin.Context) {
	var body startInstanceRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.ProjectDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_dir is required"})
		return
	}
	if body.ChannelID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channel_id is required"})
		return
	}

	res := h.startInstance(c.Request.Context(), &body)
	if !res.Success {
		c.JSON(statusForFailure(res.Error), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *InstanceHandlers) httpListInstances(c *gin.Context) {
	c.JSON(http.StatusOK, h.listInstances())
}

func (h *InstanceHandlers) httpGetInstance(c *gin.Context) {
	inst, ok := h.manager.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instance not found"})
		return
	}
	c.JSON(http.StatusOK, inst.Snapshot())
}

func (h *InstanceHandlers) httpStopInstance(c *gin.Context) {
	res := h.manager.StopInstance(c.Request.Context(), c.Param("id"))
	if !res.Success {
		c.JSON(statusForFailure(res.Error), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *InstanceHandlers) httpSendMessage(c *gin.Context) {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	res := h.sendMessage(c.Request.Context(), c.Param("id"), &body)
	if !res.Success && isNotFound(res.Error) {
		c.JSON(http.StatusNotFound, res)
		return
	}
	// Job-level failures are still a renderable outcome, not an HTTP error.
	c.JSON(http.StatusOK, res)
}

// WebSocket handlers

func (h *InstanceHandlers) wsListInstances(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, h.listInstances())
}

type wsGetInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

func (h *InstanceHandlers) wsGetInstance(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsGetInstanceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.InstanceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "instance_id is required", nil)
	}
	inst, ok := h.manager.Get(req.InstanceID)
	if !ok {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Instance not found", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, inst.Snapshot())
}

func (h *InstanceHandlers) wsStartInstance(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req startInstanceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.ProjectDir == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "project_dir is required", nil)
	}
	if req.ChannelID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "channel_id is required", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, h.startInstance(ctx, &req))
}

type wsStopInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

func (h *InstanceHandlers) wsStopInstance(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsStopInstanceRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.InstanceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "instance_id is required", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, h.manager.StopInstance(ctx, req.InstanceID))
}

type wsSendMessageRequest struct {
	InstanceID string `json:"instance_id"`
	sendMessageRequest
}

func (h *InstanceHandlers) wsSendMessage(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req wsSendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
	}
	if req.InstanceID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "instance_id is required", nil)
	}
	if req.Message == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "message is required", nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, h.sendMessage(ctx, req.InstanceID, &req.sendMessageRequest))
}
