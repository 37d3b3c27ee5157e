package webhook

import (
	"crypto/hmac"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opendispatch/opendispatch/internal/events"
	"github.com/opendispatch/opendispatch/internal/job"
)

type logsRequest struct {
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

type statusRequest struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exitCode"`
	Error    string `json:"error"`
}

type artifactPayload struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
}

type artifactsRequest struct {
	JobID     string            `json:"jobId"`
	Artifacts []artifactPayload `json:"artifacts"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"jobs":   s.registry.Count(),
		"uptime": time.Since(s.startedAt).Seconds(),
	})
}

// authorize resolves the job named in the body and checks the bearer token
// against it. Every failure mode answers the same 401 so a caller can not
// probe which jobs exist.
func (s *Server) authorize(c *gin.Context, jobID string) (*job.Job, bool) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	j, found := s.registry.Get(jobID)
	if token == "" || !found || !hmac.Equal([]byte(token), []byte(j.Token())) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}
	return j, true
}

func (s *Server) handleLogs(c *gin.Context) {
	var req logsRequest
	if !decodeJSON(c, &req) {
		return
	}
	if req.JobID == "" || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing jobId or text"})
		return
	}
	j, ok := s.authorize(c, req.JobID)
	if !ok {
		return
	}

	j.AppendLog("info", req.Text)
	j.Notify(req.Text)

	s.publish(c.Request.Context(), events.BuildJobLogSubject(j.ID()), events.JobLog, map[string]interface{}{
		"jobId":     j.ID(),
		"channelId": j.ChannelID(),
		"text":      req.Text,
	})

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	var req statusRequest
	if !decodeJSON(c, &req) {
		return
	}
	j, ok := s.authorize(c, req.JobID)
	if !ok {
		return
	}

	log := s.logger.WithJobID(j.ID())

	switch req.Status {
	case "running":
		j.Touch()

	case "completed":
		exitCode := 0
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		if j.Complete(exitCode) {
			log.Info("job completed", zap.Int("exit_code", exitCode))
			s.finishJob(c, j, events.BuildJobCompletedSubject(j.ID()), events.JobCompleted, exitCode, "")
		}

	case "failed":
		errMsg := req.Error
		if errMsg == "" {
			errMsg = "Sprite reported failure"
		}
		exitCode := 1
		if req.ExitCode != nil {
			exitCode = *req.ExitCode
		}
		if j.Fail(errMsg, exitCode) {
			log.Warn("job failed", zap.Int("exit_code", exitCode), zap.String("job_error", errMsg))
			s.finishJob(c, j, events.BuildJobFailedSubject(j.ID()), events.JobFailed, exitCode, errMsg)
		}

	default:
		// Unknown statuses from newer reporters are ignored, not errors.
		log.Debug("ignoring unknown job status", zap.String("status", req.Status))
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// finishJob runs the shared post-terminal steps: keep the job around for a
// grace window so stragglers still authenticate, then publish the event.
func (s *Server) finishJob(c *gin.Context, j *job.Job, subject, eventType string, exitCode int, errMsg string) {
	s.registry.ScheduleRemoval(j.ID(), s.cleanupDelay)

	data := map[string]interface{}{
		"jobId":     j.ID(),
		"channelId": j.ChannelID(),
		"exitCode":  exitCode,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.publish(c.Request.Context(), subject, eventType, data)
}

func (s *Server) handleArtifacts(c *gin.Context) {
	var req artifactsRequest
	if !decodeJSON(c, &req) {
		return
	}
	if req.JobID == "" || req.Artifacts == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing jobId or artifacts array"})
		return
	}
	j, ok := s.authorize(c, req.JobID)
	if !ok {
		return
	}

	added := 0
	for _, a := range req.Artifacts {
		if a.Name == "" || a.URL == "" {
			continue
		}
		j.AddArtifact(a.Name, a.URL, a.Type)
		added++

		s.publish(c.Request.Context(), events.BuildJobArtifactSubject(j.ID()), events.JobArtifactAdded, map[string]interface{}{
			"jobId":     j.ID(),
			"channelId": j.ChannelID(),
			"name":      a.Name,
			"url":       a.URL,
			"type":      a.Type,
		})
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "count": added})
}
