package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pipecheck/pkg/api/middleware"
	"pipecheck/pkg/governance"
	"pipecheck/pkg/jobapi"
	"pipecheck/pkg/jobid"
	"pipecheck/pkg/models"
	"pipecheck/pkg/storage"
)

// --- Request/Response DTOs ---

// CreateCheckJobRequest is the payload for creating a consistency check job.
type CreateCheckJobRequest struct {
	ParentJobID    string            `json:"parent_job_id" binding:"required"`
	AlgorithmType  string            `json:"algorithm_type" binding:"required"`
	AlgorithmProps map[string]string `json:"algorithm_props"`
}

// CheckJobResponse is the API representation of a check job.
type CheckJobResponse struct {
	JobID          string                  `json:"job_id"`
	ParentJobID    string                  `json:"parent_job_id"`
	AlgorithmType  string                  `json:"algorithm_type"`
	AlgorithmProps models.Properties       `json:"algorithm_props"`
	Disabled       bool                    `json:"disabled"`
	CreatedAt      time.Time               `json:"created_at"`
	Progress       *models.JobItemProgress `json:"progress,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
}

func checkJobToResponse(cfg *models.CheckJobConfiguration) CheckJobResponse {
	return CheckJobResponse{
		JobID:          cfg.JobID,
		ParentJobID:    cfg.ParentJobID,
		AlgorithmType:  cfg.AlgorithmTypeName,
		AlgorithmProps: cfg.AlgorithmProps,
		Disabled:       cfg.Disabled,
		CreatedAt:      cfg.CreatedAt,
	}
}

// --- Check Job Handlers ---

// createCheckJob handles POST /api/v1/check-jobs
func (s *Server) createCheckJob(c *gin.Context) {
	var req CreateCheckJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateAlgorithm(req.AlgorithmType); err != nil {
		c.JSON(http.StatusBadRequest, err)
		return
	}
	if err := s.validator.ValidateProps(req.AlgorithmProps); err != nil {
		c.JSON(http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	key, err := jobid.ParseContextKey(req.ParentJobID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parent job ID"})
		return
	}
	if _, err := s.configs.GetPipelineJob(ctx, req.ParentJobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "parent job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load parent job: " + err.Error()})
		return
	}

	checkJobID, err := jobid.New(models.JobTypeConsistencyCheck, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cfg := &models.CheckJobConfiguration{
		JobID:             checkJobID,
		ParentJobID:       req.ParentJobID,
		AlgorithmTypeName: req.AlgorithmType,
		AlgorithmProps:    models.Properties(req.AlgorithmProps),
	}
	if err := s.configs.CreateCheckJob(ctx, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create check job: " + err.Error()})
		return
	}
	if !s.pushCommand(c, models.CommandStart, checkJobID) {
		return
	}

	c.JSON(http.StatusCreated, checkJobToResponse(cfg))
}

// listLocalCheckJobs handles GET /api/v1/check-jobs, the jobs running on this node
func (s *Server) listLocalCheckJobs(c *gin.Context) {
	items := make([]*models.JobItemProgress, 0)
	if s.local != nil {
		for _, id := range s.local.RunningJobs() {
			if item, ok := s.local.JobItemContext(id); ok {
				items = append(items, jobapi.ProgressRecord(item, s.nodeID))
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"node_id": s.nodeID,
		"jobs":    items,
		"count":   len(items),
	})
}

// getCheckJob handles GET /api/v1/check-jobs/:id
func (s *Server) getCheckJob(c *gin.Context) {
	cfg, ok := s.loadCheckJob(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	resp := checkJobToResponse(cfg)

	progress, err := s.progress.GetJobItemProgress(ctx, cfg.JobID, 0)
	switch {
	case err == nil:
		resp.Progress = progress
	case !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("failed to load progress", zap.String("check_job_id", cfg.JobID), zap.Error(err))
	}
	if jobErr, err := s.progress.GetJobItemError(ctx, cfg.JobID, 0); err == nil {
		resp.ErrorMessage = jobErr.Message
	}

	c.JSON(http.StatusOK, resp)
}

// startCheckJob handles POST /api/v1/check-jobs/:id/start
func (s *Server) startCheckJob(c *gin.Context) {
	cfg, ok := s.loadCheckJob(c)
	if !ok {
		return
	}
	if cfg.Disabled {
		c.JSON(http.StatusConflict, gin.H{"error": "check job is stopped, create a new one"})
		return
	}
	if !s.pushCommand(c, models.CommandStart, cfg.JobID) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "start requested", "job_id": cfg.JobID})
}

// stopCheckJob handles POST /api/v1/check-jobs/:id/stop
func (s *Server) stopCheckJob(c *gin.Context) {
	cfg, ok := s.loadCheckJob(c)
	if !ok {
		return
	}
	// disabled first, so a START still queued is not picked up
	if err := s.configs.DisableCheckJob(c.Request.Context(), cfg.JobID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disable check job: " + err.Error()})
		return
	}
	if !s.pushCommand(c, models.CommandStop, cfg.JobID) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "stop requested", "job_id": cfg.JobID})
}

// getCheckJobResult handles GET /api/v1/check-jobs/:id/result
func (s *Server) getCheckJobResult(c *gin.Context) {
	cfg, ok := s.loadCheckJob(c)
	if !ok {
		return
	}
	repo, err := s.results.ForJobID(cfg.ParentJobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result, err := repo.GetCheckJobResult(c.Request.Context(), cfg.ParentJobID, cfg.JobID)
	if err != nil {
		if errors.Is(err, governance.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no result yet"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read result: " + err.Error()})
		return
	}

	matched := true
	for _, r := range result {
		if !r.Matched {
			matched = false
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":        cfg.JobID,
		"parent_job_id": cfg.ParentJobID,
		"matched":       matched,
		"tables":        result,
	})
}

func (s *Server) loadCheckJob(c *gin.Context) (*models.CheckJobConfiguration, bool) {
	id := c.Param("id")
	if t, err := jobid.ParseJobType(id); err != nil || t != models.JobTypeConsistencyCheck {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid check job ID"})
		return nil, false
	}
	cfg, err := s.configs.GetCheckJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "check job not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return cfg, true
}

func (s *Server) pushCommand(c *gin.Context, action models.CommandAction, jobID string) bool {
	cmd := &models.JobCommand{
		Action:    action,
		JobID:     jobID,
		IssuedAt:  time.Now().UTC(),
		RequestID: c.GetString(middleware.RequestIDKey),
	}
	if err := s.queue.Push(c.Request.Context(), cmd); err != nil {
		s.logger.Error("failed to push command", zap.String("action", string(action)), zap.String("check_job_id", jobID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to enqueue command: " + err.Error()})
		return false
	}
	return true
}
