package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobpipeline/internal/api/auth"
	"github.com/cuongbtq/jobpipeline/internal/api/domain"
	"github.com/cuongbtq/jobpipeline/internal/api/dto"
	"github.com/cuongbtq/jobpipeline/internal/api/model"
	"github.com/cuongbtq/jobpipeline/internal/api/producer"
	"github.com/cuongbtq/jobpipeline/internal/api/storage"
	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	userID := auth.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job data"})
		return
	}

	job, created, err := h.producer.Submit(c.Request.Context(), producer.SubmitRequest{
		UserID:         userID,
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidJobType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job type"})
		return
	case errors.Is(err, domain.ErrUserNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid user - user does not exist"})
		return
	case errors.Is(err, domain.ErrEnqueueFailed):
		h.logger.Error("Failed to enqueue job", slog.String("error", err.Error()))
		resp := gin.H{"error": "Failed to enqueue job"}
		if job != nil {
			resp["job_id"] = job.JobID
		}
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	default:
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}

	c.JSON(status, dto.CreateJobResponse{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Type:      job.JobType,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339Nano),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	userID := auth.UserID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.store.GetJobForUser(c.Request.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID := auth.UserID(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.Type != "" && !jobmsg.IsValidType(req.Type) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job type"})
		return
	}
	if req.Status != "" && !jobmsg.IsValidStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		UserID:   userID,
		JobType:  req.Type,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}

	if hasMore {
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.JobID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toJobDTO(job *model.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Type:      job.JobType,
		Payload:   job.Payload,
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.IdempotencyKey.Valid {
		out.IdempotencyKey = job.IdempotencyKey.String
	}
	if job.Result.Valid {
		result := job.Result.String
		out.Result = &result
	}
	if job.Error.Valid {
		errMsg := job.Error.String
		out.Error = &errMsg
	}
	return out
}
