package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/jobpipeline/internal/api/domain"
	"github.com/cuongbtq/jobpipeline/internal/api/dto"
	"github.com/cuongbtq/jobpipeline/internal/jobmsg"
)

// UpdateJobStatus handles PUT /internal/v1/jobs/:job_id/status. Only the
// service credential middleware sits in front of it.
func (h *JobHandler) UpdateJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.UpdateJobStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid status update payload",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	if err := validateStatusUpdate(jobID, &req); err != nil {
		h.logger.Warn("Invalid status update payload",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "details": err.Error()})
		return
	}

	job, err := h.store.UpdateJobStatus(c.Request.Context(), jobID, req.UserID, req.Status, req.Result, req.Error)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job does not exist"})
			return
		}
		h.logger.Error("Failed to update job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not update job status"})
		return
	}

	h.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", job.Status),
	)

	c.JSON(http.StatusOK, toJobDTO(job))
}

// validateStatusUpdate enforces that result only comes with COMPLETED and
// error only with FAILED
func validateStatusUpdate(jobID string, req *dto.UpdateJobStatusRequest) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return fmt.Errorf("%w: job_id must be a valid UUID", domain.ErrInvalidStatusUpdate)
	}
	if !jobmsg.IsValidStatus(req.Status) {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidStatusUpdate, req.Status)
	}
	if req.Result != nil && req.Status != jobmsg.StatusCompleted {
		return fmt.Errorf("%w: result is only allowed with %s", domain.ErrInvalidStatusUpdate, jobmsg.StatusCompleted)
	}
	if req.Error != nil && req.Status != jobmsg.StatusFailed {
		return fmt.Errorf("%w: error is only allowed with %s", domain.ErrInvalidStatusUpdate, jobmsg.StatusFailed)
	}
	return nil
}
