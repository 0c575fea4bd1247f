package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/jobpipeline/internal/api/model"
	"github.com/cuongbtq/jobpipeline/internal/api/producer"
	"github.com/cuongbtq/jobpipeline/internal/api/storage"
)

// JobStore is what the handlers read and update
type JobStore interface {
	GetJobForUser(ctx context.Context, jobID, userID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID, userID, status string, result, errMsg *string) (*model.Job, error)
}

// JobSubmitter is the publish path
type JobSubmitter interface {
	Submit(ctx context.Context, req producer.SubmitRequest) (*model.Job, bool, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    JobStore
	Producer JobSubmitter
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	store    JobStore
	producer JobSubmitter
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		producer: deps.Producer,
	}
}
