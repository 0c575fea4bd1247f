package dto

type CreateJobRequest struct {
	Type           string `json:"type" binding:"required"`
	Payload        string `json:"payload"`
	IdempotencyKey string `json:"idempotency_key" binding:"max=255"`
}

type CreateJobResponse struct {
	JobID     string `json:"job_id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string  `json:"job_id"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	UserID         string  `json:"user_id"`
	Type           string  `json:"type"`
	Payload        string  `json:"payload"`
	Status         string  `json:"status"`
	Result         *string `json:"result,omitempty"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// UpdateJobStatusRequest is the internal status route body
type UpdateJobStatusRequest struct {
	UserID string  `json:"user_id" binding:"required"`
	Status string  `json:"status" binding:"required"`
	Result *string `json:"result"`
	Error  *string `json:"error"`
}
