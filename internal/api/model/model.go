package model

import (
	"database/sql"
	"time"
)

// Job is a row of the jobs table
type Job struct {
	JobID          string         `db:"job_id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	UserID         string         `db:"user_id"`
	JobType        string         `db:"job_type"`
	Payload        string         `db:"payload"`
	Status         string         `db:"status"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}
