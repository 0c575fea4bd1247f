package domain

import "time"

// Job is one delivery as the worker sees it: the decoded message body plus
// the broker-side retry counter.
type Job struct {
	JobID       string
	UserID      string
	Type        string
	Payload     string
	CreatedAt   time.Time
	RetryCount  int
	DeliveryTag uint64
}

// Outcome is the terminal step of a delivery
type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeRequeue    Outcome = "requeue"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// StatusUpdate is the body the worker sends to the job store
type StatusUpdate struct {
	JobID  string  `json:"-"`
	UserID string  `json:"user_id"`
	Status string  `json:"status"`
	Result *string `json:"result,omitempty"`
	Error  *string `json:"error,omitempty"`
}
