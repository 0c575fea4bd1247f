// Package jobmsg defines what the api-service and the worker-service agree on:
// the supported job types, the job status set and the broker wire format.
package jobmsg

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// RetryCountHeader carries the number of times a message has been republished.
const RetryCountHeader = "x-retry-count"

// ContentType of every job message body.
const ContentType = "application/json"

// Job types
const (
	TypeReverseString  = "reverse_string"
	TypeUppercaseText  = "uppercase_text"
	TypeCapitaliseText = "capitalise_text"
	TypeFibonacci      = "fibbonaci_cal"
)

// Job status values
const (
	StatusQueued     = "QUEUED"
	StatusInProgress = "INPROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

var jobTypes = map[string]struct{}{
	TypeReverseString:  {},
	TypeUppercaseText:  {},
	TypeCapitaliseText: {},
	TypeFibonacci:      {},
}

var statuses = map[string]struct{}{
	StatusQueued:     {},
	StatusInProgress: {},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// IsValidType reports whether t is a supported job type.
func IsValidType(t string) bool {
	_, ok := jobTypes[t]
	return ok
}

// IsValidStatus reports whether s is a known job status.
func IsValidStatus(s string) bool {
	_, ok := statuses[s]
	return ok
}

// Message is the JSON body published for every job. It carries no status.
type Message struct {
	JobID     string    `json:"jobId"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode marshals the message body.
func (m *Message) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job message: %w", err)
	}
	return body, nil
}

// Decode parses a message body and checks the fields a worker cannot do without.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}
	if m.JobID == "" {
		return nil, fmt.Errorf("failed to decode job message: jobId is required")
	}
	return &m, nil
}

// RetryCount reads the retry counter from message headers. A missing or
// unreadable header counts as zero.
func RetryCount(headers map[string]interface{}) int {
	if headers == nil {
		return 0
	}

	switch v := headers[RetryCountHeader].(type) {
	case int:
		return clampRetry(int64(v))
	case int8:
		return clampRetry(int64(v))
	case int16:
		return clampRetry(int64(v))
	case int32:
		return clampRetry(int64(v))
	case int64:
		return clampRetry(v)
	case uint8:
		return clampRetry(int64(v))
	case uint16:
		return clampRetry(int64(v))
	case uint32:
		return clampRetry(int64(v))
	case float32:
		return clampRetry(int64(v))
	case float64:
		return clampRetry(int64(v))
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return clampRetry(n)
	default:
		return 0
	}
}

func clampRetry(n int64) int {
	if n < 0 {
		return 0
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

// WithRetryCount copies headers and sets the retry counter. The input is not modified.
func WithRetryCount(headers map[string]interface{}, count int) map[string]interface{} {
	out := make(map[string]interface{}, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	out[RetryCountHeader] = int32(count)
	return out
}
