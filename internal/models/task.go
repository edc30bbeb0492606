package models

import "time"

// TaskStatus represents the state of a queue task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
)

// QueueTask is an ephemeral scheduling hint for a URL, distinct from its durable record
type QueueTask struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Priority   int        `json:"priority"`
	CreatedAt  time.Time  `json:"created_at"`
	Status     TaskStatus `json:"status"`
	DequeuedAt *time.Time `json:"dequeued_at,omitempty"`
}

// TaskResult is appended to the succeeded or failed container on completion
type TaskResult struct {
	URL         string    `json:"url"`
	Phone       *string   `json:"phone"`
	Error       *string   `json:"error"`
	CompletedAt time.Time `json:"completed_at"`
}

// QueueSizes holds the cardinality of each queue container
type QueueSizes struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"processing"`
	Succeeded int64 `json:"results"`
	Failed    int64 `json:"failed"`
	Connected bool  `json:"redis_connected"`
}
