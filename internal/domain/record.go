package domain

import "time"

// ExecutionRecord is the persisted summary of one engine run.
type ExecutionRecord struct {
	ID         int64         `json:"id"`
	MessageID  string        `json:"message_id"`
	TaskType   string        `json:"task_type"`
	Status     string        `json:"status"`
	Rows       int           `json:"rows"`
	Outputs    int           `json:"outputs"`
	Nodes      []string      `json:"nodes"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	FinishedAt time.Time     `json:"finished_at"`
}

// DroppedMessage records a message a pipeline stage gave up on.
type DroppedMessage struct {
	ID        int64     `json:"id"`
	Stage     string    `json:"stage"`
	Node      string    `json:"node,omitempty"`
	MessageID string    `json:"message_id"`
	Rows      int       `json:"rows"`
	Error     string    `json:"error"`
	DroppedAt time.Time `json:"dropped_at"`
}

// ExecutionFilter narrows an execution listing. Zero fields match all.
type ExecutionFilter struct {
	TaskType string
	Status   string
	Limit    int
}
