// Package jobs hosts the background worker and its task handlers.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACWarmup re-resolves permission snapshots for active principals.
	TaskRBACWarmup = "rbac:warmup"
	// TaskRBACSweep reports assignments and overrides that expired recently.
	TaskRBACSweep = "rbac:sweep"
)

// WarmupPayload bounds how many principals one warmup run touches.
type WarmupPayload struct {
	Limit int `json:"limit"`
}

// NewWarmupTask constructs an Asynq task for snapshot warmup.
func NewWarmupTask(payload WarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACWarmup, data), nil
}

// NewSweepTask constructs an Asynq task for the expiry sweep report.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskRBACSweep, nil)
}
