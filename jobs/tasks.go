package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAssignmentSweep audits lapsed assignments and drops their users' cached permissions.
	TaskAssignmentSweep = "authz:assignments:sweep"
	// TaskRoleChanged drops the cached permissions of every holder of a role.
	TaskRoleChanged = "authz:role:changed"
)

// AssignmentSweepPayload configures one sweep run.
type AssignmentSweepPayload struct {
	// LookbackSeconds sets the window start when the worker has no watermark yet.
	LookbackSeconds int64 `json:"lookback_seconds"`
}

// RoleChangedPayload identifies the changed role.
type RoleChangedPayload struct {
	RoleID int64 `json:"role_id"`
}

// NewAssignmentSweepTask constructs the sweep task.
func NewAssignmentSweepTask(lookbackSeconds int64) (*asynq.Task, error) {
	data, err := json.Marshal(AssignmentSweepPayload{LookbackSeconds: lookbackSeconds})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentSweep, data), nil
}

// NewRoleChangedTask constructs the role fan-out task.
func NewRoleChangedTask(roleID int64) (*asynq.Task, error) {
	if roleID <= 0 {
		return nil, errors.New("jobs: role id required")
	}
	data, err := json.Marshal(RoleChangedPayload{RoleID: roleID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleChanged, data), nil
}
