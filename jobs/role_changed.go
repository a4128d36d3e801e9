package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/gatehouse/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RoleHolderSource lists the users currently holding a role.
type RoleHolderSource interface {
	HoldersOfRole(ctx context.Context, roleID int64, asOf time.Time) ([]int64, error)
}

// RoleChangedJob invalidates the cache generation of every holder of a role.
type RoleChangedJob struct {
	Holders     RoleHolderSource
	Invalidator UserInvalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// NewRoleChangedJob wires dependencies for the role fan-out handler.
func NewRoleChangedJob(holders RoleHolderSource, invalidator UserInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleChangedJob {
	return &RoleChangedJob{
		Holders:     holders,
		Invalidator: invalidator,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes role change tasks.
func (j *RoleChangedJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Holders == nil || j.Invalidator == nil {
		return errors.New("role changed: handler not configured")
	}
	var payload RoleChangedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RoleID <= 0 {
		return asynq.SkipRetry
	}

	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskRoleChanged)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.Int64("role_id", payload.RoleID))

	holders, err := j.Holders.HoldersOfRole(ctx, payload.RoleID, j.clock())
	if err != nil {
		resultErr = err
		logger.Error("load role holders", slog.Any("error", err))
		return resultErr
	}
	if err := j.Invalidator.InvalidateUsers(ctx, holders); err != nil {
		resultErr = err
		logger.Error("invalidate holders", slog.Int("users", len(holders)), slog.Any("error", err))
		return resultErr
	}
	metrics.AddInvalidations("role_changed", len(holders))
	logger.Info("invalidated role holders", slog.Int("users", len(holders)))
	return resultErr
}
