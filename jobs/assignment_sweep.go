package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/gatehouse/internal/jobs"
	"github.com/odyssey-erp/gatehouse/internal/ledger"
	"github.com/odyssey-erp/gatehouse/internal/shared"
)

const defaultSweepLookback = 10 * time.Minute

// ExpiredAssignmentSource lists assignments that lapsed in a window.
type ExpiredAssignmentSource interface {
	ExpiredBetween(ctx context.Context, from, to time.Time) ([]ledger.Assignment, error)
}

// UserInvalidator drops the cached permission sets of a batch of users.
type UserInvalidator interface {
	InvalidateUsers(ctx context.Context, userIDs []int64) error
}

// AssignmentSweepJob records an audit entry for every assignment whose window
// closed since the previous run and invalidates its user's cache generation.
type AssignmentSweepJob struct {
	Source      ExpiredAssignmentSource
	Audit       shared.AuditRecorder
	Invalidator UserInvalidator
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics

	clock     func() time.Time
	mu        sync.Mutex
	watermark time.Time
}

// NewAssignmentSweepJob wires dependencies for the sweep handler.
func NewAssignmentSweepJob(source ExpiredAssignmentSource, audit shared.AuditRecorder, invalidator UserInvalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *AssignmentSweepJob {
	return &AssignmentSweepJob{
		Source:      source,
		Audit:       audit,
		Invalidator: invalidator,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes sweep tasks.
func (j *AssignmentSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("assignment sweep: handler not configured")
	}
	var payload AssignmentSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	lookback := defaultSweepLookback
	if payload.LookbackSeconds > 0 {
		lookback = time.Duration(payload.LookbackSeconds) * time.Second
	}

	tracker := j.metrics().Track(TaskAssignmentSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	// Serialise runs so the watermark only moves forward.
	j.mu.Lock()
	defer j.mu.Unlock()

	to := j.clock()
	from := j.watermark
	if from.IsZero() {
		from = to.Add(-lookback)
	}
	logger := j.logger().With(slog.Time("from", from), slog.Time("to", to))

	expired, err := j.Source.ExpiredBetween(ctx, from, to)
	if err != nil {
		resultErr = err
		logger.Error("load expired assignments", slog.Any("error", err))
		return resultErr
	}

	seen := make(map[int64]struct{})
	var users []int64
	for _, a := range expired {
		if j.Audit != nil {
			err := j.Audit.Record(ctx, shared.AuditLog{
				Action:   "assignment.expired",
				Entity:   "role_assignment",
				EntityID: strconv.FormatInt(a.ID, 10),
				Meta:     map[string]any{"user_id": a.UserID, "role_id": a.RoleID, "valid_until": a.ValidUntil},
			})
			if err != nil {
				logger.Warn("record expiry audit", slog.Int64("assignment_id", a.ID), slog.Any("error", err))
			}
		}
		if _, ok := seen[a.UserID]; !ok {
			seen[a.UserID] = struct{}{}
			users = append(users, a.UserID)
		}
	}

	invalidated := 0
	if j.Invalidator != nil && len(users) > 0 {
		if err := j.Invalidator.InvalidateUsers(ctx, users); err != nil {
			resultErr = err
			logger.Error("invalidate users", slog.Int("users", len(users)), slog.Any("error", err))
			return resultErr
		}
		invalidated = len(users)
	}
	j.metrics().AddInvalidations("expired", invalidated)
	j.watermark = to

	logger.Info("completed assignment sweep", slog.Int("expired", len(expired)), slog.Int("users", invalidated))
	return resultErr
}

func (j *AssignmentSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AssignmentSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
