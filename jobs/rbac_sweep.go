package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SweepJob reports assignments and overrides whose expiry has passed. Rows
// are never deleted: expired records contribute nothing to resolution but
// stay in place as audit evidence. The sweep only surfaces the counts.
type SweepJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
	clock  func() time.Time
}

// NewSweepJob wires dependencies for the sweep handler.
func NewSweepJob(pool *pgxpool.Pool, logger *slog.Logger) *SweepJob {
	return &SweepJob{
		Pool:   pool,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes rbac:sweep tasks.
func (j *SweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("rbac sweep: handler not configured")
	}
	now := j.clock()

	var expiredAssignments int64
	if err := j.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_assignments WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	).Scan(&expiredAssignments); err != nil {
		return err
	}

	var expiredOverrides int64
	if err := j.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM permission_overrides WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	).Scan(&expiredOverrides); err != nil {
		return err
	}

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("rbac expiry sweep",
		slog.Int64("expired_assignments", expiredAssignments),
		slog.Int64("expired_overrides", expiredOverrides))
	return nil
}
