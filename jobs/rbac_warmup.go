package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TheNyokabi/MoranIP-sub003/internal/rbac"
)

const defaultWarmupLimit = 500

// WarmupJob pre-populates permission snapshots for principals with active
// assignments, so the first request after a cache flush or deploy does not
// pay the resolution cost.
type WarmupJob struct {
	Service *rbac.Service
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	clock   func() time.Time
}

// NewWarmupJob wires dependencies for the warmup handler.
func NewWarmupJob(service *rbac.Service, pool *pgxpool.Pool, logger *slog.Logger) *WarmupJob {
	return &WarmupJob{
		Service: service,
		Pool:    pool,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes rbac:warmup tasks.
func (j *WarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil || j.Pool == nil {
		return errors.New("rbac warmup: handler not configured")
	}
	var payload WarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultWarmupLimit
	}

	const query = `
		SELECT DISTINCT user_id, tenant_id
		FROM role_assignments
		WHERE is_active AND (expires_at IS NULL OR expires_at > $1)
		LIMIT $2`
	rows, err := j.Pool.Query(ctx, query, j.clock(), payload.Limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	type principal struct {
		userID   int64
		tenantID *int64
	}
	var principals []principal
	for rows.Next() {
		var p principal
		if err := rows.Scan(&p.userID, &p.tenantID); err != nil {
			return err
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	warmed := 0
	for _, p := range principals {
		if err := j.Service.Warm(ctx, p.userID, p.tenantID); err != nil {
			j.logger().Warn("rbac warmup skip principal",
				slog.Int64("user_id", p.userID), slog.Any("error", err))
			continue
		}
		warmed++
	}
	j.logger().Info("rbac warmup complete",
		slog.Int("principals", len(principals)), slog.Int("warmed", warmed))
	return nil
}

func (j *WarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
