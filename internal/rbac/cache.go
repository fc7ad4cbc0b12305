package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Cache defaults.
const (
	DefaultCacheTTL     = 15 * time.Minute
	DefaultCacheTimeout = 150 * time.Millisecond
)

const rolesVersionKey = "rbac:roles:version"

// Telemetry receives RBAC cache and decision signals. Implemented by
// observability.Metrics; a nil telemetry is a no-op.
type Telemetry interface {
	Decision(outcome string)
	CacheEvent(event string)
	ObserveResolve(d time.Duration)
}

// SnapshotCache is a read-through cache for resolved permission snapshots,
// keyed by (user, tenant) under a global roles version. Role-permission
// changes bump the version, invalidating every derived snapshot at once;
// per-user mutations delete the single affected key.
//
// Every backend failure degrades to a direct resolver call: a broken cache
// is a performance problem, never an authorization decision. All backend
// calls run under a short timeout so a degraded backend adds bounded delay.
type SnapshotCache struct {
	client    *redis.Client
	ttl       time.Duration
	timeout   time.Duration
	logger    *slog.Logger
	telemetry Telemetry
	group     singleflight.Group
}

// NewSnapshotCache builds the cache. A nil client disables caching entirely;
// Fetch then always resolves directly.
func NewSnapshotCache(client *redis.Client, ttl, timeout time.Duration, logger *slog.Logger, telemetry Telemetry) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if timeout <= 0 {
		timeout = DefaultCacheTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotCache{client: client, ttl: ttl, timeout: timeout, logger: logger, telemetry: telemetry}
}

// Fetch returns the cached snapshot for the actor, resolving and storing it
// on miss. Concurrent misses for the same key share one resolve.
func (c *SnapshotCache) Fetch(ctx context.Context, actor ActorContext, resolve func(context.Context) (Snapshot, error)) (Snapshot, error) {
	if c == nil || c.client == nil {
		return resolve(ctx)
	}

	key, err := c.snapshotKey(ctx, actor.UserID, actor.TenantID)
	if err != nil {
		c.degraded("version lookup", err)
		return resolve(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	payload, err := c.client.Get(cctx, key).Bytes()
	cancel()
	if err == nil {
		var snapshot Snapshot
		if jsonErr := json.Unmarshal(payload, &snapshot); jsonErr == nil {
			c.event("hit")
			return snapshot, nil
		}
		// Corrupt payload is treated as a miss and overwritten below.
	} else if err != redis.Nil {
		c.degraded("get", err)
		return resolve(ctx)
	}

	c.event("miss")
	result := c.group.DoChan(key, func() (interface{}, error) {
		snapshot, err := resolve(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		c.store(ctx, key, snapshot)
		return snapshot, nil
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

// Invalidate removes the snapshot for one (user, tenant) pair. Failures are
// logged and swallowed: the mutation already committed, and the stale entry
// self-heals once its TTL elapses.
func (c *SnapshotCache) Invalidate(ctx context.Context, userID int64, tenantID *int64) {
	if c == nil || c.client == nil {
		return
	}
	key, err := c.snapshotKey(ctx, userID, tenantID)
	if err != nil {
		c.degraded("invalidate version", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Del(cctx, key).Err(); err != nil {
		c.degraded("invalidate", err)
		return
	}
	c.event("invalidate")
}

// BumpRolesVersion invalidates every cached snapshot after a role-permission
// change by moving the global version forward.
func (c *SnapshotCache) BumpRolesVersion(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Incr(cctx, rolesVersionKey).Err(); err != nil {
		c.degraded("bump version", err)
		return
	}
	c.event("bump")
}

func (c *SnapshotCache) snapshotKey(ctx context.Context, userID int64, tenantID *int64) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ver, err := c.version(cctx)
	if err != nil {
		return "", err
	}
	tenant := "global"
	if tenantID != nil {
		tenant = strconv.FormatInt(*tenantID, 10)
	}
	return strings.Join([]string{
		"rbac", "snapshot",
		"v" + strconv.FormatInt(ver, 10),
		strconv.FormatInt(userID, 10),
		tenant,
	}, ":"), nil
}

func (c *SnapshotCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, rolesVersionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, rolesVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *SnapshotCache) store(ctx context.Context, key string, snapshot Snapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Warn("rbac cache marshal", slog.Any("error", err))
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(cctx, key, raw, c.ttl).Err(); err != nil {
		c.degraded("set", err)
	}
}

// degraded classifies a backend failure under ErrCacheUnavailable and logs
// it. The error stops here; callers see a store-backed result instead.
func (c *SnapshotCache) degraded(op string, err error) {
	if !errors.Is(err, ErrCacheUnavailable) {
		err = fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	c.logger.Warn("rbac cache degraded, falling back to store",
		slog.String("op", op), slog.Any("error", err))
	c.event("error")
}

func (c *SnapshotCache) event(name string) {
	if c.telemetry != nil {
		c.telemetry.CacheEvent(name)
	}
}
