// Package audit persists the append-only record of every authorization
// mutation. Entries are written inside the mutating transaction and are never
// updated or deleted by any code path.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry represents a record stored in audit_entries.
type Entry struct {
	ID       uuid.UUID
	ActorID  int64
	TenantID *int64
	Action   string
	Entity   string
	EntityID string
	BeforeID *int64
	AfterID  *int64
	Meta     map[string]any
	At       time.Time
}

// Execer is satisfied by pgx transactions and pools, so the recorder can
// participate in the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Recorder writes entries into audit_entries.
type Recorder struct{}

// NewRecorder returns a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append persists the entry via the provided executor. A failed append must
// abort the surrounding transaction; the caller never swallows this error.
func (r *Recorder) Append(ctx context.Context, ex Execer, entry Entry) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit: entry requires action/entity/entity_id")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	var occurredAt *time.Time
	if !entry.At.IsZero() {
		occurredAt = &entry.At
	}
	_, err = ex.Exec(ctx, `
		INSERT INTO audit_entries (id, actor_id, tenant_id, action, entity, entity_id, before_id, after_id, meta, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))`,
		entry.ID, entry.ActorID, entry.TenantID, entry.Action, entry.Entity, entry.EntityID,
		entry.BeforeID, entry.AfterID, metaJSON, occurredAt,
	)
	return err
}
