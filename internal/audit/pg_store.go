package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinical-workflow/internal/db"
)

const auditCols = `id, actor_user_id, action, entity, entity_id, metadata, created_at`

type PGStore struct {
	pool db.Querier
}

func NewPGStore(pool db.Querier) *PGStore {
	return &PGStore{pool: pool}
}

// Append inserts e. Inside a transaction the insert runs in its own savepoint
// so a failed audit write leaves the caller's transaction usable.
func (s *PGStore) Append(ctx context.Context, e Event) error {
	return db.Savepoint(ctx, func(ctx context.Context) error {
		_, err := db.Conn(ctx, s.pool).Exec(ctx, `
			INSERT INTO audit_events (`+auditCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, e.ID, e.ActorUserID, e.Action, e.Entity, e.EntityID, []byte(e.Metadata), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func (s *PGStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := `SELECT ` + auditCols + ` FROM audit_events WHERE entity = $1 AND entity_id = $2`
	args := []any{f.Entity, f.EntityID}
	if f.After != nil {
		q += ` AND (created_at, id) < ($3, $4)`
		args = append(args, f.After.CreatedAt, f.After.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, f.Limit)

	rows, err := db.Conn(ctx, s.pool).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e    Event
		meta []byte
	)
	if err := row.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.Entity, &e.EntityID, &meta, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	e.Metadata = meta
	return e, nil
}
