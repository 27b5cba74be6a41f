package repo

import (
	"context"
	"database/sql"

	"atelier/internal/domain"

	"github.com/huandu/go-sqlbuilder"
)

type eventRow struct {
	ID         int64          `db:"id"`
	TS         string         `db:"ts"`
	Type       string         `db:"type"`
	EntityKind string         `db:"entity_kind"`
	EntityID   sql.NullString `db:"entity_id"`
	ActorID    string         `db:"actor_id"`
	Payload    sql.NullString `db:"payload_json"`
}

func (row eventRow) event() domain.Event {
	return domain.Event{
		ID:         row.ID,
		TS:         row.TS,
		Type:       row.Type,
		EntityKind: row.EntityKind,
		EntityID:   row.EntityID.String,
		ActorID:    row.ActorID,
		Payload:    row.Payload.String,
	}
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Before returns only events with a smaller id, for paging backwards.
	Before int64
	Limit  int
}

// LatestEvents returns matching events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").From("events")
	if f.Type != "" {
		sb.Where(sb.Equal("type", f.Type))
	}
	if f.EntityKind != "" {
		sb.Where(sb.Equal("entity_kind", f.EntityKind))
	}
	if f.EntityID != "" {
		sb.Where(sb.Equal("entity_id", f.EntityID))
	}
	if f.Before > 0 {
		sb.Where(sb.LessThan("id", f.Before))
	}
	sb.OrderBy("id").Desc().Limit(f.Limit)
	return r.selectEvents(ctx, sb)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").From("events")
	if cursor > 0 {
		sb.Where(sb.GreaterThan("id", cursor))
	}
	sb.OrderBy("id").Asc().Limit(limit)
	return r.selectEvents(ctx, sb)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.GetContext(ctx, &id, `SELECT COALESCE(MAX(id),0) FROM events`); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) selectEvents(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]domain.Event, error) {
	query, args := sb.Build()
	var rows []eventRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	res := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.event())
	}
	return res, nil
}
