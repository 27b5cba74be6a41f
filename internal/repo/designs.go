package repo

import (
	"context"
	"database/sql"
	"errors"

	"atelier/internal/domain"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

const designColumns = "id, vendor_id, title, asset_ref, status, validated_at, validator_kind, validator_id, rejection_reason, version, created_at, updated_at"

type designRow struct {
	ID              string         `db:"id"`
	VendorID        string         `db:"vendor_id"`
	Title           string         `db:"title"`
	AssetRef        sql.NullString `db:"asset_ref"`
	Status          string         `db:"status"`
	ValidatedAt     sql.NullString `db:"validated_at"`
	ValidatorKind   sql.NullString `db:"validator_kind"`
	ValidatorID     sql.NullString `db:"validator_id"`
	RejectionReason sql.NullString `db:"rejection_reason"`
	Version         int64          `db:"version"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func (row designRow) design() domain.Design {
	return domain.Design{
		ID:              row.ID,
		VendorID:        row.VendorID,
		Title:           row.Title,
		AssetRef:        row.AssetRef.String,
		Status:          domain.DesignStatus(row.Status),
		ValidatedAt:     ptr(row.ValidatedAt),
		ValidatedBy:     validatorFromColumns(row.ValidatorKind, row.ValidatorID),
		RejectionReason: row.RejectionReason.String,
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
}

// Cursor is a keyset position in a created_at, id ordering.
type Cursor struct {
	CreatedAt string
	ID        string
}

type DesignFilters struct {
	VendorID string
	Status   domain.DesignStatus
	Limit    int
	After    *Cursor
}

func (r Repo) InsertDesign(ctx context.Context, tx *sqlx.Tx, d domain.Design) error {
	if d.Version == 0 {
		d.Version = 1
	}
	kind, id := validatorColumns(d.ValidatedBy)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO designs(`+designColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.VendorID, d.Title, nullable(d.AssetRef), string(d.Status), nullablePtr(d.ValidatedAt),
		kind, id, nullable(d.RejectionReason), d.Version, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDesign(ctx context.Context, id string) (domain.Design, error) {
	return r.getDesign(ctx, r.DB, id)
}

func (r Repo) GetDesignTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Design, error) {
	return r.getDesign(ctx, tx, id)
}

func (r Repo) getDesign(ctx context.Context, q queryer, id string) (domain.Design, error) {
	var row designRow
	err := q.GetContext(ctx, &row, `SELECT `+designColumns+` FROM designs WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Design{}, ErrNotFound
	}
	if err != nil {
		return domain.Design{}, err
	}
	return row.design(), nil
}

// UpdateDesign writes d if the stored row still has d.Version and one of the
// from statuses. The stored version is bumped; ErrStale is returned when the
// guard matches nothing.
func (r Repo) UpdateDesign(ctx context.Context, tx *sqlx.Tx, d domain.Design, from ...domain.DesignStatus) error {
	kind, vid := validatorColumns(d.ValidatedBy)
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("designs").Set(
		ub.Assign("title", d.Title),
		ub.Assign("asset_ref", nullable(d.AssetRef)),
		ub.Assign("status", string(d.Status)),
		ub.Assign("validated_at", nullablePtr(d.ValidatedAt)),
		ub.Assign("validator_kind", kind),
		ub.Assign("validator_id", vid),
		ub.Assign("rejection_reason", nullable(d.RejectionReason)),
		ub.Assign("updated_at", d.UpdatedAt),
		ub.Incr("version"),
	)
	ub.Where(ub.Equal("id", d.ID), ub.Equal("version", d.Version))
	if len(from) > 0 {
		ub.Where(ub.In("status", toArgs(from)...))
	}
	query, args := ub.Build()
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) ListDesigns(ctx context.Context, f DesignFilters) ([]domain.Design, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(designColumns).From("designs")
	if f.VendorID != "" {
		sb.Where(sb.Equal("vendor_id", f.VendorID))
	}
	if f.Status != "" {
		sb.Where(sb.Equal("status", string(f.Status)))
	}
	if f.After != nil {
		sb.Where(afterCursor(sb, *f.After))
	}
	sb.OrderBy("created_at", "id").Asc()
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}
	query, args := sb.Build()
	var rows []designRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Design, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.design())
	}
	return out, nil
}

// DesignStatuses returns the current status of each known id. Unknown ids are
// absent from the map.
func (r Repo) DesignStatuses(ctx context.Context, ids []string) (map[string]domain.DesignStatus, error) {
	return r.designStatuses(ctx, r.DB, ids)
}

func (r Repo) DesignStatusesTx(ctx context.Context, tx *sqlx.Tx, ids []string) (map[string]domain.DesignStatus, error) {
	return r.designStatuses(ctx, tx, ids)
}

func (r Repo) designStatuses(ctx context.Context, q queryer, ids []string) (map[string]domain.DesignStatus, error) {
	out := make(map[string]domain.DesignStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "status").From("designs").Where(sb.In("id", toArgs(ids)...))
	query, args := sb.Build()
	var rows []struct {
		ID     string `db:"id"`
		Status string `db:"status"`
	}
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = domain.DesignStatus(row.Status)
	}
	return out, nil
}

// DesignOwners returns the vendor of each known id.
func (r Repo) DesignOwners(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "vendor_id").From("designs").Where(sb.In("id", toArgs(ids)...))
	query, args := sb.Build()
	var rows []struct {
		ID       string `db:"id"`
		VendorID string `db:"vendor_id"`
	}
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = row.VendorID
	}
	return out, nil
}

func afterCursor(sb *sqlbuilder.SelectBuilder, c Cursor) string {
	return sb.Or(
		sb.GreaterThan("created_at", c.CreatedAt),
		sb.And(sb.Equal("created_at", c.CreatedAt), sb.GreaterThan("id", c.ID)),
	)
}
