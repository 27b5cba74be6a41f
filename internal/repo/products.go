package repo

import (
	"context"
	"database/sql"
	"errors"

	"atelier/internal/domain"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

const productColumns = "id, vendor_id, name, status, is_validated, post_validation_action, validated_at, validator_kind, validator_id, published_at, rejection_reason, version, created_at, updated_at"

type productRow struct {
	ID                   string         `db:"id"`
	VendorID             string         `db:"vendor_id"`
	Name                 string         `db:"name"`
	Status               string         `db:"status"`
	IsValidated          bool           `db:"is_validated"`
	PostValidationAction string         `db:"post_validation_action"`
	ValidatedAt          sql.NullString `db:"validated_at"`
	ValidatorKind        sql.NullString `db:"validator_kind"`
	ValidatorID          sql.NullString `db:"validator_id"`
	PublishedAt          sql.NullString `db:"published_at"`
	RejectionReason      sql.NullString `db:"rejection_reason"`
	Version              int64          `db:"version"`
	CreatedAt            string         `db:"created_at"`
	UpdatedAt            string         `db:"updated_at"`
}

func (row productRow) product() domain.VendorProduct {
	return domain.VendorProduct{
		ID:                   row.ID,
		VendorID:             row.VendorID,
		Name:                 row.Name,
		Status:               domain.ProductStatus(row.Status),
		IsValidated:          row.IsValidated,
		PostValidationAction: domain.PostValidationAction(row.PostValidationAction),
		ValidatedAt:          ptr(row.ValidatedAt),
		ValidatedBy:          validatorFromColumns(row.ValidatorKind, row.ValidatorID),
		PublishedAt:          ptr(row.PublishedAt),
		RejectionReason:      row.RejectionReason.String,
		Version:              row.Version,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

type ProductFilters struct {
	VendorID string
	Status   domain.ProductStatus
	// Validated filters on is_validated when set.
	Validated *bool
	// DesignID keeps products referencing the design.
	DesignID string
	// Unpublished excludes PUBLISHED products.
	Unpublished bool
	Limit       int
	After       *Cursor
}

// InsertProduct stores p and its design refs in ref order.
func (r Repo) InsertProduct(ctx context.Context, tx *sqlx.Tx, p domain.VendorProduct) error {
	if len(p.DesignRefs) == 0 {
		return errors.New("design refs required")
	}
	if p.Version == 0 {
		p.Version = 1
	}
	kind, vid := validatorColumns(p.ValidatedBy)
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO products(`+productColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.VendorID, p.Name, string(p.Status), p.IsValidated, string(p.PostValidationAction),
		nullablePtr(p.ValidatedAt), kind, vid, nullablePtr(p.PublishedAt), nullable(p.RejectionReason),
		p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto("product_designs").Cols("product_id", "design_id", "position")
	for i, ref := range p.DesignRefs {
		ib.Values(p.ID, ref, i)
	}
	query, args := ib.Build()
	_, err = q.ExecContext(ctx, query, args...)
	return err
}

func (r Repo) GetProduct(ctx context.Context, id string) (domain.VendorProduct, error) {
	return r.getProduct(ctx, r.DB, id)
}

func (r Repo) GetProductTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.VendorProduct, error) {
	return r.getProduct(ctx, tx, id)
}

func (r Repo) getProduct(ctx context.Context, q queryer, id string) (domain.VendorProduct, error) {
	var row productRow
	err := q.GetContext(ctx, &row, `SELECT `+productColumns+` FROM products WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VendorProduct{}, ErrNotFound
	}
	if err != nil {
		return domain.VendorProduct{}, err
	}
	p := row.product()
	refs, err := loadRefs(ctx, q, []string{id})
	if err != nil {
		return domain.VendorProduct{}, err
	}
	p.DesignRefs = refs[id]
	return p, nil
}

// UpdateProduct writes p if the stored row still has p.Version. Design refs
// are immutable and not rewritten.
func (r Repo) UpdateProduct(ctx context.Context, tx *sqlx.Tx, p domain.VendorProduct) error {
	kind, vid := validatorColumns(p.ValidatedBy)
	ub := sqlbuilder.SQLite.NewUpdateBuilder()
	ub.Update("products").Set(
		ub.Assign("name", p.Name),
		ub.Assign("status", string(p.Status)),
		ub.Assign("is_validated", p.IsValidated),
		ub.Assign("post_validation_action", string(p.PostValidationAction)),
		ub.Assign("validated_at", nullablePtr(p.ValidatedAt)),
		ub.Assign("validator_kind", kind),
		ub.Assign("validator_id", vid),
		ub.Assign("published_at", nullablePtr(p.PublishedAt)),
		ub.Assign("rejection_reason", nullable(p.RejectionReason)),
		ub.Assign("updated_at", p.UpdatedAt),
		ub.Incr("version"),
	)
	ub.Where(ub.Equal("id", p.ID), ub.Equal("version", p.Version))
	query, args := ub.Build()
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (r Repo) ListProducts(ctx context.Context, f ProductFilters) ([]domain.VendorProduct, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select(productColumns).From("products")
	if f.VendorID != "" {
		sb.Where(sb.Equal("vendor_id", f.VendorID))
	}
	if f.Status != "" {
		sb.Where(sb.Equal("status", string(f.Status)))
	}
	if f.Validated != nil {
		sb.Where(sb.Equal("is_validated", *f.Validated))
	}
	if f.Unpublished {
		sb.Where(sb.NotEqual("status", string(domain.ProductPublished)))
	}
	if f.DesignID != "" {
		sub := sqlbuilder.SQLite.NewSelectBuilder()
		sub.Select("product_id").From("product_designs").Where(sub.Equal("design_id", f.DesignID))
		sb.Where(sb.In("id", sub))
	}
	if f.After != nil {
		sb.Where(afterCursor(sb, *f.After))
	}
	sb.OrderBy("created_at", "id").Asc()
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}
	query, args := sb.Build()
	var rows []productRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.VendorProduct{}, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	refs, err := loadRefs(ctx, r.DB, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.VendorProduct, 0, len(rows))
	for _, row := range rows {
		p := row.product()
		p.DesignRefs = refs[p.ID]
		out = append(out, p)
	}
	return out, nil
}

// ListProductsByDesign returns every product referencing designID.
func (r Repo) ListProductsByDesign(ctx context.Context, designID string) ([]domain.VendorProduct, error) {
	return r.ListProducts(ctx, ProductFilters{DesignID: designID})
}

// ListUnpublished returns every product that has not been published, the
// reconciler's working set.
func (r Repo) ListUnpublished(ctx context.Context) ([]domain.VendorProduct, error) {
	return r.ListProducts(ctx, ProductFilters{Unpublished: true})
}

// CountPublishedDependents counts PUBLISHED products referencing designID.
func (r Repo) CountPublishedDependents(ctx context.Context, tx *sqlx.Tx, designID string) (int, error) {
	var n int
	err := r.q(tx).GetContext(ctx, &n, `SELECT COUNT(*) FROM products p JOIN product_designs pd ON pd.product_id = p.id
		WHERE pd.design_id = ? AND p.status = ?`, designID, string(domain.ProductPublished))
	return n, err
}

func (r Repo) ValidationStats(ctx context.Context) (domain.ValidationStats, error) {
	var row struct {
		Auto      sql.NullInt64 `db:"auto_validated"`
		Manual    sql.NullInt64 `db:"manually_validated"`
		Pending   sql.NullInt64 `db:"pending_validation"`
		Awaiting  sql.NullInt64 `db:"awaiting_publish"`
		Published sql.NullInt64 `db:"published"`
		Total     int           `db:"total"`
	}
	err := r.DB.GetContext(ctx, &row, `SELECT
		SUM(CASE WHEN is_validated = 1 AND validator_kind = 'system' THEN 1 ELSE 0 END) AS auto_validated,
		SUM(CASE WHEN is_validated = 1 AND validator_kind = 'admin' THEN 1 ELSE 0 END) AS manually_validated,
		SUM(CASE WHEN status = 'PENDING' AND is_validated = 0 THEN 1 ELSE 0 END) AS pending_validation,
		SUM(CASE WHEN status = 'DRAFT' AND is_validated = 1 THEN 1 ELSE 0 END) AS awaiting_publish,
		SUM(CASE WHEN status = 'PUBLISHED' THEN 1 ELSE 0 END) AS published,
		COUNT(*) AS total
		FROM products`)
	if err != nil {
		return domain.ValidationStats{}, err
	}
	return domain.ValidationStats{
		AutoValidated:     int(row.Auto.Int64),
		ManuallyValidated: int(row.Manual.Int64),
		PendingValidation: int(row.Pending.Int64),
		AwaitingPublish:   int(row.Awaiting.Int64),
		Published:         int(row.Published.Int64),
		Total:             row.Total,
	}, nil
}

func loadRefs(ctx context.Context, q queryer, productIDs []string) (map[string][]string, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("product_id", "design_id").From("product_designs").
		Where(sb.In("product_id", toArgs(productIDs)...))
	sb.OrderBy("product_id", "position").Asc()
	query, args := sb.Build()
	var rows []struct {
		ProductID string `db:"product_id"`
		DesignID  string `db:"design_id"`
	}
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(productIDs))
	for _, row := range rows {
		out[row.ProductID] = append(out[row.ProductID], row.DesignID)
	}
	return out, nil
}
