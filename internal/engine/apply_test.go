package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"atelier/internal/cascade"
	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/metrics"
	"atelier/internal/migrate"
)

var (
	reviewer = auth.Actor{ID: "admin-1", Roles: []string{"admin"}}
	owner    = auth.Actor{ID: "vendor-1", Roles: []string{"vendor"}}
)

// raceFixture leaves product {d1, d2} submitted with AUTO_PUBLISH, d2
// validated and d1 marked validated without a cascade, so a decision computed
// now would publish it.
type raceFixture struct {
	e       Engine
	ctx     context.Context
	d1, d2  domain.Design
	product domain.VendorProduct
}

func newRaceFixture(t *testing.T) raceFixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := New(conn, config.Default(), zaptest.NewLogger(t))
	ctx := context.Background()

	d1, err := e.CreateDesign(ctx, owner, DesignCreateOptions{Title: "front"})
	require.NoError(t, err)
	d2, err := e.CreateDesign(ctx, owner, DesignCreateOptions{Title: "back"})
	require.NoError(t, err)
	_, err = e.ValidateDesign(ctx, reviewer, d2.ID)
	require.NoError(t, err)
	p, err := e.CreateProduct(ctx, owner, ProductCreateOptions{Name: "tee", DesignRefs: []string{d1.ID, d2.ID}, Action: domain.AutoPublish})
	require.NoError(t, err)
	p, err = e.SubmitProduct(ctx, owner, p.ID)
	require.NoError(t, err)
	d1, err = e.MarkValidated(ctx, reviewer, d1.ID)
	require.NoError(t, err)
	return raceFixture{e: e, ctx: ctx, d1: d1, d2: d2, product: p}
}

func (f raceFixture) statuses(t *testing.T) cascade.Statuses {
	t.Helper()
	s, err := f.e.statusesFor(f.ctx, nil, f.product)
	require.NoError(t, err)
	return s
}

func (f raceFixture) resubmitD2(t *testing.T) {
	t.Helper()
	res, err := f.e.ResubmitDesign(f.ctx, owner, f.d2.ID)
	require.NoError(t, err)
	require.Empty(t, res.Cascade.Affected, "unvalidated product has nothing to invalidate")
}

func (f raceFixture) assertUnpublished(t *testing.T) {
	t.Helper()
	got, err := f.e.GetProduct(f.ctx, f.product.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductPending, got.Status)
	assert.False(t, got.IsValidated)
	assert.Equal(t, f.product.Version, got.Version)
}

func TestCascadeApplyUsesDesignStatusesAtWriteTime(t *testing.T) {
	f := newRaceFixture(t)
	by := domain.AdminValidator(reviewer.ID)

	ts := cascade.Compute(f.d1, []domain.VendorProduct{f.product}, f.statuses(t), by)
	require.Len(t, ts, 1)
	require.Equal(t, cascade.KindPublish, ts[0].Kind)

	f.resubmitD2(t)

	res, err := f.e.applyTransition(f.ctx, ts[0], reviewer.ID, metrics.SourceDesign, designDecider(f.d1, by))
	require.NoError(t, err)
	assert.Nil(t, res)
	f.assertUnpublished(t)
}

func TestReconcileApplyUsesDesignStatusesAtWriteTime(t *testing.T) {
	f := newRaceFixture(t)

	tr, ok := reconcileDecider(f.product, f.statuses(t))
	require.True(t, ok)
	require.Equal(t, cascade.KindPublish, tr.Kind)

	f.resubmitD2(t)

	res, err := f.e.applyTransition(f.ctx, tr, domain.SystemValidator().Actor(), metrics.SourceReconcile, reconcileDecider)
	require.NoError(t, err)
	assert.Nil(t, res)
	f.assertUnpublished(t)

	report, err := f.e.ReconcileAll(f.ctx, auth.System())
	require.NoError(t, err)
	assert.Empty(t, report.Updated)
	f.assertUnpublished(t)
}

func TestCascadeApplyFollowsTriggeringDesignChange(t *testing.T) {
	f := newRaceFixture(t)
	by := domain.AdminValidator(reviewer.ID)
	ts := cascade.Compute(f.d1, []domain.VendorProduct{f.product}, f.statuses(t), by)
	require.Len(t, ts, 1)

	// d1 itself goes back to review before the publish lands
	_, err := f.e.ResubmitDesign(f.ctx, owner, f.d1.ID)
	require.NoError(t, err)

	res, err := f.e.applyTransition(f.ctx, ts[0], reviewer.ID, metrics.SourceDesign, designDecider(f.d1, by))
	require.NoError(t, err)
	assert.Nil(t, res)
	f.assertUnpublished(t)
}
