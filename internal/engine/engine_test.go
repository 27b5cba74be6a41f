package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/migrate"
	"atelier/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	admin  = auth.Actor{ID: "admin-1", Roles: []string{"admin"}}
	vendor = auth.Actor{ID: "vendor-1", Roles: []string{"vendor"}}
	rival  = auth.Actor{ID: "vendor-2", Roles: []string{"vendor"}}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng := engine.New(conn, config.Default(), zaptest.NewLogger(t))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) design(t *testing.T, title string) domain.Design {
	t.Helper()
	d, err := env.Engine.CreateDesign(env.Ctx, vendor, engine.DesignCreateOptions{Title: title, AssetRef: "s3://assets/" + title})
	require.NoError(t, err, "create design %s", title)
	return d
}

func (env testEnv) product(t *testing.T, action domain.PostValidationAction, refs ...string) domain.VendorProduct {
	t.Helper()
	p, err := env.Engine.CreateProduct(env.Ctx, vendor, engine.ProductCreateOptions{Name: "tee", DesignRefs: refs, Action: action})
	require.NoError(t, err, "create product")
	return p
}

func (env testEnv) submitted(t *testing.T, action domain.PostValidationAction, refs ...string) domain.VendorProduct {
	t.Helper()
	p := env.product(t, action, refs...)
	p, err := env.Engine.SubmitProduct(env.Ctx, vendor, p.ID)
	require.NoError(t, err, "submit product")
	return p
}

func (env testEnv) get(t *testing.T, id string) domain.VendorProduct {
	t.Helper()
	p, err := env.Engine.GetProduct(env.Ctx, id)
	require.NoError(t, err)
	return p
}

func TestFanInAutoPublish(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	d2 := env.design(t, "d2")
	p := env.submitted(t, domain.AutoPublish, d1.ID, d2.ID)
	require.Equal(t, domain.ProductPending, p.Status)

	res, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cascade.Count())
	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductPending, got.Status)
	assert.False(t, got.IsValidated)

	res, err = env.Engine.ValidateDesign(env.Ctx, admin, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)
	got = env.get(t, p.ID)
	assert.Equal(t, domain.ProductPublished, got.Status)
	assert.True(t, got.IsValidated)
	require.NotNil(t, got.ValidatedBy)
	assert.Equal(t, domain.AdminValidator("admin-1"), *got.ValidatedBy)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, "2024-01-01T00:00:00Z", *got.PublishedAt)
}

func TestToDraftThenManualPublish(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.ToDraft, d1.ID)

	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.True(t, got.IsValidated)
	assert.Equal(t, engine.Eligibility{CanPublish: true, CanModifyAction: false}, engine.EligibilityOf(got))

	_, err = env.Engine.SetPostValidationAction(env.Ctx, vendor, p.ID, domain.AutoPublish)
	assert.ErrorIs(t, err, engine.ErrLocked)

	_, err = env.Engine.PublishProduct(env.Ctx, rival, p.ID)
	var fe *engine.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	got, err = env.Engine.PublishProduct(env.Ctx, vendor, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductPublished, got.Status)

	_, err = env.Engine.PublishProduct(env.Ctx, vendor, p.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadyPublished)
	assert.True(t, engine.IsBenign(err))
}

func TestPublishNotEligibleListsDesigns(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	d2 := env.design(t, "d2")
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	p := env.product(t, domain.ToDraft, d1.ID, d2.ID)

	_, err = env.Engine.PublishProduct(env.Ctx, vendor, p.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonNotEligible, te.Reason)
	assert.Equal(t, []string{d2.ID}, te.Unvalidated)

	_, err = env.Engine.PublishProduct(env.Ctx, vendor, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRejectionResetsPendingProducts(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	d2 := env.design(t, "d2")
	p := env.submitted(t, domain.AutoPublish, d1.ID, d2.ID)
	draft := env.product(t, domain.AutoPublish, d1.ID)

	_, err := env.Engine.RejectDesign(env.Ctx, admin, d1.ID, "   ")
	var ie *engine.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "invalid_reason", ie.Code)

	res, err := env.Engine.RejectDesign(env.Ctx, admin, d1.ID, "low resolution")
	require.NoError(t, err)
	assert.Equal(t, domain.DesignRejected, res.Design.Status)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)

	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.False(t, got.IsValidated)
	assert.Equal(t, domain.AutoPublish, got.PostValidationAction)
	assert.Equal(t, "low resolution", got.RejectionReason)
	assert.Equal(t, draft.Version, env.get(t, draft.ID).Version, "drafts are left alone")

	_, err = env.Engine.RejectDesign(env.Ctx, admin, d1.ID, "again")
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonAlreadyRejected, te.Reason)

	// a rejected design may still be validated
	res, err = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DesignValidated, res.Design.Status)
	assert.Empty(t, res.Design.RejectionReason)
}

func TestReconcileCatchesMissedCascade(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.AutoPublish, d1.ID)

	// validation recorded without its cascade
	_, err := env.Engine.MarkValidated(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	assert.False(t, env.get(t, p.ID).IsValidated)

	report, err := env.Engine.ReconcileAll(env.Ctx, admin)
	require.NoError(t, err)
	require.Len(t, report.Updated, 1)
	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductPublished, got.Status)
	require.NotNil(t, got.ValidatedBy)
	assert.True(t, got.ValidatedBy.IsSystem())

	report, err = env.Engine.ReconcileAll(env.Ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, report.Updated, "second run converges")

	stats, err := env.Engine.Stats(env.Ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.ValidationStats{AutoValidated: 1, Published: 1, Total: 1}, stats)
}

func TestReconcileRepairsStaleValidation(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	p := env.product(t, domain.ToDraft, d1.ID)
	require.True(t, p.IsValidated)

	// put the design back to pending behind the cascade's back
	d, err := env.Engine.Repo.GetDesign(env.Ctx, d1.ID)
	require.NoError(t, err)
	d.Status = domain.DesignPending
	d.ValidatedAt, d.ValidatedBy = nil, nil
	tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpdateDesign(env.Ctx, tx, d))
	require.NoError(t, tx.Commit())

	report, err := env.Engine.ReconcileAll(env.Ctx, admin)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "invalidate", string(report.Outcomes[0].Kind))
	assert.False(t, env.get(t, p.ID).IsValidated)
}

func TestReconcileProduct(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.ToDraft, d1.ID)

	_, err := env.Engine.ReconcileProduct(env.Ctx, admin, p.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonNotEligible, te.Reason)
	assert.Equal(t, []string{d1.ID}, te.Unvalidated)

	_, err = env.Engine.ReconcileProduct(env.Ctx, admin, "nope")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.ReconcileProduct(env.Ctx, vendor, p.ID)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.MarkValidated(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	got, err := env.Engine.ReconcileProduct(env.Ctx, admin, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsValidated)
	assert.Equal(t, domain.ProductDraft, got.Status)

	// already validated: returned unchanged
	again, err := env.Engine.ReconcileProduct(env.Ctx, admin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestValidateErrors(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")

	_, err := env.Engine.ValidateDesign(env.Ctx, admin, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = env.Engine.ValidateDesign(env.Ctx, vendor, d1.ID)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, config.PermDesignReview, fe.Permission)

	_, err = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	_, err = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadyValidated)
	assert.True(t, engine.IsBenign(err))

	_, err = env.Engine.RejectDesign(env.Ctx, admin, d1.ID, "too late")
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonNotPending, te.Reason)
}

func TestConcurrentValidateHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrAlreadyValidated)
	}
	assert.Equal(t, 1, ok)
}

func TestResubmitInvalidatesDependents(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.ToDraft, d1.ID)
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	require.True(t, env.get(t, p.ID).IsValidated)

	_, err = env.Engine.ResubmitDesign(env.Ctx, rival, d1.ID)
	var fe *engine.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	res, err := env.Engine.ResubmitDesign(env.Ctx, vendor, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DesignPending, res.Design.Status)
	assert.Nil(t, res.Design.ValidatedBy)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)

	got := env.get(t, p.ID)
	assert.False(t, got.IsValidated)
	assert.Nil(t, got.ValidatedAt)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.True(t, engine.EligibilityOf(got).CanModifyAction)

	_, err = env.Engine.ResubmitDesign(env.Ctx, vendor, d1.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonAlreadyPending, te.Reason)
}

func TestResubmitRefusedWithPublishedDependents(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.AutoPublish, d1.ID)
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProductPublished, env.get(t, p.ID).Status)

	_, err = env.Engine.ResubmitDesign(env.Ctx, vendor, d1.ID)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engine.ReasonHasPublishedDependents, te.Reason)
}

func TestCreateProductRules(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")

	_, err := env.Engine.CreateProduct(env.Ctx, vendor, engine.ProductCreateOptions{Name: "tee"})
	var ie *engine.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "design_refs", ie.Field)

	_, err = env.Engine.CreateProduct(env.Ctx, vendor, engine.ProductCreateOptions{Name: "tee", DesignRefs: []string{"ghost"}})
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "unknown_design", ie.Code)

	_, err = env.Engine.CreateProduct(env.Ctx, rival, engine.ProductCreateOptions{Name: "tee", DesignRefs: []string{d1.ID}})
	var fe *engine.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.CreateProduct(env.Ctx, vendor, engine.ProductCreateOptions{Name: "tee", DesignRefs: []string{d1.ID}, Action: "LATER"})
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "invalid_action", ie.Code)

	p := env.product(t, "", d1.ID, d1.ID)
	assert.Equal(t, []string{d1.ID}, p.DesignRefs)
	assert.Equal(t, domain.ToDraft, p.PostValidationAction)
	assert.Equal(t, domain.ProductDraft, p.Status)
}

func TestAutoPublishWithoutSubmit(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	d2 := env.design(t, "d2")
	p := env.product(t, domain.AutoPublish, d1.ID, d2.ID)
	require.Equal(t, domain.ProductDraft, p.Status)

	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.False(t, got.IsValidated)

	res, err := env.Engine.ValidateDesign(env.Ctx, admin, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)
	got = env.get(t, p.ID)
	assert.Equal(t, domain.ProductPublished, got.Status)
	assert.True(t, got.IsValidated)
	require.NotNil(t, got.ValidatedBy)
	assert.Equal(t, "admin-1", got.ValidatedBy.ID)
}

func TestAutoPublishAfterRejectionReset(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.AutoPublish, d1.ID)

	_, err := env.Engine.RejectDesign(env.Ctx, admin, d1.ID, "blurry")
	require.NoError(t, err)
	require.Equal(t, domain.ProductDraft, env.get(t, p.ID).Status)

	_, err = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	got := env.get(t, p.ID)
	assert.Equal(t, domain.ProductPublished, got.Status)
	assert.Empty(t, got.RejectionReason)
}

func TestValidatedDraftSubmitAppliesPolicy(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)

	auto := env.product(t, domain.AutoPublish, d1.ID)
	require.True(t, auto.IsValidated, "derived at creation")
	assert.Equal(t, domain.ProductPublished, auto.Status, "policy applied at creation")
	require.NotNil(t, auto.PublishedAt)
	assert.Equal(t, domain.ProductPublished, env.get(t, auto.ID).Status)

	_, err = env.Engine.SubmitProduct(env.Ctx, vendor, auto.ID)
	assert.ErrorIs(t, err, engine.ErrAlreadyPublished)

	draft := env.product(t, domain.ToDraft, d1.ID)
	assert.Equal(t, domain.ProductDraft, draft.Status)
	got, err := env.Engine.SubmitProduct(env.Ctx, vendor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.Equal(t, draft.Version, got.Version, "no-op")
}

func TestSetPostValidationAction(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.ToDraft, d1.ID)

	got, err := env.Engine.SetPostValidationAction(env.Ctx, vendor, p.ID, domain.AutoPublish)
	require.NoError(t, err)
	assert.Equal(t, domain.AutoPublish, got.PostValidationAction)

	_, err = env.Engine.SetPostValidationAction(env.Ctx, rival, p.ID, domain.ToDraft)
	var fe *engine.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.SetPostValidationAction(env.Ctx, vendor, "missing", domain.ToDraft)
	assert.ErrorIs(t, err, engine.ErrNotFound)

	// the policy change is honored by the cascade
	_, err = env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProductPublished, env.get(t, p.ID).Status)

	_, err = env.Engine.SetPostValidationAction(env.Ctx, vendor, p.ID, domain.ToDraft)
	assert.ErrorIs(t, err, engine.ErrLocked)
}

func TestConcurrentReconcileUpdatesEachProductOnce(t *testing.T) {
	env := newTestEnv(t)
	const products = 6
	var ids []string
	for i := 0; i < products; i++ {
		d := env.design(t, fmt.Sprintf("d%d", i))
		ids = append(ids, env.submitted(t, domain.AutoPublish, d.ID).ID)
		_, err := env.Engine.MarkValidated(env.Ctx, admin, d.ID)
		require.NoError(t, err)
	}

	const runners = 3
	reports := make([]engine.ReconcileReport, runners)
	errs := make([]error, runners)
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = env.Engine.ReconcileAll(env.Ctx, auth.System())
		}(i)
	}
	wg.Wait()
	total := 0
	for i := range reports {
		require.NoError(t, errs[i])
		assert.Empty(t, reports[i].Failures)
		total += len(reports[i].Updated)
	}
	assert.Equal(t, products, total)
	for _, id := range ids {
		assert.Equal(t, domain.ProductPublished, env.get(t, id).Status)
	}
}

func TestEventsWrittenWithDecisions(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.design(t, "d1")
	p := env.submitted(t, domain.AutoPublish, d1.ID)
	_, err := env.Engine.ValidateDesign(env.Ctx, admin, d1.ID)
	require.NoError(t, err)

	evts, err := env.Engine.ListEvents(env.Ctx, admin, repo.EventFilters{Type: events.DesignValidated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, d1.ID, evts[0].EntityID)
	assert.Equal(t, "admin-1", evts[0].ActorID)

	evts, err = env.Engine.ListEvents(env.Ctx, admin, repo.EventFilters{EntityKind: "product", EntityID: p.ID})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.Equal(t, events.ProductPublished, evts[0].Type)
	assert.Equal(t, events.ProductSubmitted, evts[1].Type)
	assert.Equal(t, events.ProductCreated, evts[2].Type)

	_, err = env.Engine.ListEvents(env.Ctx, vendor, repo.EventFilters{})
	assert.True(t, errors.As(err, new(auth.ForbiddenError)))
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, admin, "vendor-9", "ci", []string{"vendor"})
	require.NoError(t, err)
	assert.NotEmpty(t, plain)
	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)
	assert.Equal(t, []string{"vendor"}, stored.Roles)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, admin, "vendor-9", "ci", []string{"superuser"})
	var ie *engine.InputError
	assert.ErrorAs(t, err, &ie)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, admin, "vendor-9")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	_, err = env.Engine.ListAPIKeys(env.Ctx, vendor, "")
	assert.ErrorAs(t, err, new(auth.ForbiddenError))

	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, admin, key.ID))
	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.ErrorIs(t, env.Engine.RevokeAPIKey(env.Ctx, admin, key.ID), engine.ErrNotFound)
}
