package engine

import (
	"context"
	"fmt"
	"strings"

	"atelier/internal/cascade"
	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/metrics"
	"atelier/internal/repo"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ProductCreateOptions are parameters for creating a vendor product.
type ProductCreateOptions struct {
	ID         string
	Name       string
	DesignRefs []string
	Action     domain.PostValidationAction
}

// CreateProduct stores a DRAFT product over designs owned by actor. When every
// design is already validated the post-validation action applies at once.
func (e Engine) CreateProduct(ctx context.Context, actor auth.Actor, opts ProductCreateOptions) (domain.VendorProduct, error) {
	if err := e.Auth.Require(actor, config.PermProductWrite); err != nil {
		return domain.VendorProduct{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.VendorProduct{}, inputErr("name", "invalid_name", "name is required")
	}
	refs := dedupe(opts.DesignRefs)
	if len(refs) == 0 {
		return domain.VendorProduct{}, inputErr("design_refs", "invalid_design_refs", "at least one design is required")
	}
	action := opts.Action
	if action == "" {
		action = domain.ToDraft
	}
	if !action.Valid() {
		return domain.VendorProduct{}, inputErr("post_validation_action", "invalid_action", fmt.Sprintf("unknown post-validation action %q", action))
	}
	owners, err := e.Repo.DesignOwners(ctx, refs)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	for _, ref := range refs {
		owner, ok := owners[ref]
		if !ok {
			return domain.VendorProduct{}, inputErr("design_refs", "unknown_design", fmt.Sprintf("design %s not found", ref))
		}
		if owner != actor.ID {
			return domain.VendorProduct{}, &ForbiddenError{Entity: "design", ID: ref, ActorID: actor.ID}
		}
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	p := domain.VendorProduct{
		ID:                   id,
		VendorID:             actor.ID,
		Name:                 name,
		DesignRefs:           refs,
		Status:               domain.ProductDraft,
		PostValidationAction: action,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	defer tx.Rollback()
	statuses, err := e.statusesFor(ctx, tx, p)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	if t, ok := cascade.Promote(p, statuses, domain.SystemValidator()); ok {
		p = cascade.Apply(p, t, now)
	}
	if err := e.Repo.InsertProduct(ctx, tx, p); err != nil {
		return domain.VendorProduct{}, fmt.Errorf("insert product: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.ProductCreated, "product", p.ID, actor.ID, events.EventPayload{
		"product_id":             p.ID,
		"design_refs":            p.DesignRefs,
		"post_validation_action": p.PostValidationAction,
		"status":                 p.Status,
		"is_validated":           p.IsValidated,
	}); err != nil {
		return domain.VendorProduct{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VendorProduct{}, err
	}
	return p, nil
}

func (e Engine) GetProduct(ctx context.Context, id string) (domain.VendorProduct, error) {
	return e.Repo.GetProduct(ctx, id)
}

func (e Engine) ListProducts(ctx context.Context, f repo.ProductFilters) ([]domain.VendorProduct, error) {
	return e.Repo.ListProducts(ctx, f)
}

// SubmitProduct sends a draft into review. A draft that is already validated
// has its post-validation action applied on the spot.
func (e Engine) SubmitProduct(ctx context.Context, actor auth.Actor, productID string) (domain.VendorProduct, error) {
	if err := e.Auth.Require(actor, config.PermProductWrite); err != nil {
		return domain.VendorProduct{}, err
	}
	return e.vendorWrite(ctx, actor, productID, func(tx *sqlx.Tx, p domain.VendorProduct) (cascade.Transition, bool, error) {
		switch p.Status {
		case domain.ProductPublished:
			return cascade.Transition{}, false, transitionErr(ReasonAlreadyPublished, "product", p.ID)
		case domain.ProductPending:
			return cascade.Transition{}, false, transitionErr(ReasonAlreadySubmitted, "product", p.ID)
		}
		t, ok := cascade.Submit(p)
		return t, ok, nil
	})
}

// SetPostValidationAction changes the policy of a product that is not yet validated.
func (e Engine) SetPostValidationAction(ctx context.Context, actor auth.Actor, productID string, action domain.PostValidationAction) (domain.VendorProduct, error) {
	if err := e.Auth.Require(actor, config.PermProductWrite); err != nil {
		return domain.VendorProduct{}, err
	}
	if !action.Valid() {
		return domain.VendorProduct{}, inputErr("post_validation_action", "invalid_action", fmt.Sprintf("unknown post-validation action %q", action))
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	if p.VendorID != actor.ID {
		return domain.VendorProduct{}, &ForbiddenError{Entity: "product", ID: p.ID, ActorID: actor.ID}
	}
	if !cascade.CanModifyAction(p) {
		return domain.VendorProduct{}, transitionErr(ReasonLocked, "product", p.ID)
	}
	if p.PostValidationAction == action {
		return p, nil
	}
	prev := p.PostValidationAction
	p.PostValidationAction = action
	p.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateProduct(ctx, tx, p); err != nil {
		return domain.VendorProduct{}, err
	}
	p.Version++
	if err := e.appendEvent(ctx, tx, events.ProductActionChanged, "product", p.ID, actor.ID, events.EventPayload{
		"product_id": p.ID, "from": prev, "to": action,
	}); err != nil {
		return domain.VendorProduct{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VendorProduct{}, err
	}
	return p, nil
}

// vendorWrite loads the product in a transaction, checks ownership, and
// applies the transition chosen by pick. pick returning false leaves the
// product unchanged.
func (e Engine) vendorWrite(ctx context.Context, actor auth.Actor, productID string, pick func(*sqlx.Tx, domain.VendorProduct) (cascade.Transition, bool, error)) (domain.VendorProduct, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	if p.VendorID != actor.ID {
		return domain.VendorProduct{}, &ForbiddenError{Entity: "product", ID: p.ID, ActorID: actor.ID}
	}
	t, ok, err := pick(tx, p)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	if !ok {
		return p, nil
	}
	updated, err := e.writeTransition(ctx, tx, p, t, actor.ID, metrics.SourceVendor)
	if err != nil {
		return domain.VendorProduct{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VendorProduct{}, err
	}
	e.log().Info("product transition",
		zap.String("product_id", updated.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("status", string(updated.Status)),
		zap.String("actor_id", actor.ID))
	return updated, nil
}

func dedupe(refs []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
