package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/metrics"
	"atelier/internal/repo"
	"atelier/internal/tracing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DesignCreateOptions are parameters for submitting a design.
type DesignCreateOptions struct {
	ID       string
	Title    string
	AssetRef string
}

// DesignDecision is a design write together with the cascade it caused.
type DesignDecision struct {
	Design  domain.Design `json:"design"`
	Cascade CascadeReport `json:"cascade"`
}

// CreateDesign records a PENDING design owned by actor.
func (e Engine) CreateDesign(ctx context.Context, actor auth.Actor, opts DesignCreateOptions) (domain.Design, error) {
	if err := e.Auth.Require(actor, config.PermDesignCreate); err != nil {
		return domain.Design{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Design{}, inputErr("title", "invalid_title", "title is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	d := domain.Design{
		ID:        id,
		VendorID:  actor.ID,
		Title:     title,
		AssetRef:  strings.TrimSpace(opts.AssetRef),
		Status:    domain.DesignPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDesign(ctx, tx, d); err != nil {
		return domain.Design{}, fmt.Errorf("insert design: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.DesignCreated, "design", d.ID, actor.ID, events.EventPayload{
		"design_id": d.ID, "status": d.Status, "vendor_id": d.VendorID,
	}); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}
	return d, nil
}

func (e Engine) GetDesign(ctx context.Context, id string) (domain.Design, error) {
	return e.Repo.GetDesign(ctx, id)
}

func (e Engine) ListDesigns(ctx context.Context, f repo.DesignFilters) ([]domain.Design, error) {
	return e.Repo.ListDesigns(ctx, f)
}

// ValidateDesign validates a design and cascades to every product referencing it.
func (e Engine) ValidateDesign(ctx context.Context, actor auth.Actor, designID string) (DesignDecision, error) {
	ctx, span := e.tracer().Start(ctx, tracing.SpanDesignValidate)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrDesignID, designID))

	d, err := e.MarkValidated(ctx, actor, designID)
	if err != nil {
		tracing.RecordError(span, err)
		return DesignDecision{}, err
	}
	report, err := e.CascadeDesign(ctx, d, domain.AdminValidator(actor.ID), metrics.SourceDesign)
	if err != nil {
		tracing.RecordError(span, err)
		return DesignDecision{Design: d, Cascade: report}, err
	}
	return DesignDecision{Design: d, Cascade: report}, nil
}

// RejectDesign rejects a design and returns its pending dependents to DRAFT.
func (e Engine) RejectDesign(ctx context.Context, actor auth.Actor, designID, reason string) (DesignDecision, error) {
	ctx, span := e.tracer().Start(ctx, tracing.SpanDesignReject)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrDesignID, designID))

	d, err := e.MarkRejected(ctx, actor, designID, reason)
	if err != nil {
		tracing.RecordError(span, err)
		return DesignDecision{}, err
	}
	report, err := e.CascadeDesign(ctx, d, domain.AdminValidator(actor.ID), metrics.SourceDesign)
	if err != nil {
		tracing.RecordError(span, err)
		return DesignDecision{Design: d, Cascade: report}, err
	}
	return DesignDecision{Design: d, Cascade: report}, nil
}

// MarkValidated records the validation and its event without cascading.
func (e Engine) MarkValidated(ctx context.Context, actor auth.Actor, designID string) (domain.Design, error) {
	if err := e.Auth.Require(actor, config.PermDesignReview); err != nil {
		return domain.Design{}, err
	}
	d, err := e.decide(ctx, designID, "validate", actor.ID, func(tx *sqlx.Tx, d domain.Design) (domain.Design, error) {
		if d.Status == domain.DesignValidated {
			return d, transitionErr(ReasonAlreadyValidated, "design", d.ID)
		}
		by := domain.AdminValidator(actor.ID)
		now := e.stamp()
		d.Status = domain.DesignValidated
		d.ValidatedAt = &now
		d.ValidatedBy = &by
		d.RejectionReason = ""
		return d, nil
	}, events.DesignValidated, domain.DesignPending, domain.DesignRejected)
	return d, err
}

// MarkRejected records the rejection and its event without cascading.
func (e Engine) MarkRejected(ctx context.Context, actor auth.Actor, designID, reason string) (domain.Design, error) {
	if err := e.Auth.Require(actor, config.PermDesignReview); err != nil {
		return domain.Design{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Design{}, inputErr("reason", "invalid_reason", "rejection reason is required")
	}
	return e.decide(ctx, designID, "reject", actor.ID, func(tx *sqlx.Tx, d domain.Design) (domain.Design, error) {
		switch d.Status {
		case domain.DesignRejected:
			return d, transitionErr(ReasonAlreadyRejected, "design", d.ID)
		case domain.DesignValidated:
			return d, transitionErr(ReasonNotPending, "design", d.ID)
		}
		d.Status = domain.DesignRejected
		d.ValidatedAt = nil
		d.ValidatedBy = nil
		d.RejectionReason = reason
		return d, nil
	}, events.DesignRejected, domain.DesignPending)
}

// decide runs one guarded design transition. next computes the new state from
// the stored one; from lists the statuses the update may start from.
func (e Engine) decide(ctx context.Context, designID, decision, actorID string, next func(*sqlx.Tx, domain.Design) (domain.Design, error), evtType string, from ...domain.DesignStatus) (domain.Design, error) {
	d, err := e.decideOnce(ctx, designID, actorID, next, evtType, from)
	if errors.Is(err, repo.ErrStale) {
		// lost a race: decide again against the winner's state
		d, err = e.decideOnce(ctx, designID, actorID, next, evtType, from)
		if errors.Is(err, repo.ErrStale) {
			err = transitionErr(ReasonStale, "design", designID)
		}
	}
	outcome := metrics.StatusSuccess
	if err != nil {
		outcome = metrics.StatusFailure
	}
	metrics.DesignDecisionsTotal.WithLabelValues(decision, outcome).Inc()
	if err != nil {
		return domain.Design{}, err
	}
	e.log().Info("design decided",
		zap.String("design_id", d.ID),
		zap.String("decision", decision),
		zap.String("status", string(d.Status)),
		zap.String("actor_id", actorID))
	return d, nil
}

func (e Engine) decideOnce(ctx context.Context, designID, actorID string, next func(*sqlx.Tx, domain.Design) (domain.Design, error), evtType string, from []domain.DesignStatus) (domain.Design, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Design{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetDesignTx(ctx, tx, designID)
	if err != nil {
		return domain.Design{}, err
	}
	d, err := next(tx, cur)
	if err != nil {
		return domain.Design{}, err
	}
	d.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateDesign(ctx, tx, d, from...); err != nil {
		return domain.Design{}, err
	}
	d.Version = cur.Version + 1
	if err := e.appendEvent(ctx, tx, evtType, "design", d.ID, actorID, events.EventPayload{
		"design_id": d.ID, "status": d.Status,
	}); err != nil {
		return domain.Design{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Design{}, err
	}
	return d, nil
}

// ResubmitDesign puts a validated or rejected design back into review. Its
// validated, unpublished dependents lose their validation.
func (e Engine) ResubmitDesign(ctx context.Context, actor auth.Actor, designID string) (DesignDecision, error) {
	if err := e.Auth.Require(actor, config.PermDesignResubmit); err != nil {
		return DesignDecision{}, err
	}
	d, err := e.decide(ctx, designID, "resubmit", actor.ID, func(tx *sqlx.Tx, d domain.Design) (domain.Design, error) {
		if d.VendorID != actor.ID {
			return d, &ForbiddenError{Entity: "design", ID: d.ID, ActorID: actor.ID}
		}
		if d.Status == domain.DesignPending {
			return d, transitionErr(ReasonAlreadyPending, "design", d.ID)
		}
		n, err := e.Repo.CountPublishedDependents(ctx, tx, d.ID)
		if err != nil {
			return d, err
		}
		if n > 0 {
			return d, transitionErr(ReasonHasPublishedDependents, "design", d.ID)
		}
		d.Status = domain.DesignPending
		d.ValidatedAt = nil
		d.ValidatedBy = nil
		d.RejectionReason = ""
		return d, nil
	}, events.DesignResubmitted, domain.DesignValidated, domain.DesignRejected)
	if err != nil {
		return DesignDecision{}, err
	}
	report, err := e.CascadeDesign(ctx, d, domain.SystemValidator(), metrics.SourceVendor)
	return DesignDecision{Design: d, Cascade: report}, err
}
