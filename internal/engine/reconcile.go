package engine

import (
	"context"
	"fmt"

	"atelier/internal/cascade"
	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/metrics"
	"atelier/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReconcileReport is the result of one reconcile sweep.
type ReconcileReport struct {
	Updated  []domain.VendorProduct `json:"updated_products"`
	Outcomes []Outcome              `json:"outcomes"`
	Failures []Failure              `json:"failures"`
}

func reconcileDecider(p domain.VendorProduct, s cascade.Statuses) (cascade.Transition, bool) {
	return cascade.Reconcile(p, s, domain.SystemValidator())
}

// ReconcileAll re-derives validation for every unpublished product from the
// current design statuses. A second run with no design changes updates nothing.
func (e Engine) ReconcileAll(ctx context.Context, actor auth.Actor) (ReconcileReport, error) {
	if err := e.Auth.Require(actor, config.PermProductsRecheck); err != nil {
		return ReconcileReport{}, err
	}
	trigger := "manual"
	if actor.IsSystem() {
		trigger = "scheduled"
	}
	ctx, span := e.tracer().Start(ctx, tracing.SpanReconcileAll)
	defer span.End()

	report := ReconcileReport{Updated: []domain.VendorProduct{}, Outcomes: []Outcome{}, Failures: []Failure{}}
	products, err := e.Repo.ListUnpublished(ctx)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues(trigger, metrics.StatusFailure).Inc()
		tracing.RecordError(span, err)
		return report, fmt.Errorf("list unpublished products: %w", err)
	}
	statuses, err := e.statusesFor(ctx, nil, products...)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues(trigger, metrics.StatusFailure).Inc()
		tracing.RecordError(span, err)
		return report, fmt.Errorf("load design statuses: %w", err)
	}
	var cr CascadeReport
	for _, p := range products {
		t, ok := reconcileDecider(p, statuses)
		if !ok {
			continue
		}
		res, err := e.applyTransition(ctx, t, domain.SystemValidator().Actor(), metrics.SourceReconcile, reconcileDecider)
		e.record(&cr, metrics.SourceReconcile, p.ID, res, err)
		if err == nil && res != nil {
			report.Updated = append(report.Updated, res.Product)
		}
	}
	report.Outcomes = append(report.Outcomes, cr.Outcomes...)
	report.Failures = append(report.Failures, cr.Failures...)

	metrics.ReconcileRunsTotal.WithLabelValues(trigger, metrics.StatusSuccess).Inc()
	metrics.ReconcileUpdatedTotal.Add(float64(len(report.Updated)))
	span.SetAttributes(
		attribute.Int(tracing.AttrUpdated, len(report.Updated)),
		attribute.Int(tracing.AttrFailures, len(report.Failures)),
	)
	e.log().Info("reconcile finished",
		zap.String("trigger", trigger),
		zap.Int("scanned", len(products)),
		zap.Int("updated", len(report.Updated)),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// ReconcileProduct re-derives validation for one product. A product still
// waiting on designs fails with not_eligible listing them.
func (e Engine) ReconcileProduct(ctx context.Context, actor auth.Actor, productID string) (domain.VendorProduct, error) {
	if err := e.Auth.Require(actor, config.PermProductsRecheck); err != nil {
		return domain.VendorProduct{}, err
	}
	ctx, span := e.tracer().Start(ctx, tracing.SpanReconcileOne)
	defer span.End()
	span.SetAttributes(attribute.String(tracing.AttrProductID, productID))

	p, err := e.Repo.GetProduct(ctx, productID)
	if err != nil {
		tracing.RecordError(span, err)
		return domain.VendorProduct{}, err
	}
	statuses, err := e.statusesFor(ctx, nil, p)
	if err != nil {
		tracing.RecordError(span, err)
		return domain.VendorProduct{}, err
	}
	if t, ok := reconcileDecider(p, statuses); ok {
		res, err := e.applyTransition(ctx, t, domain.SystemValidator().Actor(), metrics.SourceReconcile, reconcileDecider)
		if err != nil {
			tracing.RecordError(span, err)
			return domain.VendorProduct{}, err
		}
		if res != nil {
			span.SetAttributes(attribute.String(tracing.AttrTransition, string(res.Kind)))
			p = res.Product
		} else if p, err = e.Repo.GetProduct(ctx, productID); err != nil {
			return domain.VendorProduct{}, err
		}
		statuses, err = e.statusesFor(ctx, nil, p)
		if err != nil {
			return domain.VendorProduct{}, err
		}
	}
	if !p.IsValidated {
		return p, &TransitionError{
			Reason:      ReasonNotEligible,
			Entity:      "product",
			ID:          p.ID,
			Unvalidated: cascade.Statuses(statuses).Unvalidated(p.DesignRefs),
		}
	}
	return p, nil
}
