package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atelier/internal/cascade"
	"atelier/internal/domain"
	"atelier/internal/events"
	"atelier/internal/metrics"
	"atelier/internal/repo"
	"atelier/internal/tracing"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Outcome is one product transition that was applied.
type Outcome struct {
	ProductID   string               `json:"product_id"`
	Kind        cascade.Kind         `json:"kind"`
	Status      domain.ProductStatus `json:"status"`
	IsValidated bool                 `json:"is_validated"`
}

// Failure is a product the cascade could not update.
type Failure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

// CascadeReport lists what a cascade did. Per-product errors land in Failures.
type CascadeReport struct {
	DesignID string    `json:"design_id"`
	Affected []string  `json:"affected"`
	Outcomes []Outcome `json:"outcomes"`
	Failures []Failure `json:"failures"`
}

func (r CascadeReport) Count() int { return len(r.Affected) }

// decider re-derives a transition for a product from current statuses.
type decider func(p domain.VendorProduct, s cascade.Statuses) (cascade.Transition, bool)

// CascadeDesign applies the consequences of design's current status to every
// product referencing it. The returned error covers only loading the affected
// set.
func (e Engine) CascadeDesign(ctx context.Context, design domain.Design, by domain.Validator, source string) (CascadeReport, error) {
	ctx, span := e.tracer().Start(ctx, tracing.SpanCascade)
	defer span.End()
	start := time.Now()
	defer func() {
		metrics.CascadeDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()
	span.SetAttributes(
		attribute.String(tracing.AttrDesignID, design.ID),
		attribute.String(tracing.AttrDesignState, string(design.Status)),
	)

	report := CascadeReport{DesignID: design.ID, Affected: []string{}, Outcomes: []Outcome{}, Failures: []Failure{}}
	affected, err := e.Repo.ListProductsByDesign(ctx, design.ID)
	if err != nil {
		tracing.RecordError(span, err)
		return report, fmt.Errorf("load dependents of %s: %w", design.ID, err)
	}
	statuses, err := e.statusesFor(ctx, nil, affected...)
	if err != nil {
		tracing.RecordError(span, err)
		return report, fmt.Errorf("load design statuses: %w", err)
	}
	if st, ok := statuses[design.ID]; ok {
		design.Status = st
	}
	decide := designDecider(design, by)
	for _, t := range cascade.Compute(design, affected, statuses, by) {
		res, err := e.applyTransition(ctx, t, by.Actor(), source, decide)
		e.record(&report, source, t.ProductID, res, err)
	}
	span.SetAttributes(
		attribute.Int(tracing.AttrAffected, len(report.Affected)),
		attribute.Int(tracing.AttrFailures, len(report.Failures)),
	)
	e.log().Info("cascade applied",
		zap.String("design_id", design.ID),
		zap.String("design_status", string(design.Status)),
		zap.Int("dependents", len(affected)),
		zap.Int("affected", len(report.Affected)),
		zap.Int("failures", len(report.Failures)))
	return report, nil
}

// designDecider branches on the triggering design's status as stored when the
// decision is applied, not as it was when the cascade started.
func designDecider(design domain.Design, by domain.Validator) decider {
	return func(p domain.VendorProduct, s cascade.Statuses) (cascade.Transition, bool) {
		switch s[design.ID] {
		case domain.DesignValidated:
			return cascade.Promote(p, s, by)
		case domain.DesignRejected:
			return cascade.Reset(p, design.RejectionReason)
		default:
			return cascade.Invalidate(p, s)
		}
	}
}

// applied is a transition that reached storage.
type applied struct {
	Product domain.VendorProduct
	Kind    cascade.Kind
}

func (e Engine) record(report *CascadeReport, source, productID string, res *applied, err error) {
	if err != nil {
		metrics.CascadeFailuresTotal.WithLabelValues(source).Inc()
		e.log().Warn("cascade transition failed", zap.String("product_id", productID), zap.Error(err))
		report.Failures = append(report.Failures, Failure{ProductID: productID, Error: err.Error()})
		return
	}
	if res == nil {
		return
	}
	report.Affected = append(report.Affected, res.Product.ID)
	report.Outcomes = append(report.Outcomes, Outcome{
		ProductID:   res.Product.ID,
		Kind:        res.Kind,
		Status:      res.Product.Status,
		IsValidated: res.Product.IsValidated,
	})
}

// applyTransition writes the decision for t.ProductID in its own transaction.
// t only names the product: the transition is always re-derived inside the
// transaction from the stored product and design statuses, and a decision
// that no longer applies is a no-op returning nil. A lost version race is
// retried once.
func (e Engine) applyTransition(ctx context.Context, t cascade.Transition, actorID, source string, decide decider) (*applied, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		res, err := e.applyOnce(ctx, t.ProductID, actorID, source, decide)
		if errors.Is(err, repo.ErrStale) {
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("product %s: %w", t.ProductID, lastErr)
}

func (e Engine) applyOnce(ctx context.Context, productID, actorID, source string, decide decider) (*applied, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProductTx(ctx, tx, productID)
	if err != nil {
		return nil, err
	}
	statuses, err := e.statusesFor(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	t, ok := decide(p, statuses)
	if !ok {
		return nil, nil
	}
	updated, err := e.writeTransition(ctx, tx, p, t, actorID, source)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &applied{Product: updated, Kind: t.Kind}, nil
}

// writeTransition applies t to p inside tx and appends its event.
func (e Engine) writeTransition(ctx context.Context, tx *sqlx.Tx, p domain.VendorProduct, t cascade.Transition, actorID, source string) (domain.VendorProduct, error) {
	now := e.stamp()
	next := cascade.Apply(p, t, now)
	next.UpdatedAt = now
	if err := e.Repo.UpdateProduct(ctx, tx, next); err != nil {
		return domain.VendorProduct{}, err
	}
	next.Version = p.Version + 1
	payload := events.EventPayload{
		"product_id":   next.ID,
		"kind":         t.Kind,
		"status":       next.Status,
		"is_validated": next.IsValidated,
	}
	if t.Reason != "" {
		payload["reason"] = t.Reason
	}
	if next.ValidatedBy != nil {
		payload["validated_by"] = next.ValidatedBy
	}
	if err := e.appendEvent(ctx, tx, eventForKind(t.Kind), "product", next.ID, actorID, payload); err != nil {
		return domain.VendorProduct{}, err
	}
	metrics.CascadeTransitionsTotal.WithLabelValues(string(t.Kind), source).Inc()
	return next, nil
}

func eventForKind(k cascade.Kind) string {
	switch k {
	case cascade.KindPublish, cascade.KindManualPublish:
		return events.ProductPublished
	case cascade.KindReset:
		return events.ProductReset
	case cascade.KindInvalidate:
		return events.ProductInvalidated
	case cascade.KindSubmit:
		return events.ProductSubmitted
	default:
		return events.ProductValidated
	}
}
