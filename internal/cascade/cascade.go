// Package cascade holds the pure decision logic that keeps a vendor product's
// publication state consistent with the designs it depends on.
//
// Every decision is derived from the product as currently stored and the
// current status of all of its referenced designs. Nothing here reads from or
// writes to storage; callers load state, ask for transitions, and apply them
// under their own concurrency guard.
package cascade

import (
	"atelier/internal/domain"
)

// Kind names what a transition does to a product.
type Kind string

const (
	// KindPublish marks the product validated and publishes it.
	KindPublish Kind = "publish"
	// KindToDraft marks the product validated and parks it in DRAFT awaiting a manual publish.
	KindToDraft Kind = "to_draft"
	// KindReset sends a pending product back to DRAFT after a rejection.
	KindReset Kind = "reset"
	// KindInvalidate clears validation after a referenced design went back to PENDING.
	KindInvalidate Kind = "invalidate"
	// KindSubmit moves a draft into review.
	KindSubmit Kind = "submit"
	// KindManualPublish is the vendor publishing a validated draft.
	KindManualPublish Kind = "manual_publish"
)

// Transition is the target state for one product. FromVersion is the product
// version the decision was made against.
type Transition struct {
	ProductID   string
	FromVersion int64
	Kind        Kind
	Status      domain.ProductStatus
	IsValidated bool
	ValidatedBy *domain.Validator
	Reason      string
}

// Statuses maps a design id to its current status.
type Statuses map[string]domain.DesignStatus

// Unvalidated returns the refs whose design is not VALIDATED, in ref order.
// Unknown refs count as unvalidated.
func (s Statuses) Unvalidated(refs []string) []string {
	var out []string
	for _, ref := range refs {
		if s[ref] != domain.DesignValidated {
			out = append(out, ref)
		}
	}
	return out
}

// Satisfied reports whether every design the product references is VALIDATED.
func Satisfied(p domain.VendorProduct, s Statuses) bool {
	return len(p.DesignRefs) > 0 && len(s.Unvalidated(p.DesignRefs)) == 0
}

// CanPublishManually reports whether the vendor may publish the product.
func CanPublishManually(p domain.VendorProduct) bool {
	return p.Status == domain.ProductDraft && p.IsValidated
}

// CanModifyAction reports whether the post-validation action may still change.
// The action is frozen as soon as the product is validated.
func CanModifyAction(p domain.VendorProduct) bool {
	if p.IsValidated {
		return false
	}
	return p.Status == domain.ProductDraft || p.Status == domain.ProductPending
}

// Promote decides what happens to a product once all of its designs are
// validated: AUTO_PUBLISH publishes it from DRAFT or PENDING, TO_DRAFT parks
// it validated in DRAFT. It returns false when the product is already
// validated, already published, or still waiting on a design.
func Promote(p domain.VendorProduct, s Statuses, by domain.Validator) (Transition, bool) {
	if p.IsValidated || p.Status == domain.ProductPublished || !Satisfied(p, s) {
		return Transition{}, false
	}
	t := Transition{
		ProductID:   p.ID,
		FromVersion: p.Version,
		IsValidated: true,
		ValidatedBy: &by,
	}
	if p.PostValidationAction == domain.AutoPublish {
		t.Kind = KindPublish
		t.Status = domain.ProductPublished
	} else {
		t.Kind = KindToDraft
		t.Status = domain.ProductDraft
	}
	return t, true
}

// Reset returns a pending product to DRAFT after one of its designs was rejected.
func Reset(p domain.VendorProduct, reason string) (Transition, bool) {
	if p.Status != domain.ProductPending {
		return Transition{}, false
	}
	return Transition{
		ProductID:   p.ID,
		FromVersion: p.Version,
		Kind:        KindReset,
		Status:      domain.ProductDraft,
		Reason:      reason,
	}, true
}

// Invalidate clears validation on an unpublished product whose designs are no
// longer all validated.
func Invalidate(p domain.VendorProduct, s Statuses) (Transition, bool) {
	if !p.IsValidated || p.Status == domain.ProductPublished || Satisfied(p, s) {
		return Transition{}, false
	}
	return Transition{
		ProductID:   p.ID,
		FromVersion: p.Version,
		Kind:        KindInvalidate,
		Status:      p.Status,
	}, true
}

// Reconcile re-derives a single product from current design statuses.
func Reconcile(p domain.VendorProduct, s Statuses, by domain.Validator) (Transition, bool) {
	if t, ok := Promote(p, s, by); ok {
		return t, true
	}
	return Invalidate(p, s)
}

// Compute returns the transitions caused by design reaching its current status.
// affected should hold every product referencing the design and s the current
// status of every design those products reference.
func Compute(design domain.Design, affected []domain.VendorProduct, s Statuses, by domain.Validator) []Transition {
	current := make(Statuses, len(s)+1)
	for id, st := range s {
		current[id] = st
	}
	current[design.ID] = design.Status

	var out []Transition
	for _, p := range affected {
		if !references(p, design.ID) {
			continue
		}
		var (
			t  Transition
			ok bool
		)
		switch design.Status {
		case domain.DesignValidated:
			t, ok = Promote(p, current, by)
		case domain.DesignRejected:
			t, ok = Reset(p, design.RejectionReason)
		case domain.DesignPending:
			t, ok = Invalidate(p, current)
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}

// Submit decides what submitting a draft does. A validated AUTO_PUBLISH draft
// is published.
func Submit(p domain.VendorProduct) (Transition, bool) {
	if p.Status != domain.ProductDraft {
		return Transition{}, false
	}
	if !p.IsValidated {
		return Transition{
			ProductID:   p.ID,
			FromVersion: p.Version,
			Kind:        KindSubmit,
			Status:      domain.ProductPending,
		}, true
	}
	if p.PostValidationAction != domain.AutoPublish {
		return Transition{}, false
	}
	return Transition{
		ProductID:   p.ID,
		FromVersion: p.Version,
		Kind:        KindPublish,
		Status:      domain.ProductPublished,
		IsValidated: true,
		ValidatedBy: p.ValidatedBy,
	}, true
}

// Publish returns the manual publish transition for a product that passes
// CanPublishManually.
func Publish(p domain.VendorProduct) (Transition, bool) {
	if !CanPublishManually(p) {
		return Transition{}, false
	}
	return Transition{
		ProductID:   p.ID,
		FromVersion: p.Version,
		Kind:        KindManualPublish,
		Status:      domain.ProductPublished,
		IsValidated: true,
		ValidatedBy: p.ValidatedBy,
	}, true
}

// Apply returns p with t applied. now stamps validated_at and published_at.
func Apply(p domain.VendorProduct, t Transition, now string) domain.VendorProduct {
	wasValidated := p.IsValidated
	p.Status = t.Status
	p.IsValidated = t.IsValidated
	switch {
	case t.IsValidated && !wasValidated:
		ts := now
		p.ValidatedAt = &ts
		p.ValidatedBy = t.ValidatedBy
		p.RejectionReason = ""
	case !t.IsValidated:
		p.ValidatedAt = nil
		p.ValidatedBy = nil
	}
	if t.Kind == KindReset {
		p.RejectionReason = t.Reason
	}
	if t.Status == domain.ProductPublished && p.PublishedAt == nil {
		ts := now
		p.PublishedAt = &ts
	}
	return p
}

func references(p domain.VendorProduct, designID string) bool {
	for _, ref := range p.DesignRefs {
		if ref == designID {
			return true
		}
	}
	return false
}
