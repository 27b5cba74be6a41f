package engine

import (
	"context"

	"atelier/internal/cascade"
	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"

	"github.com/jmoiron/sqlx"
)

// PublishProduct publishes a validated draft on behalf of its vendor. The
// design statuses are re-read so a product whose validation has drifted is
// refused rather than published.
func (e Engine) PublishProduct(ctx context.Context, actor auth.Actor, productID string) (domain.VendorProduct, error) {
	if err := e.Auth.Require(actor, config.PermProductPublish); err != nil {
		return domain.VendorProduct{}, err
	}
	return e.vendorWrite(ctx, actor, productID, func(tx *sqlx.Tx, p domain.VendorProduct) (cascade.Transition, bool, error) {
		if p.Status == domain.ProductPublished {
			return cascade.Transition{}, false, transitionErr(ReasonAlreadyPublished, "product", p.ID)
		}
		statuses, err := e.statusesFor(ctx, tx, p)
		if err != nil {
			return cascade.Transition{}, false, err
		}
		t, ok := cascade.Publish(p)
		if !ok || !cascade.Satisfied(p, statuses) {
			return cascade.Transition{}, false, &TransitionError{
				Reason:      ReasonNotEligible,
				Entity:      "product",
				ID:          p.ID,
				Unvalidated: cascade.Statuses(statuses).Unvalidated(p.DesignRefs),
			}
		}
		return t, true, nil
	})
}

// Eligibility describes whether a product may be published or re-configured.
type Eligibility struct {
	CanPublish      bool `json:"can_publish"`
	CanModifyAction bool `json:"can_modify_action"`
}

func EligibilityOf(p domain.VendorProduct) Eligibility {
	return Eligibility{
		CanPublish:      cascade.CanPublishManually(p),
		CanModifyAction: cascade.CanModifyAction(p),
	}
}
