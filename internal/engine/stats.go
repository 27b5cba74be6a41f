package engine

import (
	"context"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/repo"
)

// Stats counts products by how they reached validation.
func (e Engine) Stats(ctx context.Context, actor auth.Actor) (domain.ValidationStats, error) {
	if err := e.Auth.Require(actor, config.PermStatsRead); err != nil {
		return domain.ValidationStats{}, err
	}
	return e.Repo.ValidationStats(ctx)
}

func (e Engine) ListEvents(ctx context.Context, actor auth.Actor, f repo.EventFilters) ([]domain.Event, error) {
	if err := e.Auth.Require(actor, config.PermEventsRead); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
