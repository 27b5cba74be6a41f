package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/repo"
)

type designPath struct {
	ID string `path:"id"`
}

var decisionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerDesigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-design",
		Method:        http.MethodPost,
		Path:          "/designs",
		Summary:       "Submit a design for review",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateDesignRequest `json:"body"`
	}) (*struct {
		Body domain.Design `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDesign(ctx, actor, engine.DesignCreateOptions{
			ID:       input.Body.ID,
			Title:    input.Body.Title,
			AssetRef: input.Body.AssetRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Design `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-designs",
		Method:      http.MethodGet,
		Path:        "/designs",
		Summary:     "List designs",
		Description: "Reviewers see every design; vendors see their own.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		VendorID string `query:"vendor_id"`
		Status   string `query:"status" enum:"PENDING,VALIDATED,REJECTED"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedDesigns `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		after, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"cursor": input.Cursor})
		}
		vendorID := input.VendorID
		if !e.Auth.Can(actor, config.PermDesignReview) {
			vendorID = actor.ID
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListDesigns(ctx, repo.DesignFilters{
			VendorID: vendorID,
			Status:   domain.DesignStatus(input.Status),
			Limit:    limit + 1,
			After:    after,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDesigns{Items: nonNil(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.Items = items[:limit]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedDesigns `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-design",
		Method:      http.MethodGet,
		Path:        "/designs/{id}",
		Summary:     "Get design",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *designPath) (*struct {
		Body domain.Design `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDesign(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d.VendorID != actor.ID && !e.Auth.Can(actor, config.PermDesignReview) {
			return nil, handleError(&engine.ForbiddenError{Entity: "design", ID: d.ID, ActorID: actor.ID})
		}
		return &struct {
			Body domain.Design `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-design",
		Method:      http.MethodPut,
		Path:        "/designs/{id}/validate",
		Summary:     "Validate a design and cascade to its products",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *designPath) (*struct {
		Body DesignDecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ValidateDesign(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DesignDecisionResponse `json:"body"`
		}{Body: decisionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-design",
		Method:      http.MethodPut,
		Path:        "/designs/{id}/reject",
		Summary:     "Reject a pending design and reset its products",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body RejectDesignRequest `json:"body"`
	}) (*struct {
		Body DesignDecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RejectDesign(ctx, actor, input.ID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DesignDecisionResponse `json:"body"`
		}{Body: decisionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-design",
		Method:      http.MethodPut,
		Path:        "/designs/{id}/resubmit",
		Summary:     "Send a design back to review",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *designPath) (*struct {
		Body DesignDecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResubmitDesign(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DesignDecisionResponse `json:"body"`
		}{Body: decisionResponse(res)}, nil
	})
}
