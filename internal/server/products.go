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

type productPath struct {
	ID string `path:"id"`
}

type productOutput struct {
	Body ProductResponse `json:"body"`
}

var productErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create a vendor product",
		DefaultStatus: http.StatusCreated,
		Errors:        productErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*productOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProduct(ctx, actor, engine.ProductCreateOptions{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			DesignRefs: input.Body.DesignRefs,
			Action:     domain.PostValidationAction(input.Body.PostValidationAction),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &productOutput{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List vendor products",
		Description: "Administrators see every product; vendors see their own.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		VendorID  string `query:"vendor_id"`
		Status    string `query:"status" enum:"DRAFT,PENDING,PUBLISHED"`
		Validated string `query:"validated" enum:"true,false"`
		DesignID  string `query:"design_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedProducts `json:"body"`
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
		if !e.Auth.Can(actor, config.PermProductsRecheck) {
			vendorID = actor.ID
		}
		var validated *bool
		switch input.Validated {
		case "true":
			v := true
			validated = &v
		case "false":
			v := false
			validated = &v
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListProducts(ctx, repo.ProductFilters{
			VendorID:  vendorID,
			Status:    domain.ProductStatus(input.Status),
			Validated: validated,
			DesignID:  input.DesignID,
			Limit:     limit + 1,
			After:     after,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var next string
		if len(items) > limit {
			last := items[limit-1]
			items = items[:limit]
			next = composeCursor(last.CreatedAt, last.ID)
		}
		return &struct {
			Body paginatedProducts `json:"body"`
		}{Body: paginatedProducts{Items: mapProducts(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get vendor product",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *productPath) (*productOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.VendorID != actor.ID && !e.Auth.Can(actor, config.PermProductsRecheck) {
			return nil, handleError(&engine.ForbiddenError{Entity: "product", ID: p.ID, ActorID: actor.ID})
		}
		return &productOutput{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-product",
		Method:      http.MethodPut,
		Path:        "/products/{id}/submit",
		Summary:     "Submit a draft product for review",
		Errors:      productErrors,
	}, func(ctx context.Context, input *productPath) (*productOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitProduct(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &productOutput{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-post-validation-action",
		Method:      http.MethodPut,
		Path:        "/products/{id}/post-validation-action",
		Summary:     "Choose what happens once every design is validated",
		Errors:      productErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetActionRequest `json:"body"`
	}) (*productOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetPostValidationAction(ctx, actor, input.ID, domain.PostValidationAction(input.Body.PostValidationAction))
		if err != nil {
			return nil, handleError(err)
		}
		return &productOutput{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-product",
		Method:      http.MethodPut,
		Path:        "/products/{id}/publish",
		Summary:     "Publish a validated product",
		Errors:      productErrors,
	}, func(ctx context.Context, input *productPath) (*productOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.PublishProduct(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &productOutput{Body: productResponse(p)}, nil
	})
}
