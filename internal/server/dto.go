package server

import (
	"encoding/json"

	"atelier/internal/domain"
	"atelier/internal/engine"
)

// Request payloads

type CreateDesignRequest struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title"`
	AssetRef string `json:"asset_ref,omitempty"`
}

type RejectDesignRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateProductRequest struct {
	ID                   string   `json:"id,omitempty"`
	Name                 string   `json:"name"`
	DesignRefs           []string `json:"design_refs"`
	PostValidationAction string   `json:"post_validation_action,omitempty" enum:"AUTO_PUBLISH,TO_DRAFT"`
}

type SetActionRequest struct {
	PostValidationAction string `json:"post_validation_action" enum:"AUTO_PUBLISH,TO_DRAFT"`
}

type CreateAPIKeyRequest struct {
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type ProductResponse struct {
	domain.VendorProduct
	CanPublish      bool `json:"can_publish"`
	CanModifyAction bool `json:"can_modify_action"`
}

type CascadeSummary struct {
	AffectedCount int              `json:"affected_count"`
	Affected      []string         `json:"affected_products"`
	Outcomes      []engine.Outcome `json:"outcomes"`
	Failures      []engine.Failure `json:"failures"`
}

type DesignDecisionResponse struct {
	Design  domain.Design  `json:"design"`
	Cascade CascadeSummary `json:"cascade"`
}

type ReconcileResponse struct {
	UpdatedCount int               `json:"updated_count"`
	Updated      []ProductResponse `json:"updated_products"`
	Failures     []engine.Failure  `json:"failures"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID      string   `json:"id"`
	ActorID string   `json:"actor_id"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles"`
	Key     string   `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedDesigns struct {
	Items      []domain.Design `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedProducts struct {
	Items      []ProductResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func productResponse(p domain.VendorProduct) ProductResponse {
	if p.DesignRefs == nil {
		p.DesignRefs = []string{}
	}
	el := engine.EligibilityOf(p)
	return ProductResponse{VendorProduct: p, CanPublish: el.CanPublish, CanModifyAction: el.CanModifyAction}
}

func mapProducts(items []domain.VendorProduct) []ProductResponse {
	res := make([]ProductResponse, 0, len(items))
	for _, p := range items {
		res = append(res, productResponse(p))
	}
	return res
}

func decisionResponse(d engine.DesignDecision) DesignDecisionResponse {
	return DesignDecisionResponse{Design: d.Design, Cascade: cascadeSummary(d.Cascade)}
}

func cascadeSummary(r engine.CascadeReport) CascadeSummary {
	return CascadeSummary{
		AffectedCount: r.Count(),
		Affected:      nonNil(r.Affected),
		Outcomes:      nonNil(r.Outcomes),
		Failures:      nonNil(r.Failures),
	}
}

func reconcileResponse(r engine.ReconcileReport) ReconcileResponse {
	return ReconcileResponse{
		UpdatedCount: len(r.Updated),
		Updated:      mapProducts(r.Updated),
		Failures:     nonNil(r.Failures),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
