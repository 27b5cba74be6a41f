package ateliersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Atelier HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Validator records who validated a design or product.
type Validator struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
}

// Design represents the API design model.
type Design struct {
	ID              string     `json:"id"`
	VendorID        string     `json:"vendor_id"`
	Title           string     `json:"title"`
	AssetRef        string     `json:"asset_ref,omitempty"`
	Status          string     `json:"status"`
	ValidatedAt     *string    `json:"validated_at,omitempty"`
	ValidatedBy     *Validator `json:"validated_by,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Version         int64      `json:"version"`
	CreatedAt       string     `json:"created_at"`
}

// Product represents a vendor product with its publish eligibility.
type Product struct {
	ID                   string     `json:"id"`
	VendorID             string     `json:"vendor_id"`
	Name                 string     `json:"name"`
	DesignRefs           []string   `json:"design_refs"`
	Status               string     `json:"status"`
	IsValidated          bool       `json:"is_validated"`
	PostValidationAction string     `json:"post_validation_action"`
	ValidatedAt          *string    `json:"validated_at,omitempty"`
	ValidatedBy          *Validator `json:"validated_by,omitempty"`
	PublishedAt          *string    `json:"published_at,omitempty"`
	Version              int64      `json:"version"`
	CanPublish           bool       `json:"can_publish"`
	CanModifyAction      bool       `json:"can_modify_action"`
}

// Outcome is one product transition caused by a decision.
type Outcome struct {
	ProductID   string `json:"product_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	IsValidated bool   `json:"is_validated"`
}

// Failure is a product a cascade or reconcile could not update.
type Failure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

// Decision is the result of validating, rejecting or resubmitting a design.
type Decision struct {
	Design  Design `json:"design"`
	Cascade struct {
		AffectedCount int       `json:"affected_count"`
		Affected      []string  `json:"affected_products"`
		Outcomes      []Outcome `json:"outcomes"`
		Failures      []Failure `json:"failures"`
	} `json:"cascade"`
}

// ReconcileResult lists the products a reconcile run updated.
type ReconcileResult struct {
	UpdatedCount int       `json:"updated_count"`
	Updated      []Product `json:"updated_products"`
	Failures     []Failure `json:"failures"`
}

// Stats counts products by how they reached validation.
type Stats struct {
	AutoValidated     int `json:"auto_validated"`
	ManuallyValidated int `json:"manually_validated"`
	PendingValidation int `json:"pending_validation"`
	AwaitingPublish   int `json:"awaiting_publish"`
	Published         int `json:"published"`
	Total             int `json:"total"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// DesignPage is one page of designs.
type DesignPage struct {
	Items      []Design `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// ProductPage is one page of products.
type ProductPage struct {
	Items      []Product `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable code from
// the error envelope, such as not_eligible or already_validated.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDesign submits a design for review.
func (c *Client) CreateDesign(ctx context.Context, title, assetRef string) (Design, error) {
	var resp Design
	err := c.do(ctx, http.MethodPost, "designs", map[string]any{"title": title, "asset_ref": assetRef}, &resp)
	return resp, err
}

// GetDesign fetches a design by id.
func (c *Client) GetDesign(ctx context.Context, id string) (Design, error) {
	var resp Design
	err := c.do(ctx, http.MethodGet, "designs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDesigns returns a page of designs. Vendors only ever see their own.
func (c *Client) ListDesigns(ctx context.Context, status string, limit int, cursor string) (DesignPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp DesignPage
	err := c.do(ctx, http.MethodGet, withPage("designs", q, limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) ValidateDesign(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPut, "designs/"+url.PathEscape(id)+"/validate", nil, &resp)
	return resp, err
}

func (c *Client) RejectDesign(ctx context.Context, id, reason string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPut, "designs/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) ResubmitDesign(ctx context.Context, id string) (Decision, error) {
	var resp Decision
	err := c.do(ctx, http.MethodPut, "designs/"+url.PathEscape(id)+"/resubmit", nil, &resp)
	return resp, err
}

// CreateProduct creates a product referencing designIDs. An empty action
// leaves the server default.
func (c *Client) CreateProduct(ctx context.Context, name string, designIDs []string, action string) (Product, error) {
	body := map[string]any{"name": name, "design_refs": designIDs}
	if action != "" {
		body["post_validation_action"] = action
	}
	var resp Product
	err := c.do(ctx, http.MethodPost, "products", body, &resp)
	return resp, err
}

func (c *Client) GetProduct(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodGet, "products/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProducts returns a page of products referencing designID, or all
// visible products when designID is empty.
func (c *Client) ListProducts(ctx context.Context, designID string, limit int, cursor string) (ProductPage, error) {
	q := url.Values{}
	if designID != "" {
		q.Set("design_id", designID)
	}
	var resp ProductPage
	err := c.do(ctx, http.MethodGet, withPage("products", q, limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) SubmitProduct(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPut, "products/"+url.PathEscape(id)+"/submit", nil, &resp)
	return resp, err
}

func (c *Client) SetPostValidationAction(ctx context.Context, id, action string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPut, "products/"+url.PathEscape(id)+"/post-validation-action",
		map[string]any{"post_validation_action": action}, &resp)
	return resp, err
}

func (c *Client) PublishProduct(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPut, "products/"+url.PathEscape(id)+"/publish", nil, &resp)
	return resp, err
}

// Reconcile re-derives validation for every unpublished product.
func (c *Client) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var resp ReconcileResult
	err := c.do(ctx, http.MethodPost, "admin/products/auto-validate", nil, &resp)
	return resp, err
}

func (c *Client) ReconcileProduct(ctx context.Context, id string) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodPost, "admin/products/"+url.PathEscape(id)+"/auto-validate", nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "admin/stats/auto-validation", nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage("events", url.Values{}, limit, cursor), nil, &resp)
	return resp, err
}

// DevLogin mints a token on servers with dev login enabled and stores it
// as the client's bearer token.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID}
	if len(roles) > 0 {
		body["roles"] = roles
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func withPage(endpoint string, q url.Values, limit int, cursor string) string {
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
