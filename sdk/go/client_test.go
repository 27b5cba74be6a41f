package ateliersdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/migrate"
	"atelier/internal/server"
)

func newServer(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	logger := zaptest.NewLogger(t)
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, config.Default(), logger),
		BasePath: "/v0",
		Logger:   logger,
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv.URL
}

func login(t *testing.T, url, actor, role string) *Client {
	t.Helper()
	c := New(url)
	_, err := c.DevLogin(context.Background(), actor, role)
	require.NoError(t, err)
	require.NotEmpty(t, c.BearerToken)
	return c
}

func TestClientDesignToPublish(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	vendor := login(t, url, "vendor-1", "vendor")
	admin := login(t, url, "admin-1", "admin")

	front, err := vendor.CreateDesign(ctx, "front", "s3://art/front.png")
	require.NoError(t, err)
	assert.Equal(t, "PENDING", front.Status)
	back, err := vendor.CreateDesign(ctx, "back", "")
	require.NoError(t, err)

	p, err := vendor.CreateProduct(ctx, "tee", []string{front.ID, back.ID}, "TO_DRAFT")
	require.NoError(t, err)
	p, err = vendor.SubmitProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", p.Status)
	assert.False(t, p.CanPublish)

	_, err = admin.ValidateDesign(ctx, front.ID)
	require.NoError(t, err)
	_, err = vendor.PublishProduct(ctx, p.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_eligible", apiErr.Code)
	assert.Equal(t, []any{back.ID}, apiErr.Details["unvalidated_designs"])

	dec, err := admin.ValidateDesign(ctx, back.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, dec.Cascade.Affected)

	p, err = vendor.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "DRAFT", p.Status)
	assert.True(t, p.IsValidated)
	assert.True(t, p.CanPublish)

	p, err = vendor.PublishProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "PUBLISHED", p.Status)
	require.NotNil(t, p.PublishedAt)

	page, err := vendor.ListProducts(ctx, front.ID, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, p.ID, page.Items[0].ID)

	stats, err := admin.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
	assert.Equal(t, 1, stats.Total)
}

func TestClientRejectAndResubmit(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	vendor := login(t, url, "vendor-1", "vendor")
	admin := login(t, url, "admin-1", "admin")

	d, err := vendor.CreateDesign(ctx, "front", "")
	require.NoError(t, err)
	dec, err := admin.RejectDesign(ctx, d.ID, "blurry")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", dec.Design.Status)
	assert.Equal(t, "blurry", dec.Design.RejectionReason)

	_, err = admin.RejectDesign(ctx, d.ID, "again")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "already_rejected", apiErr.Code)

	dec, err = vendor.ResubmitDesign(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", dec.Design.Status)

	designs, err := vendor.ListDesigns(ctx, "PENDING", 0, "")
	require.NoError(t, err)
	require.Len(t, designs.Items, 1)
	assert.Equal(t, d.ID, designs.Items[0].ID)

	events, err := admin.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, events.Items, 2)
	assert.NotEmpty(t, events.NextCursor)
	assert.Equal(t, "design.resubmitted", events.Items[0].Type)
}

func TestClientReconcile(t *testing.T) {
	url := newServer(t)
	ctx := context.Background()
	admin := login(t, url, "admin-1", "admin")

	res, err := admin.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.UpdatedCount)

	_, err = admin.ReconcileProduct(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestClientUnauthenticated(t *testing.T) {
	url := newServer(t)
	_, err := New(url).Stats(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
