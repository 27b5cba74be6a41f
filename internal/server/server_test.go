package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/domain"
	"atelier/internal/engine"
	"atelier/internal/migrate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "test-secret"

var (
	adminHeaders  = map[string]string{"X-Actor-Id": "admin-1", "X-Actor-Roles": "admin"}
	vendorHeaders = map[string]string{"X-Actor-Id": "vendor-1", "X-Actor-Roles": "vendor"}
	rivalHeaders  = map[string]string{"X-Actor-Id": "vendor-2", "X-Actor-Roles": "vendor"}
)

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	require.NoError(t, migrate.Migrate(conn), "migrate")
	logger := zaptest.NewLogger(t)
	e := engine.New(conn, config.Default(), logger)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Logger:   logger,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
	})
	require.NoError(t, err, "build handler")
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, t: t}
}

func (s *testServer) do(method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	s.t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err, "marshal body")
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(s.t, err, "new request")
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.Client().Do(req)
	require.NoError(s.t, err, "do request")
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(s.t, err, "read body")
	return res, data
}

func (s *testServer) expect(status int, method, path string, body any, headers map[string]string, out any) {
	s.t.Helper()
	res, data := s.do(method, path, body, headers)
	require.Equal(s.t, status, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(s.t, json.Unmarshal(data, out), string(data))
	}
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func (s *testServer) expectError(status int, code, method, path string, body any, headers map[string]string) apiErrorBody {
	s.t.Helper()
	var env errorEnvelope
	s.expect(status, method, path, body, headers, &env)
	assert.Equal(s.t, code, env.Error.Code)
	return env.Error
}

func (s *testServer) design(title string) domain.Design {
	s.t.Helper()
	var d domain.Design
	s.expect(http.StatusCreated, http.MethodPost, "/v0/designs", map[string]any{"title": title, "asset_ref": "s3://assets/" + title}, vendorHeaders, &d)
	return d
}

func (s *testServer) product(action domain.PostValidationAction, refs ...string) ProductResponse {
	s.t.Helper()
	var p ProductResponse
	s.expect(http.StatusCreated, http.MethodPost, "/v0/products", map[string]any{
		"name": "tee", "design_refs": refs, "post_validation_action": action,
	}, vendorHeaders, &p)
	s.expect(http.StatusOK, http.MethodPut, "/v0/products/"+p.ID+"/submit", nil, vendorHeaders, &p)
	return p
}

func TestFanInAutoPublishOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	d1, d2 := srv.design("front"), srv.design("back")
	p := srv.product(domain.AutoPublish, d1.ID, d2.ID)
	require.Equal(t, domain.ProductPending, p.Status)

	var res DesignDecisionResponse
	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d1.ID+"/validate", nil, adminHeaders, &res)
	assert.Equal(t, domain.DesignValidated, res.Design.Status)
	assert.Equal(t, 0, res.Cascade.AffectedCount)

	var got ProductResponse
	srv.expect(http.StatusOK, http.MethodGet, "/v0/products/"+p.ID, nil, vendorHeaders, &got)
	assert.Equal(t, domain.ProductPending, got.Status)
	assert.False(t, got.IsValidated)

	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d2.ID+"/validate", nil, adminHeaders, &res)
	assert.Equal(t, 1, res.Cascade.AffectedCount)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)

	srv.expect(http.StatusOK, http.MethodGet, "/v0/products/"+p.ID, nil, vendorHeaders, &got)
	assert.Equal(t, domain.ProductPublished, got.Status)
	assert.True(t, got.IsValidated)
	require.NotNil(t, got.ValidatedBy)
	assert.Equal(t, "admin-1", got.ValidatedBy.ID)
	assert.False(t, got.CanModifyAction)

	srv.expectError(http.StatusConflict, "already_validated", http.MethodPut, "/v0/designs/"+d2.ID+"/validate", nil, adminHeaders)
}

func TestManualPublishOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	d1, d2 := srv.design("front"), srv.design("back")
	p := srv.product(domain.ToDraft, d1.ID, d2.ID)

	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d1.ID+"/validate", nil, adminHeaders, nil)
	body := srv.expectError(http.StatusConflict, "not_eligible", http.MethodPut, "/v0/products/"+p.ID+"/publish", nil, vendorHeaders)
	assert.Equal(t, []any{d2.ID}, body.Details["unvalidated_designs"])

	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d2.ID+"/validate", nil, adminHeaders, nil)
	var got ProductResponse
	srv.expect(http.StatusOK, http.MethodGet, "/v0/products/"+p.ID, nil, vendorHeaders, &got)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.True(t, got.CanPublish)

	srv.expectError(http.StatusConflict, "locked", http.MethodPut, "/v0/products/"+p.ID+"/post-validation-action",
		map[string]any{"post_validation_action": "AUTO_PUBLISH"}, vendorHeaders)
	srv.expectError(http.StatusForbidden, "not_owner", http.MethodPut, "/v0/products/"+p.ID+"/publish", nil, rivalHeaders)

	srv.expect(http.StatusOK, http.MethodPut, "/v0/products/"+p.ID+"/publish", nil, vendorHeaders, &got)
	assert.Equal(t, domain.ProductPublished, got.Status)
	assert.NotNil(t, got.PublishedAt)
	srv.expectError(http.StatusConflict, "already_published", http.MethodPut, "/v0/products/"+p.ID+"/publish", nil, vendorHeaders)
}

func TestRejectOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	d := srv.design("front")
	p := srv.product(domain.AutoPublish, d.ID)

	srv.expectError(http.StatusBadRequest, "invalid_reason", http.MethodPut, "/v0/designs/"+d.ID+"/reject", map[string]any{"reason": "  "}, adminHeaders)
	srv.expectError(http.StatusNotFound, "not_found", http.MethodPut, "/v0/designs/missing/reject", map[string]any{"reason": "blurry"}, adminHeaders)
	srv.expectError(http.StatusForbidden, "forbidden", http.MethodPut, "/v0/designs/"+d.ID+"/reject", map[string]any{"reason": "blurry"}, vendorHeaders)

	var res DesignDecisionResponse
	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d.ID+"/reject", map[string]any{"reason": "blurry"}, adminHeaders, &res)
	assert.Equal(t, domain.DesignRejected, res.Design.Status)
	assert.Equal(t, "blurry", res.Design.RejectionReason)
	assert.Equal(t, []string{p.ID}, res.Cascade.Affected)

	var got ProductResponse
	srv.expect(http.StatusOK, http.MethodGet, "/v0/products/"+p.ID, nil, vendorHeaders, &got)
	assert.Equal(t, domain.ProductDraft, got.Status)
	assert.False(t, got.IsValidated)
}

func TestAdminReconcileAndStats(t *testing.T) {
	srv := newTestServer(t)
	d := srv.design("front")
	p := srv.product(domain.ToDraft, d.ID)

	srv.expectError(http.StatusForbidden, "forbidden", http.MethodPost, "/v0/admin/products/auto-validate", nil, vendorHeaders)
	srv.expectError(http.StatusConflict, "not_eligible", http.MethodPost, "/v0/admin/products/"+p.ID+"/auto-validate", nil, adminHeaders)
	srv.expectError(http.StatusNotFound, "not_found", http.MethodPost, "/v0/admin/products/missing/auto-validate", nil, adminHeaders)

	var rec ReconcileResponse
	srv.expect(http.StatusOK, http.MethodPost, "/v0/admin/products/auto-validate", nil, adminHeaders, &rec)
	assert.Equal(t, 0, rec.UpdatedCount)
	assert.Empty(t, rec.Updated)

	var stats domain.ValidationStats
	srv.expect(http.StatusOK, http.MethodGet, "/v0/admin/stats/auto-validation", nil, adminHeaders, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.PendingValidation)
}

func TestListsAreScopedToVendor(t *testing.T) {
	srv := newTestServer(t)
	d := srv.design("front")
	srv.product(domain.ToDraft, d.ID)

	var mine paginatedProducts
	srv.expect(http.StatusOK, http.MethodGet, "/v0/products", nil, vendorHeaders, &mine)
	assert.Len(t, mine.Items, 1)

	var theirs paginatedProducts
	srv.expect(http.StatusOK, http.MethodGet, "/v0/products?vendor_id=vendor-1", nil, rivalHeaders, &theirs)
	assert.Empty(t, theirs.Items)

	var designs paginatedDesigns
	srv.expect(http.StatusOK, http.MethodGet, "/v0/designs?status=PENDING", nil, adminHeaders, &designs)
	require.Len(t, designs.Items, 1)
	srv.expectError(http.StatusForbidden, "not_owner", http.MethodGet, "/v0/designs/"+d.ID, nil, rivalHeaders)
	srv.expectError(http.StatusBadRequest, "bad_request", http.MethodGet, "/v0/designs?cursor=bogus", nil, adminHeaders)
}

func TestDesignListPaging(t *testing.T) {
	srv := newTestServer(t)
	for _, title := range []string{"a", "b", "c"} {
		srv.design(title)
	}
	var page paginatedDesigns
	srv.expect(http.StatusOK, http.MethodGet, "/v0/designs?limit=2", nil, vendorHeaders, &page)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	var rest paginatedDesigns
	srv.expect(http.StatusOK, http.MethodGet, "/v0/designs?limit=2&cursor="+page.NextCursor, nil, vendorHeaders, &rest)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.NotEqual(t, page.Items[0].ID, rest.Items[0].ID)
	assert.NotEqual(t, page.Items[1].ID, rest.Items[0].ID)
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	d := srv.design("front")
	srv.expect(http.StatusOK, http.MethodPut, "/v0/designs/"+d.ID+"/validate", nil, adminHeaders, nil)

	var evts paginatedEvents
	srv.expect(http.StatusOK, http.MethodGet, "/v0/events?entity_kind=design&entity_id="+d.ID, nil, adminHeaders, &evts)
	require.Len(t, evts.Items, 2)
	assert.Equal(t, "design.validated", evts.Items[0].Type)
	assert.Equal(t, "design.created", evts.Items[1].Type)

	var page paginatedEvents
	srv.expect(http.StatusOK, http.MethodGet, "/v0/events?limit=1", nil, adminHeaders, &page)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)

	srv.expectError(http.StatusForbidden, "forbidden", http.MethodGet, "/v0/events", nil, vendorHeaders)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)

	srv.expect(http.StatusOK, http.MethodGet, "/v0/health", nil, nil, nil)
	srv.expectError(http.StatusUnauthorized, "unauthorized", http.MethodGet, "/v0/designs", nil, nil)
	srv.expectError(http.StatusUnauthorized, "invalid_credentials", http.MethodGet, "/v0/designs", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})

	var login DevLoginResponse
	srv.expect(http.StatusOK, http.MethodPost, "/v0/auth/dev/login", map[string]any{"actor_id": "admin-1", "roles": []string{"admin"}}, nil, &login)
	require.NotEmpty(t, login.Token)
	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	srv.expect(http.StatusOK, http.MethodGet, "/v0/admin/stats/auto-validation", nil, bearer, nil)

	var key APIKeyResponse
	srv.expect(http.StatusCreated, http.MethodPost, "/v0/admin/api-keys",
		map[string]any{"actor_id": "vendor-1", "name": "ci", "roles": []string{"vendor"}}, bearer, &key)
	require.True(t, strings.HasPrefix(key.Key, "atl_"))

	var d domain.Design
	srv.expect(http.StatusCreated, http.MethodPost, "/v0/designs", map[string]any{"title": "keyed"}, map[string]string{"X-Api-Key": key.Key}, &d)
	assert.Equal(t, "vendor-1", d.VendorID)
	srv.expectError(http.StatusUnauthorized, "invalid_credentials", http.MethodGet, "/v0/designs", nil, map[string]string{"X-Api-Key": "atl_wrong"})

	var keys []domain.APIKey
	srv.expect(http.StatusOK, http.MethodGet, "/v0/admin/api-keys?actor_id=vendor-1", nil, bearer, &keys)
	require.Len(t, keys, 1)
	_, raw := srv.do(http.MethodGet, "/v0/admin/api-keys", nil, bearer)
	assert.NotContains(t, string(raw), "key_hash")
	srv.expect(http.StatusNoContent, http.MethodDelete, "/v0/admin/api-keys/"+key.ID, nil, bearer, nil)
	srv.expectError(http.StatusUnauthorized, "invalid_credentials", http.MethodGet, "/v0/designs", nil, map[string]string{"X-Api-Key": key.Key})
}

func TestServiceEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, body := srv.do(http.MethodGet, "/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(body, &oas))
	paths, _ := oas["paths"].(map[string]any)
	assert.Contains(t, paths, "/v0/designs/{id}/validate")
	assert.Contains(t, paths, "/v0/admin/stats/auto-validation")

	res, body = srv.do(http.MethodGet, "/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "/v0/openapi.json")

	res, _ = srv.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
