package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"atelier/internal/engine"
	"atelier/internal/metrics"
	"atelier/internal/repo"
)

const maxBodyBytes = 1 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type bodyBytesKey struct{}

// New returns an HTTP handler exposing the Atelier API under cfg.BasePath.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, fmt.Errorf("server: engine has no database")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	basePath := normalizeBasePath(cfg.BasePath)
	huma.DefaultArrayNullable = false
	installErrorHooks()

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(observe(cfg.Logger))
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Atelier API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := huma.NewGroup(humachi.New(router, hcfg), basePath)

	registerHealth(api, cfg.Engine)
	registerDesigns(api, cfg.Engine)
	registerProducts(api, cfg.Engine)
	registerAdmin(api, cfg.Engine)
	registerEvents(api, cfg.Engine)
	registerAPIKeys(api, cfg.Engine)
	registerAPIKeyAdmin(api, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(api, cfg.Auth)
	}
	router.Handle("/metrics", promhttp.Handler())
	mountOpenAPI(router, api, basePath)
	return router, nil
}

func normalizeBasePath(basePath string) string {
	basePath = strings.Trim(strings.TrimSpace(basePath), "/")
	if basePath == "" {
		return "/v0"
	}
	return "/" + basePath
}

// observe records request metrics by chi route pattern and logs each
// request once it completes.
func observe(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			logger.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
			)
		})
	}
}

// captureBody keeps a copy of the request body so handlers can tell an
// absent body from an empty JSON object.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", err.Error(), nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(buf))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, buf)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

type healthBody struct {
	Status   string `json:"status" example:"ok"`
	Database string `json:"database" example:"ok"`
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness and database reachability",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body healthBody `json:"body"`
	}, error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unreachable", map[string]any{"error": err.Error()})
		}
		return &struct {
			Body healthBody `json:"body"`
		}{Body: healthBody{Status: "ok", Database: "ok"}}, nil
	})
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 200:
		return 200
	}
	return in
}

// Design and product lists page on "created_at|id" cursors.
func parseCompositeCursor(cursor string) (*repo.Cursor, error) {
	if cursor == "" {
		return nil, nil
	}
	ts, id, ok := strings.Cut(cursor, "|")
	if !ok || ts == "" || id == "" {
		return nil, fmt.Errorf("invalid cursor %q", cursor)
	}
	return &repo.Cursor{CreatedAt: ts, ID: id}, nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
