package engine

import (
	"context"
	"time"

	"atelier/internal/config"
	"atelier/internal/domain"
	"atelier/internal/engine/auth"
	"atelier/internal/events"
	"atelier/internal/repo"
	"atelier/internal/tracing"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Engine struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Auth   auth.Authorizer
	Logger *zap.Logger
	Tracer trace.Tracer
	Now    func() time.Time
}

func New(db *sqlx.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Auth:   auth.Authorizer{Config: cfg},
		Logger: logger,
		Tracer: tracing.Noop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) tracer() trace.Tracer {
	if e.Tracer == nil {
		return tracing.Noop()
	}
	return e.Tracer
}

func (e Engine) appendEvent(ctx context.Context, tx *sqlx.Tx, evtType, kind, id, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	_, err := w.Append(ctx, tx, evtType, kind, id, actorID, payload)
	return err
}

// statusesFor returns the current status of every design referenced by products.
func (e Engine) statusesFor(ctx context.Context, tx *sqlx.Tx, products ...domain.VendorProduct) (map[string]domain.DesignStatus, error) {
	seen := map[string]bool{}
	var ids []string
	for _, p := range products {
		for _, ref := range p.DesignRefs {
			if !seen[ref] {
				seen[ref] = true
				ids = append(ids, ref)
			}
		}
	}
	if tx != nil {
		return e.Repo.DesignStatusesTx(ctx, tx, ids)
	}
	return e.Repo.DesignStatuses(ctx, ids)
}
