// Package app assembles the storage, engine and background workers for a
// workspace.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/migrate"
	"atelier/internal/notify"
	"atelier/internal/server"
	"atelier/internal/sweep"
	"atelier/internal/tracing"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/atelier.yml.
	ConfigPath string
	Logger     *zap.Logger
}

// App is an opened workspace.
type App struct {
	DB      *sqlx.DB
	Config  *config.Config
	Engine  engine.Engine
	Tracing *tracing.Provider
	Logger  *zap.Logger
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	e := engine.New(conn, cfg, logger)
	e.Tracer = tp.Tracer()
	return &App{DB: conn, Config: cfg, Engine: e, Tracing: tp, Logger: logger}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.Tracing.Shutdown(ctx), a.DB.Close())
}

// Handler builds the HTTP API for the app.
func (a *App) Handler() (http.Handler, error) {
	auth := a.Config.Auth
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Logger:   a.Logger,
		Auth: server.AuthConfig{
			JWTSecret:              auth.JWTSecret,
			JWTIssuer:              auth.JWTIssuer,
			TokenTTL:               time.Duration(auth.TokenTTLSeconds) * time.Second,
			AllowLegacyActorHeader: auth.AllowLegacyActorHeader,
			DevLogin:               auth.DevLogin,
		},
	})
}

// ServeOptions controls Serve.
type ServeOptions struct {
	Addr string
	// NoWorkers skips the reconcile sweep and the notification relay.
	NoWorkers bool
}

// Serve runs the API and, when configured, the reconcile sweep and the
// notification relay until ctx is done. Shutdown waits for in-flight
// requests and workers.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	addr := opts.Addr
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	workCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	if !opts.NoWorkers {
		if err := a.startWorkers(workCtx, &wg); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("listening", zap.String("addr", addr), zap.String("base_path", a.Config.Server.BasePath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	}
	stop()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) startWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if a.Config.Reconciler.Enabled {
		s := sweep.Sweeper{
			Reconciler: a.Engine,
			Interval:   time.Duration(a.Config.Reconciler.IntervalSeconds) * time.Second,
			Logger:     a.Logger.Named("sweep"),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
	relay, err := notify.New(a.Config, a.Engine.Repo, a.Logger.Named("notify"))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	if relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer relay.Close()
			relay.Run(ctx)
		}()
	}
	return nil
}
