package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilnlabs/kiln/internal/api"
	"github.com/kilnlabs/kiln/internal/engine"
	"github.com/kilnlabs/kiln/internal/pool"
	"github.com/kilnlabs/kiln/internal/server"
	"github.com/kilnlabs/kiln/internal/store"
)

// Daemon wires the store, pool, core server, and HTTP API together.
type Daemon struct {
	Config Config
	Log    *slog.Logger
	Core   *server.Server
	API    *api.Server
}

// New loads configuration and builds a Daemon.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from an explicit config.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log := newLogger(cfg.Logging.Level)
	modelCfgs := cfg.ModelConfigs()

	registry := engine.NewRegistry()
	registry.Register(engine.NewMockAdapter())
	if llama, err := engine.NewLlamaServerAdapter(kilnHome() + "/bin"); err == nil {
		registry.Register(llama)
	} else {
		log.Warn("llamasrv adapter unavailable", "error", err)
	}

	st, err := store.New(cfg.Store.Dir, modelCfgs, store.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	p, err := pool.New(modelCfgs, registry, st, pool.WithLogger(log))
	if err != nil {
		st.Stop()
		return nil, fmt.Errorf("build pool: %w", err)
	}

	core := server.New(st, p, server.WithLogger(log))
	apiSrv := api.NewServer(core)
	if cfg.API.Metrics {
		apiSrv.EnableMetrics()
	}

	return &Daemon{Config: cfg, Log: log, Core: core, API: apiSrv}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Serve starts the daemon and blocks until SIGINT/SIGTERM or ctx
// cancellation, then drains.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: d.API.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("kiln listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		d.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	d.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	return d.Core.Stop(shutdownCtx)
}

func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.Core.Stop(ctx)
}
