package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/csai/fleetdash/internal/auth"
	"github.com/csai/fleetdash/internal/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the background discovery and health loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.load(cmd, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(); err != nil {
					app.Logger.Warn("shutdown_close_failed", slog.String("error", err.Error()))
				}
			}()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, app)
		},
	}
}

// Handler assembles the middleware chain around the API routes.
func (a *App) Handler() http.Handler {
	cfg := a.Config
	routes := a.Server().Routes()
	protected := auth.Middleware(cfg.Auth, routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, a.Metrics).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.Server.HealthPublic && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	return observability.Middleware(a.Logger, a.Metrics, root)
}

func serve(ctx context.Context, app *App) error {
	cfg := app.Config
	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      app.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go runLoops(loopCtx, app)

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("fleetdash_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.String("version", cfg.Server.Version),
			slog.Bool("auth_enabled", cfg.Auth.BearerToken != ""),
			slog.String("chat_backend", cfg.Storage.ChatBackend),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			app.Logger.Error("server_failed", slog.String("error", err.Error()))
			return err
		}
	case <-ctx.Done():
	}

	cancelLoops()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	app.Logger.Info("fleetdash_stopped")
	return nil
}

// runLoops runs the startup scan and then the periodic discovery and health
// sweeps. A zero interval disables the corresponding loop.
func runLoops(ctx context.Context, app *App) {
	cfg := app.Config
	if cfg.Discovery.OnStartup {
		if _, err := app.Discovery.Discover(ctx); err != nil {
			app.Logger.Warn("startup_discovery_failed", slog.String("error", err.Error()))
		}
	}
	if cfg.Discovery.IntervalSeconds > 0 {
		go app.Discovery.Run(ctx, time.Duration(cfg.Discovery.IntervalSeconds)*time.Second)
	}
	if cfg.Health.IntervalSeconds > 0 {
		go app.Health.Run(ctx, time.Duration(cfg.Health.IntervalSeconds)*time.Second)
	}
	<-ctx.Done()
}
