// vibesd wires the core components into one running process:
// a durable event log, an in-process broadcast bus, a projection
// engine persisting read models to Postgres, a session manager backed
// by the scripted mock backend, an agent registry, a WebSocket
// firehose, and a capability introspector watching the host tool's
// on-disk config surfaces. No subprocess supervisor is started;
// configured supervisor binaries are only logged.
//
// Flag/env/.env loading and the graceful-shutdown-on-signal idiom are
// grounded on codeready-toolchain-tarsy's cmd/tarsy/main.go.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/joho/godotenv"

	"github.com/run-vibes/vibes-core/internal/agent"
	"github.com/run-vibes/vibes-core/internal/backend"
	"github.com/run-vibes/vibes-core/internal/config"
	"github.com/run-vibes/vibes-core/internal/eventbus"
	"github.com/run-vibes/vibes-core/internal/eventlog"
	"github.com/run-vibes/vibes-core/internal/firehose"
	"github.com/run-vibes/vibes-core/internal/httpkit"
	"github.com/run-vibes/vibes-core/internal/introspect"
	"github.com/run-vibes/vibes-core/internal/pluginroute"
	"github.com/run-vibes/vibes-core/internal/projection"
	"github.com/run-vibes/vibes-core/internal/projection/store"
	"github.com/run-vibes/vibes-core/internal/session"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// registerStatusRoute mounts a /api/vibesd/status route reporting the
// sessions and agents currently tracked plus the most recent
// capability snapshot, alongside the firehose's own /api/firehose
// route on the same echo instance.
func registerStatusRoute(fh *firehose.Server, sessions *session.Manager, agents *agent.Registry, watcher *introspect.Watcher, log *slog.Logger) {
	fh.Echo().GET("/api/vibesd/status", func(c *echo.Context) error {
		resp := map[string]any{
			"sessions": sessions.ListSessionsWithState(),
			"agents":   agents.List(),
		}
		if watcher != nil {
			resp["capabilities"] = watcher.Capabilities()
		}
		return c.JSON(http.StatusOK, resp)
	})

	fh.Echo().GET("/api/vibesd/sessions/:id", func(c *echo.Context) error {
		id := c.PathParam("id")
		state, err := sessions.GetSessionState(id)
		if err != nil {
			return httpkit.MapError(log, err)
		}
		name, err := sessions.GetSessionName(id)
		if err != nil {
			return httpkit.MapError(log, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"id": id, "name": name, "state": state})
	})
}

// registerPluginRoutes mounts the §6 plugin HTTP route contract: each
// plugin registers its method/path specs up front (typically while
// connecting), and vibesd dispatches unmatched /api/* requests to
// whichever plugin owns the matching route. No handler is invoked
// directly here since plugins run out-of-process; the registry's job
// is namespacing and conflict detection, so an unmatched or
// not-yet-wired route reports 404/501 rather than falling through to
// echo's own router.
func registerPluginRoutes(e *echo.Echo, routes *pluginroute.Registry) {
	e.Any("/api/*", func(c *echo.Context) error {
		route, params, ok := routes.MatchRoute(c.Request().Method, c.Request().URL.Path)
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no plugin route registered")
		}
		return c.JSON(http.StatusNotImplemented, map[string]any{
			"plugin": route.PluginName,
			"path":   route.FullPath,
			"params": params,
		})
	})
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	dataDir := flag.String("data-dir", "", "override the event log's data directory")
	listen := flag.String("listen", "", "override the firehose listen address")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	evLog, err := eventlog.New(eventlog.WithDataDir(cfg.DataDir), eventlog.WithPartitionCount(cfg.Partitions))
	if err != nil {
		log.Error("failed to open event log", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()

	projStore, err := store.New(ctx, store.Config{DSN: cfg.PostgresDSN})
	if err != nil {
		log.Error("failed to connect projection store", "error", err)
		os.Exit(1)
	}
	defer projStore.Close()

	engine := projection.New(evLog, projStore, log)
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("projection engine stopped", "error", err)
		}
	}()

	sessions := session.New(backend.MockFactory{}, evLog, bus)
	agents := agent.NewRegistry(evLog, bus, agent.WithMaxConcurrent(cfg.MaxConcurrentAgents))

	for name, bin := range cfg.SupervisorBinaries {
		log.Info("configured supervised backend binary", "name", name, "path", bin.Path)
	}

	watcher, err := introspect.New(introspect.ClaudeHarness{}, "", cfg.DebounceInterval)
	if err != nil {
		log.Warn("capability introspection unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	fh := firehose.New(evLog, bus, log)
	registerStatusRoute(fh, sessions, agents, watcher, log)
	registerPluginRoutes(fh.Echo(), pluginroute.New())

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: fh.Echo(),
	}

	go func() {
		log.Info("vibesd listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error during http shutdown", "error", err)
	}
}
