package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/steprun/internal/engine"
	"github.com/rendis/steprun/internal/expressions"
	"github.com/rendis/steprun/internal/forms"
	"github.com/rendis/steprun/internal/layout"
	"github.com/rendis/steprun/internal/logging"
	"github.com/rendis/steprun/internal/panel"
	"github.com/rendis/steprun/internal/reference"
	"github.com/rendis/steprun/internal/store"
	"github.com/rendis/steprun/internal/streaming"
	"github.com/rendis/steprun/internal/transport"
	stepmcp "github.com/rendis/steprun/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

// app is the wired process: one store, one manager, the HTTP surfaces.
type app struct {
	cfg     Config
	logger  *slog.Logger
	level   *slog.LevelVar
	store   *store.LibSQLStore
	hub     *streaming.MemoryHub
	manager *engine.Manager
	layouts *layout.Registry
	panel   *panel.Server
	mcp     *stepmcp.StepServer
	routes  atomic.Pointer[http.Handler]
}

func serveCmd() *cobra.Command {
	var addr, graphPath, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the debug panel API, SSE events and the MCP endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if graphPath != "" {
				cfg.GraphFile = graphPath
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides listen_addr)")
	cmd.Flags().StringVar(&graphPath, "graph", "", "YAML graph whose nodes are mounted at start")
	cmd.Flags().StringVar(&dbPath, "db", "", "libSQL database path (overrides db_path)")
	return cmd
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:"+cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	graph := &graphFile{ID: "default"}
	if cfg.GraphFile != "" {
		if graph, err = loadGraph(cfg.GraphFile); err != nil {
			_ = st.Close()
			return nil, err
		}
		for nodeID, vals := range graph.Values {
			if err := st.RecordOutputs(ctx, nodeID, vals); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
	}

	var tr engine.Transport
	if cfg.TransportURL != "" {
		ht, err := transport.New(transport.Config{
			Endpoint: cfg.TransportURL,
			Timeout:  time.Duration(cfg.TransportTimeout),
			Logger:   logger,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		tr = ht
	}

	hub := streaming.NewMemoryHub()
	jq := expressions.NewGoJQEngine()
	manager := engine.NewManager(engine.Deps{
		Resolver:    reference.NewResolver(st),
		FormContext: &forms.Context{Graph: graph.nodeGraph(), ChatMode: graph.ChatMode},
		Graph:       graph.nodeGraph(),
		Transport:   tr,
		Syncer:      store.NewDraftSync(st, graph.ID, graph.draftSource()),
		Recorder:    st,
		Hub:         hub,
		Pool:        engine.NewRunPool(cfg.PoolSize),
		Logger:      logger,
	})
	for _, n := range graph.Nodes {
		if _, err := manager.Mount(n); err != nil {
			manager.Close()
			_ = st.Close()
			return nil, err
		}
	}

	layouts := layout.NewRegistry(layout.Config{
		MinWidth:            cfg.PanelMinWidth,
		ReservedCanvasWidth: cfg.ReservedCanvasWidth,
		PersistDelay:        time.Duration(cfg.PersistDebounce),
	}, st, logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		level:   level,
		store:   st,
		hub:     hub,
		manager: manager,
		layouts: layouts,
		panel:   panel.NewServer(panel.Deps{Manager: manager, Hub: hub, Layouts: layouts, JQ: jq, Logger: logger}),
		mcp:     stepmcp.NewStepServer(stepmcp.ServerDeps{Manager: manager, Hub: hub, JQ: jq, Version: version, Logger: logger}),
	}
	a.rebuildRoutes()
	return a, nil
}

// rebuildRoutes installs a fresh mux for the current config.
func (a *app) rebuildRoutes() {
	mux := http.NewServeMux()
	mux.Handle("/", a.panel.Handler())
	if a.cfg.MCP {
		base := strings.TrimRight(a.cfg.BaseURL, "/") + "/mcp"
		mux.Handle("/mcp/", http.StripPrefix("/mcp", a.mcp.SSEHandler(base)))
	}
	var h http.Handler = mux
	a.routes.Store(&h)
}

func (a *app) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*a.routes.Load()).ServeHTTP(w, r)
}

func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", slog.String("addr", a.cfg.ListenAddr), slog.Bool("mcp", a.cfg.MCP))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.mcp.Watch(ctx) })
	g.Go(func() error { return a.watchReload(ctx) })
	return g.Wait()
}

// watchReload re-reads the config on SIGHUP. Log level and the MCP endpoint
// change in place; other fields need a restart.
func (a *app) watchReload(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			next, err := loadConfig()
			if err != nil {
				a.logger.Warn("config reload failed", slog.String("error", err.Error()))
				continue
			}
			next.ListenAddr, next.GraphFile, next.DBPath = a.cfg.ListenAddr, a.cfg.GraphFile, a.cfg.DBPath
			a.applyConfig(next)
		}
	}
}

func (a *app) applyConfig(next Config) {
	d := diffConfigs(a.cfg, next)
	a.cfg.LogLevel, a.cfg.MCP = next.LogLevel, next.MCP
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
	}
	if d.MCPChanged {
		a.rebuildRoutes()
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("config changes need a restart", slog.Any("fields", d.RestartNeeded))
	}
	a.logger.Info("config reloaded", slog.Bool("mcp", a.cfg.MCP), slog.String("log_level", a.cfg.LogLevel))
}

func (a *app) close() {
	a.layouts.Close()
	a.manager.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
