package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/list-sync/internal/api"
	"github.com/alexjbarnes/list-sync/internal/clock"
	"github.com/alexjbarnes/list-sync/internal/config"
	"github.com/alexjbarnes/list-sync/internal/connectivity"
	"github.com/alexjbarnes/list-sync/internal/engine"
	"github.com/alexjbarnes/list-sync/internal/live"
	"github.com/alexjbarnes/list-sync/internal/logging"
	"github.com/alexjbarnes/list-sync/internal/mcpserver"
	"github.com/alexjbarnes/list-sync/internal/server"
	"github.com/alexjbarnes/list-sync/internal/spool"
	"github.com/alexjbarnes/list-sync/internal/state"
	"github.com/alexjbarnes/list-sync/internal/tracker"
	"github.com/alexjbarnes/list-sync/internal/view"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon in the foreground.

The daemon probes the list server, holds the live update channel open,
replays queued changes when the server comes back, and picks up commands
written by the other list-sync subcommands. Send SIGUSR1 to make it
behave as if the app had just come to the foreground.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
			logger.Info("list-sync starting",
				slog.String("version", Version),
				slog.String("server", cfg.ServerURL),
				slog.String("state_dir", cfg.StateDir),
				slog.Bool("http", cfg.EnableHTTP),
				slog.Bool("mcp", cfg.EnableMCP),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg, logger)
		},
	}
}

// openStore opens the queue database. When it cannot be opened the
// daemon keeps going without offline support.
func openStore(cfg *config.Config, logger *slog.Logger) (engine.Store, func()) {
	st, err := state.LoadAt(cfg.DBPath())
	if err != nil {
		logger.Error("state store unavailable, changes made offline will be lost",
			slog.String("path", cfg.DBPath()),
			slog.String("error", err.Error()),
		)

		return state.Unavailable{Cause: err}, func() {}
	}

	return st, func() {
		if err := st.Close(); err != nil {
			logger.Warn("closing state store", slog.String("error", err.Error()))
		}
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clk := clock.New()

	store, closeStore := openStore(cfg, logger)
	defer closeStore()

	var clientID string
	if st, ok := store.(*state.State); ok {
		id, err := st.ClientID()
		if err != nil {
			logger.Warn("reading client id", slog.String("error", err.Error()))
		}

		clientID = id
	}

	client := api.NewClient(api.Config{
		BaseURL:  cfg.ServerURL,
		Token:    cfg.APIToken,
		ClientID: clientID,
		Timeout:  cfg.RequestTimeout,
	})

	monitor := connectivity.NewMonitor(clk, false)
	defer monitor.Close()

	channel := live.New(live.Config{
		URL:           cfg.WSURL,
		Token:         cfg.APIToken,
		PingInterval:  cfg.PingInterval,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
		MaxAttempts:   cfg.ReconnectAttempts,
	}, clk, logger)

	model := view.New()

	eng := engine.New(engine.Config{
		Store:        store,
		Server:       client,
		Presenter:    model,
		Connectivity: monitor,
		Channel:      channel,
		Tracker:      tracker.New(clk, cfg.SuppressionWindow),
		Clock:        clk,
		RefreshDelay: cfg.RefreshDebounce,
	}, logger)

	prober := connectivity.NewProber(client, monitor, clk, cfg.ProbeInterval, logger)
	watcher := spool.NewWatcher(cfg.SpoolDir(), eng, logger)

	unsubscribe := channel.States().Subscribe(func(s live.ConnectionState) {
		logger.Debug("live channel state",
			slog.String("state", s.String()),
			slog.Int("attempts", channel.Attempts()),
		)
	})
	defer unsubscribe()

	eng.Start(ctx)
	channel.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return prober.Run(gctx)
	})

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		wakeOnSignal(gctx, monitor, logger)
		return nil
	})

	if cfg.EnableHTTP {
		g.Go(func() error {
			return serveHTTP(gctx, cfg, eng, model, logger)
		})
	}

	err := g.Wait()

	logger.Info("shutting down")

	if cerr := channel.Close(); cerr != nil {
		logger.Warn("closing live channel", slog.String("error", cerr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := eng.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("engine shutdown", slog.String("error", serr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// wakeOnSignal turns SIGUSR1 into a foreground transition, the daemon's
// equivalent of the app becoming visible.
func wakeOnSignal(ctx context.Context, monitor *connectivity.Monitor, logger *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			logger.Info("wake signal received")
			monitor.Wake()
		}
	}
}

func serveHTTP(ctx context.Context, cfg *config.Config, eng *engine.Engine, model *view.Model, logger *slog.Logger) error {
	muxCfg := server.MuxConfig{
		Status:    eng,
		TokenHash: cfg.MCPTokenHash,
		Logger:    logger,
	}

	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "list-sync", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, eng, model)

		muxCfg.MCPHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.NewMux(muxCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	return nil
}
