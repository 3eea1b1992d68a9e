package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvidlabs/xstream/pkg/agent"
	"github.com/corvidlabs/xstream/pkg/circadian"
	"github.com/corvidlabs/xstream/pkg/eventbus"
	"github.com/corvidlabs/xstream/pkg/log"
	"github.com/corvidlabs/xstream/pkg/metrics"
	"github.com/corvidlabs/xstream/pkg/poller"
	"github.com/corvidlabs/xstream/pkg/pool"
	"github.com/corvidlabs/xstream/pkg/ratelimit"
	"github.com/corvidlabs/xstream/pkg/scraper"
	"github.com/corvidlabs/xstream/pkg/session"
	"github.com/corvidlabs/xstream/pkg/store"
	"github.com/corvidlabs/xstream/pkg/streammanager"
)

const eventHistoryCap = 200

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Stream Manager and configured Agent Orchestrators",
	Long: `serve constructs the process-wide singletons (State Store, Rate-Limit
Registry, Browser Pool, Event Bus, Stream Manager, Agent Orchestrators),
replays any streams persisted from a previous run, and blocks until
SIGINT/SIGTERM, shutting everything down in reverse creation order.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("enable-agents", true, "Start the configured Agent Orchestrators alongside the Stream Manager")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	enableAgents, _ := cmd.Flags().GetBool("enable-agents")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("xstreamd")

	// Singletons created in dependency order; torn down in reverse (spec
	// §9: Pool, Rate Registry, Event Bus created at process init and shut
	// down in reverse order).
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	rateRegistry := ratelimit.NewRegistry(cfg.RateLimit.toRateLimitConfig())
	browserPool := pool.New(cfg.Pool.toPoolConfig())
	dispatcher := scraper.NewDispatcher()
	bus := eventbus.New(st, eventHistoryCap)

	sessionStore, err := session.NewFileStore(cfg.DataDir + "/sessions")
	if err != nil {
		closeStore()
		return fmt.Errorf("opening session store: %w", err)
	}

	manager := streammanager.New(cfg.StreamManager.toStreamManagerConfig(), poller.Deps{
		Store:       st,
		Pool:        browserPool,
		Dispatcher:  dispatcher,
		RateLimiter: rateRegistry,
		Bus:         bus,
	})
	if err := manager.Start(ctx); err != nil {
		closeStore()
		return fmt.Errorf("starting stream manager: %w", err)
	}

	var orchestrators []*agent.Orchestrator
	if enableAgents {
		for _, ac := range cfg.Agents {
			o := agent.New(ac.toAgentConfig(), agent.Deps{
				Store:       st,
				Pool:        browserPool,
				Dispatcher:  dispatcher,
				RateLimiter: rateRegistry,
				Circadian:   circadian.New(circadian.DefaultConfig(), seedFor(ac.ID)),
				Session:     sessionStore,
			})
			o.Start(ctx)
			orchestrators = append(orchestrators, o)
			logger.Info().Str("agent_id", ac.ID).Msg("agent orchestrator started")
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		stats := manager.GlobalStats()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "streams=%d running=%d pool_handles=%d/%d pages_open=%d\n",
			stats.Total, stats.Running, stats.PoolInfo.Handles, stats.PoolInfo.MaxHandles, stats.PoolInfo.PagesOpen)
	})

	httpServer := &http.Server{Addr: cfg.ServerAddr, Handler: mux}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.ServerAddr).Msg("metrics/health server listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	for _, o := range orchestrators {
		o.Stop(5 * time.Second)
	}
	_ = manager.StopAll(shutdownCtx)
	_ = browserPool.Close()
	closeStore()

	logger.Info().Msg("shutdown complete")
	return nil
}

// seedFor derives a stable circadian seed from an agent ID, so every
// process start replays the same sequence of day plans rather than drawing
// a fresh random one. Only the first plan built after a start comes from
// the seed's initial state, so a given date's plan can differ across
// restarts.
func seedFor(agentID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	return h.Sum64()
}

func openStore(cfg Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "redis":
		s := store.NewRedisStoreFromAddr(cfg.RedisAddr, cfg.RedisDB)
		return s, func() { _ = s.Close() }, nil
	default:
		s, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}
