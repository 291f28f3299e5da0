package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/api"
	"github.com/cuemby/foreman/pkg/blob"
	"github.com/cuemby/foreman/pkg/cache"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/manager"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Foreman dispatcher",
	Long: `Run the Foreman dispatcher: the HTTP API, the job and worker
registries, and the resource-aware scheduler.

Configuration resolves in layers: built-in defaults, then the YAML
config file, then FOREMAN_* environment variables, then flags.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the server config file")
	serverCmd.Flags().String("listen", "", "API listen address")
	serverCmd.Flags().String("data-dir", "", "Directory for job state and blobs")
	serverCmd.Flags().String("redis-addr", "", "Redis address for the shared cache tier")
	serverCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	gin.SetMode(gin.ReleaseMode)
	metrics.SetVersion(Version)

	fmt.Println("Starting Foreman dispatcher...")
	fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	if cfg.RedisAddr != "" {
		fmt.Printf("  Cache Tier: redis (%s)\n", cfg.RedisAddr)
	} else {
		fmt.Printf("  Cache Tier: in-memory\n")
	}
	fmt.Println()

	// Open the authoritative store
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	metrics.RegisterComponent("store", true, "bolt store open")

	cacheTier, err := buildCache(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to connect cache tier: %v", err)
	}

	blobs, err := blob.NewLocalStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("failed to open blob store: %v", err)
	}

	// Create the dispatcher core
	tokens := manager.NewTokenSigner(cfg.WorkerTokenSecret, 0)
	mgr := manager.NewManager(store, cacheTier, blobs, tokens, manager.Config{
		Cooldown:          cfg.Cooldown(),
		DefaultTimeoutMs:  cfg.DefaultTimeoutMs,
		DefaultCPU:        cfg.DefaultCPU,
		DefaultRAMMB:      cfg.DefaultRAMMB,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})

	// Start scheduler
	sched := scheduler.NewScheduler(mgr, cacheTier, scheduler.Config{
		Tick:             cfg.SchedulerTick(),
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
	})
	sched.Start()
	metrics.RegisterComponent("scheduler", true, "ticking")
	fmt.Println("✓ Scheduler started")

	// Start metrics collector
	collector := metrics.NewCollector(store)
	collector.Start()

	// Start API server in background
	apiServer := api.NewServer(mgr, sched, cacheTier, api.Config{
		Addr:            cfg.ListenAddr,
		RateLimitWindow: cfg.RateLimitWindow(),
		RateLimitMax:    cfg.RateLimitMax,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %v", err)
		}
	}()
	metrics.RegisterComponent("api", true, "serving")
	fmt.Println("✓ API server started")

	fmt.Println()
	fmt.Println("Dispatcher is running. Press Ctrl+C to stop.")

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	// Shutdown: stop taking requests, then the loops, then the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	sched.Stop()
	collector.Stop()
	mgr.Shutdown()
	if err := cacheTier.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Cache close: %v\n", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

// buildCache picks the cache tier: Redis when an address is configured,
// otherwise the process-local memory tier.
func buildCache(ctx context.Context, cfg *config.ServerConfig) (cache.Cache, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}
