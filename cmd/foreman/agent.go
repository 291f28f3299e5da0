package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/runtime"
	"github.com/cuemby/foreman/pkg/worker"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker agent on this machine",
	Long: `Run a Foreman worker agent.

The agent registers with the dispatcher, heartbeats host capacity,
polls for assigned jobs, and executes each command sequence inside a
hardened containerd sandbox. The worker identity persists in the data
directory across restarts.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("config", "", "Path to the agent config file")
	agentCmd.Flags().String("server", "", "Dispatcher base URL")
	agentCmd.Flags().String("data-dir", "", "Directory for worker identity and job workspaces")
	agentCmd.Flags().String("worker-id", "", "Pin the worker id instead of persisting one")
	agentCmd.Flags().Int("max-parallel-jobs", 0, "Concurrent job cap (0 derives half the CPU count)")
	agentCmd.Flags().String("containerd-socket", "", "Path to the containerd socket")
	agentCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadAgent(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("worker-id"); v != "" {
		cfg.WorkerID = v
	}
	if v, _ := cmd.Flags().GetInt("max-parallel-jobs"); v > 0 {
		cfg.MaxParallelJobs = v
	}
	if v, _ := cmd.Flags().GetString("containerd-socket"); v != "" {
		cfg.ContainerdSocket = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	fmt.Println("Starting Foreman agent...")
	fmt.Printf("  Dispatcher: %s\n", cfg.ServerURL)
	fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
	fmt.Printf("  Containerd: %s (namespace %q)\n", cfg.ContainerdSocket, cfg.ContainerdNamespace)
	fmt.Println()

	rt, err := runtime.NewContainerd(runtime.Config{
		SocketPath: cfg.ContainerdSocket,
		Namespace:  cfg.ContainerdNamespace,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %v", err)
	}

	agent, err := worker.NewAgent(worker.Config{
		ServerURL:            cfg.ServerURL,
		DataDir:              cfg.DataDir,
		WorkerID:             cfg.WorkerID,
		Version:              Version,
		MaxParallelJobs:      cfg.MaxParallelJobs,
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		PollInterval:         cfg.PollInterval(),
		CancelProbeInterval:  cfg.CancelProbeInterval(),
		SandboxMemoryLimitMB: cfg.SandboxMemoryLimitMB,
		SandboxCPULimit:      cfg.SandboxCPULimit,
		SandboxTmpfsMB:       cfg.SandboxTmpfsMB,
		SandboxPidsLimit:     cfg.SandboxPidsLimit,
		SandboxNetworkMode:   cfg.SandboxNetworkMode,
		ImageRules:           cfg.Images,
		FallbackImage:        cfg.FallbackImage,
	}, rt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %v", err)
	}

	// Ctrl+C during the startup wait aborts registration cleanly.
	startCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start agent: %v", err)
	}
	fmt.Printf("✓ Agent started (worker %s)\n", agent.WorkerID())
	fmt.Println()
	fmt.Println("Agent is running. Press Ctrl+C to stop.")

	<-startCtx.Done()
	fmt.Println("\nShutting down...")

	// Stop kills running sandboxes and waits for the executors to report
	// their jobs back before closing the runtime.
	if err := agent.Stop(); err != nil {
		return fmt.Errorf("failed to stop agent: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
