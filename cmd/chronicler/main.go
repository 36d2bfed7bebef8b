package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/chronicler/internal/config"
	"github.com/stellarlinkco/chronicler/internal/cron"
	"github.com/stellarlinkco/chronicler/internal/gateway"
	"github.com/stellarlinkco/chronicler/internal/memory"
)

var rootCmd = &cobra.Command{
	Use:   "chronicler",
	Short: "chronicler - durable long-term memory service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory worker and introspection gateway",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chronicler status",
	RunE:  runStatus,
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move every failed job back to pending",
	RunE:  runRetryFailed,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(serveCmd, statusCmd, retryFailedCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newService(cfg config.Getter) (*memory.Service, error) {
	snap := cfg()
	return memory.NewService(
		snap.DataDir,
		cfg,
		memory.NewModelClient(cfg),
		memory.NewEmbedder(cfg),
		memory.NewReranker(cfg),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	manager, err := config.NewManager(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer manager.Close()

	if err := manager.Watch(); err != nil {
		log.Printf("[main] config watch disabled: %v", err)
	}

	snap := manager.Snapshot()
	if snap.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'chronicler onboard' or set CHRONICLER_API_KEY")
	}

	svc, err := newService(manager.Getter())
	if err != nil {
		return fmt.Errorf("create memory service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start memory worker: %w", err)
	}

	housekeeping := cron.NewService(manager.Getter(), svc)
	if err := housekeeping.Start(); err != nil {
		log.Printf("[main] housekeeping disabled: %v", err)
	}

	gw := gateway.New(manager.Getter(), svc)
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("[main] gateway error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] gateway shutdown warning: %v", err)
	}
	housekeeping.Stop()
	cancel()
	svc.Stop()
	log.Printf("[main] shutdown complete")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}
	cfg.Normalize()

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	fmt.Printf("Embedding model: %s\n", valueOrUnset(cfg.Embedding.Model))
	fmt.Printf("Rerank: enabled=%v\n", cfg.Rerank.Enabled)
	fmt.Printf("Memory: enabled=%v\n", cfg.Memory.Enabled)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	svc, err := memory.NewService(cfg.DataDir, func() *config.Config { return cfg },
		memory.NewModelClient(func() *config.Config { return cfg }),
		memory.NewEmbedder(func() *config.Config { return cfg }),
		memory.NewReranker(func() *config.Config { return cfg }))
	if err != nil {
		fmt.Printf("Queue: error (%v)\n", err)
		return nil
	}
	stats := svc.Stats()
	fmt.Printf("Queue: pending=%d processing=%d failed=%d\n", stats.Pending, stats.Processing, stats.Failed)
	return nil
}

func runRetryFailed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Normalize()
	getter := func() *config.Config { return cfg }

	svc, err := memory.NewService(cfg.DataDir, getter,
		memory.NewModelClient(getter), memory.NewEmbedder(getter), memory.NewReranker(getter))
	if err != nil {
		return fmt.Errorf("open memory service: %w", err)
	}

	moved, err := svc.RetryFailed()
	if err != nil {
		return fmt.Errorf("retry failed jobs: %w", err)
	}
	fmt.Printf("Re-queued %d failed jobs\n", moved)
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Printf("Data dir ready: %s\n", cfg.DataDir)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and embedding model\n", cfgPath)
	fmt.Println("  2. Or set CHRONICLER_API_KEY / CHRONICLER_EMBEDDING_MODEL")
	fmt.Println("  3. Run 'chronicler serve' to start the worker")
	return nil
}

func valueOrUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
