// Package main is the entry point for the ramal messaging-tree daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sevir/ramal/internal/cli"
	"github.com/sevir/ramal/internal/config"
	"github.com/sevir/ramal/internal/queue"
	"github.com/sevir/ramal/internal/server"
	"github.com/sevir/ramal/internal/store"
	"github.com/sevir/ramal/pkg/models"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse flags
	var (
		configPath   = flag.String("config", "", "Path to config file")
		host         = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port         = flag.Int("port", 0, "Server port (default: 8750)")
		agentCmd     = flag.String("agent", "", "Agent CLI command")
		storePath    = flag.String("store", "", "Path to tree store file")
		maxProcesses = flag.Int("max-processes", 0, "Maximum concurrent agent processes")
		showVersion  = flag.Bool("version", false, "Show version and exit")
		initConfig   = flag.Bool("init", false, "Initialize default config and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ramal %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Environment overrides (.env) are loaded before the config file so
	// REDIS_URL and friends are visible to it.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *agentCmd != "" {
		parts := strings.Fields(*agentCmd)
		cfg.Agent.Command = parts[0]
		cfg.Agent.Args = parts[1:]
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *maxProcesses != 0 {
		cfg.Queue.MaxProcesses = *maxProcesses
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	agentTimeout, err := cfg.AgentTimeout()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	terminate, err := cli.TerminatorForMode(cfg.Agent.KillMode)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	registry := cli.NewRegistry(terminate)
	registry.EnsureCleanupHookRegistered()
	// The shutdown goroutine below owns the first signal; the hook only
	// sweeps up if that path stalls past its budget.
	registry.OwnGracefulShutdown(35 * time.Second)

	treeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	manager, err := queue.New(queue.Config{
		Agent: cli.Command{
			Path:    cfg.Agent.Command,
			Args:    cfg.Agent.Args,
			WorkDir: cfg.Agent.WorkDir,
			Env:     cfg.Agent.Env,
			Timeout: agentTimeout,
		},
		MaxProcesses: cfg.Queue.MaxProcesses,
		Store:        treeStore,
		Registry:     registry,
		OnResult:     logResult,
	})
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}

	srv := server.New(server.Config{
		Addr:    cfg.Address(),
		Manager: manager,
		Version: version,
	})

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		if err := manager.Shutdown(); err != nil {
			log.Printf("Manager shutdown error: %v", err)
		}

		// Last line of defense against orphaned agent processes.
		registry.KillAllBestEffort()
	}()

	log.Printf("ramal %s starting", version)
	log.Printf("Messages endpoint: http://%s/api/messages", cfg.Address())
	log.Printf("Stop endpoint:     http://%s/api/stop", cfg.Address())
	log.Printf("Health check:      http://%s/health", cfg.Address())

	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			log.Fatalf("Server error: %v", err)
		}
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreFile:
		return store.NewFileStore(cfg.Store.Path)
	case config.StoreRedis:
		ttl, err := cfg.RedisTTL()
		if err != nil {
			return nil, err
		}
		return store.NewRedisStore(context.Background(), cfg.Store.RedisURL, ttl)
	default:
		return nil, fmt.Errorf("invalid store backend: %s (valid: none, file, redis)", cfg.Store.Backend)
	}
}

// logResult stands in for a platform adapter: terminal node outcomes are
// surfaced on the process log.
func logResult(conversationID string, node *models.MessageNode) {
	log.Printf(
		"adapter_event=result conversation=%s node=%s state=%s result_len=%d error=%q",
		conversationID,
		node.ID,
		node.State,
		len(node.Result),
		node.Error,
	)
}
