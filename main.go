package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mirrorstage/simdeck/internal/archive"
	"github.com/mirrorstage/simdeck/internal/config"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
	"github.com/mirrorstage/simdeck/internal/engine/local"
	"github.com/mirrorstage/simdeck/internal/engine/remote"
	"github.com/mirrorstage/simdeck/internal/notify"
	"github.com/mirrorstage/simdeck/internal/observability"
	"github.com/mirrorstage/simdeck/internal/policy"
	"github.com/mirrorstage/simdeck/internal/service"
	v1 "github.com/mirrorstage/simdeck/internal/transport/http/v1"
	"github.com/mirrorstage/simdeck/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting simdeck...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Engine URL: %s", cfg.EngineURL)
	log.Printf("Archive: %s", cfg.ArchiveURL)

	// Initialize archive
	arch, err := archive.NewSQLiteArchive(cfg.ArchiveURL)
	if err != nil {
		log.Fatalf("Failed to initialize archive: %v", err)
	}
	defer arch.Close()

	// Initialize engines
	remoteEngine := remote.NewClient(cfg.EngineURL, cfg.EngineTimeout)
	localFactory := func() engine.Engine {
		return local.New(cfg.LocalSeed)
	}

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize metrics and notifications
	metrics, err := observability.NewCollector(nil)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	feed := notify.NewFeed(cfg.NotificationsMax)

	// Initialize controller
	ctrl := service.New(remoteEngine, localFactory, policyEngine, arch, feed, metrics, cfg)

	// Initialize WebSocket hub and entry feed
	hub := ws.NewHub()
	go hub.Run()
	wsServer := ws.NewServer(hub)
	ctrl.SetBroadcaster(wsServer)

	// Register preset simulations
	if cfg.ScenarioPath != "" {
		if err := registerScenarios(ctx, ctrl, cfg.ScenarioPath); err != nil {
			log.Fatalf("Failed to load scenarios: %v", err)
		}
	}

	// Initialize HTTP server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h := v1.NewHandler(ctrl, feed)
	h.RegisterRoutes(e)
	e.GET("/ws", wsServer.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down simdeck...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	ctrl.Close()
	hub.Stop()

	log.Println("Simdeck stopped")
}

// registerScenarios creates one simulation per preset and imports its roster.
func registerScenarios(ctx context.Context, ctrl *service.Controller, path string) error {
	file, err := config.LoadScenarios(path)
	if err != nil {
		return err
	}
	for _, sc := range file.Scenarios {
		info, err := ctrl.CreateSimulation(ctx, sc.Name, domain.EngineMode(sc.Mode))
		if err != nil {
			return fmt.Errorf("failed to create simulation %q: %w", sc.Name, err)
		}
		if len(sc.Agents) > 0 {
			records := make([]domain.AgentRecord, 0, len(sc.Agents))
			for _, a := range sc.Agents {
				records = append(records, domain.AgentRecord{Name: a.Name, Attributes: a.Attributes})
			}
			if _, err := ctrl.ImportAgents(ctx, info.ID, records); err != nil {
				return fmt.Errorf("failed to import agents for %q: %w", sc.Name, err)
			}
		}
		log.Printf("Registered scenario simulation: %s (%s)", sc.Name, info.ID)
	}
	return nil
}
