package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credit_ledger/internal/config"
	"credit_ledger/internal/httpapi"
	"credit_ledger/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("Invalid LOG_LEVEL, using info: %v", err)
	}
	if cfg.Local {
		level = utils.Debug
	}
	utils.SetDefaultLogLevel(level)

	// Workers outlive the HTTP server so queued payments and archive batches drain
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build ledger service: %v", err)
	}
	app.start(ctx)

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(app.deps),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Credit ledger listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	app.shutdown()
	cancel()

	log.Println("Server exited")
}
