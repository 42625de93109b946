package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cadence/api/internal/app"
	"cadence/api/internal/config"
	"cadence/api/internal/runlock"
	"cadence/api/internal/scheduler"
	"cadence/api/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var service *app.Service
	var lock *runlock.RedisLock
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for the daily run lock and summary cache")
		lock, err = runlock.NewRedisLock(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer lock.Close()
		service = app.NewWithRunStore(cfg, dataStore, lock)
	} else {
		log.Printf("Redis not configured; relying on idempotent advancement alone")
		service = app.New(cfg, dataStore)
	}

	sched, err := scheduler.Start(service, lock, cfg.AdvanceAt)
	if err != nil {
		log.Fatalf("scheduler failed: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Cadence API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := sched.Shutdown(); err != nil {
		log.Printf("scheduler shutdown error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
