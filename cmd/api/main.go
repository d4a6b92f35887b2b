package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"stepdocs/api/internal/app"
	"stepdocs/api/internal/bootstrap"
	"stepdocs/api/internal/config"
	"stepdocs/api/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback, _ := logger.New("prod")
		fallback.Fatal("config invalid", "error", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancelStart := context.WithTimeout(ctx, time.Minute)
	rt, err := bootstrap.Build(startCtx, cfg, log)
	cancelStart()
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer rt.Close()

	if cfg.SweepInterval > 0 {
		go rt.Service.RunSweeper(ctx, cfg.SweepInterval, cfg.SweepWorkers)
	}

	httpServer := app.NewHTTPServer(rt.Service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("stepdocs API listening",
			"addr", cfg.Addr,
			"store", cfg.Store,
			"dedup_policy", cfg.DedupPolicy,
			"read_mode", cfg.ReadMode,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
