// codepodd runs the embedded codepod library as a standalone HTTP service:
// the pool and sessions under a REST and websocket facade, with Prometheus
// metrics and graceful shutdown.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"codepod/internal/api"
	"codepod/internal/logging"
	"codepod/pkg/codepod"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	cfg, err := codepod.LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logging.Init(cfg.Environment)
	defer logging.Sync()
	logger := logging.L().Named("codepodd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pod, err := codepod.New(ctx, cfg)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer func() {
		if err := pod.Close(); err != nil {
			logger.Warn("shutdown left residue", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewServer(pod, api.Config{}).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("stopped")
}
