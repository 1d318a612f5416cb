package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"verifyedge/internal/verifyedge"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("VERIFYEDGE_CONFIG", "/verifyedge.yaml"), "path to verifyedge.yaml")
	flag.Parse()

	cfg, err := verifyedge.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := verifyedge.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := verifyedge.NewService(ctx, cfg, verifyedge.WithLogger(logger))
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("verifyedge listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("generation", svc.CurrentGeneration()),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
