package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/runefall/bifrost/internal/bifrost"
	"github.com/runefall/bifrost/internal/loglet/file"
	"github.com/runefall/bifrost/internal/loglet/local"
	"github.com/runefall/bifrost/internal/loglet/memory"
	"github.com/runefall/bifrost/internal/metadata"
	"github.com/runefall/bifrost/internal/server"
	"github.com/runefall/bifrost/internal/types"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	addr := envOr("BIFROST_ADDR", ":8080")
	dataDir := envOr("BIFROST_DATA_DIR", "data")
	kind := metadata.ProviderKind(envOr("BIFROST_PROVIDER", string(metadata.ProviderLocal)))
	numLogs, err := strconv.Atoi(envOr("BIFROST_NUM_LOGS", "8"))
	if err != nil {
		log.Fatal("bad BIFROST_NUM_LOGS", zap.Error(err))
	}

	md := metadata.NewMetadata(metadata.NewSimpleLogs(types.VersionMin, numLogs, kind), nil)
	svc := bifrost.NewService(md, log,
		memory.NewFactory(memory.Config{Logger: log}),
		local.NewFactory(local.Config{DataDir: dataDir, Logger: log}),
		file.NewFactory(file.Config{DataDir: dataDir, Logger: log}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("start bifrost service", zap.Error(err))
	}

	srv := server.New(addr, svc.Handle(), log)
	go func() {
		log.Info("serving", zap.String("addr", addr), zap.String("provider", string(kind)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("bifrost shutdown", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
