package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docuchat/internal/app"
	"docuchat/internal/config"
	"docuchat/internal/server"
	"docuchat/internal/util"
	"docuchat/pkg/ai"
	"docuchat/pkg/ingest"
	"docuchat/pkg/storage"
	"docuchat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			fatal("failed to init postgres store", "err", err)
		}
		dataStore = gormStore
	} else {
		slog.Warn("no databaseURL configured, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		fatal("failed to init session store", "err", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		bucket := cfg.MinioBucket
		if bucket == "" {
			bucket = "docuchat-uploads"
		}
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, bucket, cfg.MinioUseSSL)
		if err != nil {
			fatal("failed to init object storage", "err", err)
		}
		objects = minioStore
	} else {
		slog.Warn("no minio endpoint configured, raw uploads are not retained")
	}

	var backend ai.TextGenerator
	switch cfg.GenerationProvider {
	case "ollama":
		backend, err = ai.NewOllamaClient(cfg.OllamaBaseURL, cfg.GenerationModel)
	default:
		backend, err = ai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GenerationModel)
	}
	if err != nil {
		fatal("failed to init generation backend", "err", err)
	}
	generator := ai.NewClient(backend, ai.ClientConfig{})

	appCore, err := app.New(app.Config{
		Store:     dataStore,
		Sessions:  sessions,
		Objects:   objects,
		Generator: generator,
		Model:     cfg.GenerationModel,
		Ingest: ingest.Config{
			ChunkSize:            cfg.ChunkSize,
			MaxFileBytes:         cfg.MaxFileBytes,
			MaxDocumentsPerOwner: cfg.MaxDocumentsPerOwner,
		},
	})
	if err != nil {
		fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		ChatRateLimit:  cfg.ChatRateLimit,
		ChatRateWindow: time.Duration(cfg.ChatRateWindow) * time.Second,
		MaxUploadBytes: cfg.MaxFileBytes,
	})
	if err != nil {
		fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
