// Package main wires together the scenario generation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"scenariomaker/internal/api"
	"scenariomaker/internal/cleanup"
	"scenariomaker/internal/clock/system"
	"scenariomaker/internal/config"
	"scenariomaker/internal/excel"
	"scenariomaker/internal/gitdiff"
	"scenariomaker/internal/hub"
	"scenariomaker/internal/id/uuid"
	"scenariomaker/internal/llm"
	"scenariomaker/internal/logging"
	"scenariomaker/internal/pipeline"
	"scenariomaker/internal/rag"
	"scenariomaker/internal/registry"
	"scenariomaker/internal/scenario"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.NewGenerator()
	reg := registry.New(clock, idGen, logger.Named("registry"))
	progressHub := hub.New(reg, logger.Named("hub"))

	analyzer := gitdiff.NewAnalyzer(gitdiff.Config{
		BaseRevision: cfg.Generation.BaseRevision,
	}, logger.Named("gitdiff"))

	var (
		indexer scenario.Indexer = rag.Noop{}
		store   *rag.Store
	)
	if cfg.RAG.Enabled {
		store, err = rag.Open(rag.Config{
			DBPath:       cfg.RAG.DBPath,
			ChunkSize:    cfg.RAG.ChunkSize,
			ChunkOverlap: cfg.RAG.ChunkOverlap,
		}, clock, logger.Named("rag"))
		if err != nil {
			logger.Fatal("open chunk store failed", zap.Error(err))
		}
		defer store.Close()
		indexer = store
	}
	prompts := rag.NewPromptBuilder(
		store,
		cfg.Generation.PromptPath,
		cfg.Generation.GuidancePath,
		cfg.RAG.TopK,
		logger.Named("prompts"),
	)
	model := llm.New(cfg.Generation.OllamaURL, nil, logger.Named("llm"))
	exporter := excel.NewWriter(cfg.Generation.OutputDir, clock, logger.Named("excel"))

	runner := pipeline.New(
		reg,
		progressHub,
		analyzer,
		indexer,
		prompts,
		model,
		exporter,
		clock,
		pipeline.Config{
			Model:        cfg.Generation.Model,
			ModelTimeout: cfg.ModelTimeout(),
			TemplatePath: cfg.Generation.TemplatePath,
		},
		logger.Named("pipeline"),
	)

	sched := cleanup.New(reg, cleanup.Config{
		Interval:  cfg.CleanupInterval(),
		TTL:       cfg.ClientTTL(),
		EvictBusy: cfg.Cleanup.EvictBusy,
	}, logger.Named("cleanup"))
	sched.Start()
	defer sched.Stop()

	apiServer := api.NewServer(reg, progressHub, runner, sched, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
